package httpapi

import (
	"context"
	"net"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/audit"
	"github.com/example/bloodlink/internal/auth"
	"github.com/example/bloodlink/internal/geo"
	"github.com/example/bloodlink/internal/inventory"
	"github.com/example/bloodlink/internal/matcher"
	"github.com/example/bloodlink/internal/models"
	"github.com/example/bloodlink/internal/notify"
	"github.com/example/bloodlink/internal/ratelimit"
	"github.com/example/bloodlink/internal/storage"
	"github.com/example/bloodlink/internal/workflow"
)

type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Donor) error
}

type ReportUploader interface {
	Upload(ctx context.Context, key, contentType string, body []byte) (string, error)
}

// Deps are the collaborators a Server routes to. Locations, Limiter and
// Archive are optional.
type Deps struct {
	Matcher   *matcher.Service
	Workflow  *workflow.Engine
	Inventory *inventory.Service
	Notifier  *notify.Dispatcher
	Geo       geo.Geo
	Donors    storage.DonorStore
	Locations LocationPublisher
	WSReg     *notify.WSRegistry
	Verifier  *auth.Verifier
	Limiter   ratelimit.Limiter
	Audit     *audit.Logger
	Archive   ReportUploader
	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	TrustedProxies []*net.IPNet
	// Production hides internal error detail from responses.
	Production bool
	Logger     *zap.Logger
}

type Server struct {
	Deps
	logger   *zap.Logger
	validate *validator.Validate
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Audit == nil {
		d.Audit = audit.New(logger, nil, "")
	}
	s := &Server{Deps: d, logger: logger, validate: newValidator(), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.mux.Handle("/ws/{user_id}", s.authenticate(http.HandlerFunc(s.handleWS))).Methods(http.MethodGet)

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authenticate)
	internal.HandleFunc("/donors/locations", s.handleDonorLocation).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authenticate)

	api.HandleFunc("/auth/revoke", s.handleRevoke).Methods(http.MethodPost)

	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/match", s.handleMatch).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/status", s.handleTransition).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/responses", s.handleRespond).Methods(http.MethodPost)

	api.HandleFunc("/donors/nearby", s.handleNearbyDonors).Methods(http.MethodGet)

	api.HandleFunc("/inventory/units", s.handleAddUnit).Methods(http.MethodPost)
	api.HandleFunc("/inventory/units/{id}", s.handleGetUnit).Methods(http.MethodGet)
	api.HandleFunc("/inventory/units/{id}/tests", s.handleRecordTests).Methods(http.MethodPut)
	api.HandleFunc("/inventory/units/{id}/use", s.handleMarkUsed).Methods(http.MethodPost)
	api.HandleFunc("/inventory/reserve", s.handleReserve).Methods(http.MethodPost)
	api.HandleFunc("/inventory/release", s.handleRelease).Methods(http.MethodPost)
	api.HandleFunc("/inventory/expire", s.handleExpire).Methods(http.MethodPost)
	api.HandleFunc("/inventory/summary", s.handleSummary).Methods(http.MethodGet)
	api.HandleFunc("/inventory/export", s.handleExport).Methods(http.MethodGet)

	api.HandleFunc("/notifications/alert", s.handleSendAlert).Methods(http.MethodPost)
	api.HandleFunc("/notifications/preferences", s.handleUpdatePreferences).Methods(http.MethodPut)

	s.mux.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, notFoundRoute)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
