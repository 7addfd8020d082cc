package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/apperr"
	"github.com/example/bloodlink/internal/bloodtype"
	"github.com/example/bloodlink/internal/matcher"
	"github.com/example/bloodlink/internal/models"
	"github.com/example/bloodlink/internal/notify"
	"github.com/example/bloodlink/internal/policy"
)

type locationInput struct {
	Lat     *float64 `json:"lat" validate:"required,latitude"`
	Lng     *float64 `json:"lng" validate:"required,longitude"`
	Address string   `json:"address" validate:"max=500"`
}

type createRequestInput struct {
	PatientName   string         `json:"patient_name" validate:"required,max=200"`
	ContactPhone  string         `json:"contact_phone" validate:"max=32"`
	BloodType     string         `json:"blood_type" validate:"required"`
	UnitsNeeded   int            `json:"units_needed" validate:"min=1,max=10"`
	Urgency       models.Urgency `json:"urgency"`
	UrgencyLevel  models.Urgency `json:"urgency_level"`
	Location      *locationInput `json:"location" validate:"required"`
	InstitutionID string         `json:"institution_id"`
	Notes         string         `json:"notes" validate:"max=2000"`
	NeededBy      *time.Time     `json:"needed_by"`
}

// urgency resolves the legacy urgency_level alias; urgency wins.
func (in createRequestInput) urgency() models.Urgency {
	if in.Urgency != "" {
		return in.Urgency
	}
	return in.UrgencyLevel
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in createRequestInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	bt, err := bloodtype.Parse(in.BloodType)
	if err != nil {
		s.writeError(w, r, apperr.Field("blood_type", "unknown blood type"))
		return
	}
	draft := models.BloodRequest{
		PatientName:  in.PatientName,
		ContactPhone: in.ContactPhone,
		BloodType:    bt,
		UnitsNeeded:  in.UnitsNeeded,
		Urgency:      in.urgency(),
		Location: models.Location{
			Coord:   models.Coord{Lat: *in.Location.Lat, Lng: *in.Location.Lng},
			Address: in.Location.Address,
		},
		InstitutionID: in.InstitutionID,
		Notes:         in.Notes,
		NeededBy:      in.NeededBy,
	}
	req, err := s.Workflow.Create(r.Context(), actorFrom(r), draft)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Workflow.Get(r.Context(), actorFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

type matchResponse struct {
	RequestID string                 `json:"request_id"`
	Status    models.RequestStatus   `json:"status"`
	Matches   []models.Match         `json:"matches"`
	Delivery  *models.DeliveryResult `json:"delivery,omitempty"`
}

// handleMatch ranks donors for a request. A pending request with at least
// one candidate moves to processing; ?notify=true alerts the candidates.
func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(r)
	id := mux.Vars(r)["id"]

	req, err := s.Workflow.Get(ctx, actor, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.authorize(r, policy.ForRequest(req), policy.ActionRequestMatch, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	matches, err := s.Matcher.FindMatches(ctx, matcher.QueryFor(req))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Status == models.StatusPending && len(matches) > 0 {
		updated, err := s.Workflow.Transition(ctx, actor, id, models.StatusProcessing,
			"matching found "+strconv.Itoa(len(matches))+" donor(s)")
		switch {
		case err == nil:
			req = updated
		case apperr.Is(err, apperr.KindConflict):
			// a concurrent transition already moved it on
		default:
			s.writeError(w, r, err)
			return
		}
	}

	out := matchResponse{RequestID: req.ID, Status: req.Status, Matches: matches}
	if notifyParam, _ := strconv.ParseBool(r.URL.Query().Get("notify")); notifyParam && len(matches) > 0 {
		res, err := s.Notifier.SendAlert(ctx, actor, notify.AlertForMatches(req, matches))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out.Delivery = &res
	}
	s.logger.Info("match served",
		zap.String("request_id", req.ID),
		zap.Int("matches", len(matches)),
		zap.Bool("notified", out.Delivery != nil),
	)
	writeJSON(w, r, http.StatusOK, out)
}

type transitionInput struct {
	Status models.RequestStatus `json:"status" validate:"required"`
	Note   string               `json:"note" validate:"max=1000"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var in transitionInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.Workflow.Transition(r.Context(), actorFrom(r), mux.Vars(r)["id"], in.Status, in.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.Workflow.History(r.Context(), actorFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if hist == nil {
		hist = []models.StatusChange{}
	}
	writeJSON(w, r, http.StatusOK, hist)
}

type respondInput struct {
	ResponseType models.ResponseType `json:"response_type" validate:"required,oneof=accept decline maybe"`
	ETAMinutes   int                 `json:"eta_minutes" validate:"min=0,max=1440"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var in respondInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.Workflow.Respond(r.Context(), actorFrom(r), mux.Vars(r)["id"], in.ResponseType, in.ETAMinutes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, resp)
}
