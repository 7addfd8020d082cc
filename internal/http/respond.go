package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/apperr"
	"github.com/example/bloodlink/internal/audit"
	"github.com/example/bloodlink/internal/auth"
	"github.com/example/bloodlink/internal/logging"
	"github.com/example/bloodlink/internal/policy"
)

const maxBodyBytes = 1 << 20

var notFoundRoute = apperr.NotFound("route")

type envelope struct {
	Success  bool       `json:"success"`
	Data     any        `json:"data,omitempty"`
	Error    *errorBody `json:"error,omitempty"`
	Metadata metadata   `json:"metadata"`
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type metadata struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func meta(r *http.Request) metadata {
	return metadata{RequestID: logging.RequestID(r.Context()), Timestamp: time.Now().UTC()}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Metadata: meta(r)})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	status := apperr.StatusCode(e)
	body := &errorBody{Code: string(e.Kind), Message: e.Message, Fields: e.Fields}
	if e.Kind == apperr.KindInternal {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", logging.RequestID(r.Context())),
			zap.Error(e.Err),
		)
		if !s.Production && e.Err != nil {
			body.Message = e.Err.Error()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: body, Metadata: meta(r)})
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and runs struct validation on it.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty", nil)
		}
		return apperr.Validation("malformed JSON body", map[string]string{"body": err.Error()})
	}
	return s.check(dst)
}

func (s *Server) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Internal(err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe.Namespace())] = describe(fe)
	}
	return apperr.Validation("invalid input", fields)
}

// fieldPath drops the struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "latitude":
		return "must be a latitude between -90 and 90"
	case "longitude":
		return "must be a longitude between -180 and 180"
	case "dive":
		return "invalid element"
	}
	return "failed " + fe.Tag() + " check"
}

type claimsKey struct{}

func withClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(claimsKey{}).(*auth.Claims)
	return c
}

func actorFrom(r *http.Request) policy.Actor {
	a, _ := auth.ActorFrom(r.Context())
	return a
}

// authorize evaluates the policy for handlers whose service has no actor
// parameter, recording denials as security events.
func (s *Server) authorize(r *http.Request, res policy.Resource, action policy.Action, target string) error {
	actor := actorFrom(r)
	d := policy.Evaluate(actor, res, action)
	if d.Allowed {
		return nil
	}
	s.Audit.Record(r.Context(), audit.Event{
		Type:     audit.AuthorizationDenied,
		ActorID:  actor.ID,
		Role:     string(actor.Role),
		Action:   string(action),
		Target:   target,
		Reason:   d.Reason,
		RemoteIP: s.clientIP(r),
	})
	return apperr.Authorization("not permitted")
}
