package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/apperr"
	"github.com/example/bloodlink/internal/audit"
	"github.com/example/bloodlink/internal/auth"
	"github.com/example/bloodlink/internal/logging"
	"github.com/example/bloodlink/internal/observability"
)

func (s *Server) registerMiddleware() {
	s.mux.Use(s.recoverMiddleware)
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.observabilityMiddleware)
	s.mux.Use(s.rateLimitMiddleware)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), reqID)))
	})
}

func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := routeTemplate(r)
		status := strconv.Itoa(ww.status)

		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())

		s.logger.Info("http_request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("remote_addr", s.clientIP(r)),
			zap.String("request_id", logging.RequestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.Stack("stack"))
				s.writeError(w, r, apperr.Internal(errors.New("panic")))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware counts requests per client IP. Health and metrics
// endpoints are exempt; a limiter failure lets the request through.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Limiter == nil || r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ip := s.clientIP(r)
		res, err := s.Limiter.Allow(r.Context(), ip)
		if err != nil {
			s.logger.Warn("rate limiter unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(res.ResetIn.Seconds())+1))
			s.Audit.Record(r.Context(), audit.Event{Type: audit.RateLimited, RemoteIP: ip, Target: r.URL.Path})
			s.writeError(w, r, apperr.RateLimited())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the bearer token into an actor. WebSocket clients
// cannot set headers, so /ws also accepts an access_token query parameter.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil && strings.HasPrefix(r.URL.Path, "/ws/") {
			token, err = r.URL.Query().Get("access_token"), nil
			if token == "" {
				err = auth.ErrMissingToken
			}
		}
		if err == nil {
			actor, claims, verr := s.Verifier.Verify(r.Context(), token)
			if verr == nil {
				ctx := auth.WithActor(r.Context(), actor)
				ctx = withClaims(ctx, claims)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			err = verr
		}
		reason := "invalid or expired token"
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			reason = "missing bearer token"
		case errors.Is(err, auth.ErrRevokedToken):
			reason = "token revoked"
		}
		s.Audit.Record(r.Context(), audit.Event{
			Type:     audit.AuthenticationFailed,
			Reason:   reason,
			RemoteIP: s.clientIP(r),
			Target:   r.URL.Path,
		})
		s.writeError(w, r, apperr.Authentication(reason))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// clientIP is the address rate limits and audit events are keyed by.
// X-Forwarded-For is only consulted when the peer is a trusted proxy, and
// then the rightmost hop that is not itself a trusted proxy wins; hops to
// its left are client supplied.
func (s *Server) clientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !s.trusted(peer) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" || s.trusted(hop) {
			continue
		}
		if net.ParseIP(hop) == nil {
			return peer
		}
		return hop
	}
	return peer
}

func (s *Server) trusted(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range s.TrustedProxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
