package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/apperr"
	"github.com/example/bloodlink/internal/audit"
	"github.com/example/bloodlink/internal/models"
)

type alertInput struct {
	Type       models.AlertType  `json:"type" validate:"required"`
	Title      string            `json:"title" validate:"required,max=200"`
	Message    string            `json:"message" validate:"required,max=2000"`
	Recipients []string          `json:"recipients" validate:"required,min=1,max=1000,dive,required"`
	Priority   models.Priority   `json:"priority"`
	Channels   []models.Channel  `json:"channels" validate:"required,min=1,dive,required"`
	Data       map[string]string `json:"data"`
}

func (s *Server) handleSendAlert(w http.ResponseWriter, r *http.Request) {
	var in alertInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Notifier.SendAlert(r.Context(), actorFrom(r), models.Alert(in))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

type quietHoursInput struct {
	Enabled   bool   `json:"enabled"`
	StartHour int    `json:"start_hour" validate:"min=0,max=23"`
	EndHour   int    `json:"end_hour" validate:"min=0,max=23"`
	Timezone  string `json:"timezone"`
}

type preferencesInput struct {
	UserID           string           `json:"user_id"`
	DisabledChannels []models.Channel `json:"disabled_channels"`
	QuietHours       quietHoursInput  `json:"quiet_hours"`
	Phone            string           `json:"phone" validate:"max=32"`
	Email            string           `json:"email" validate:"omitempty,email"`
	PushToken        string           `json:"push_token" validate:"max=4096"`
	WhatsApp         string           `json:"whatsapp" validate:"max=32"`
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var in preferencesInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := models.NotificationPreferences{
		UserID:     in.UserID,
		QuietHours: models.QuietHours(in.QuietHours),
		Phone:      in.Phone,
		Email:      in.Email,
		PushToken:  in.PushToken,
		WhatsApp:   in.WhatsApp,
	}
	if len(in.DisabledChannels) > 0 {
		p.Disabled = make(map[models.Channel]bool, len(in.DisabledChannels))
		for _, ch := range in.DisabledChannels {
			p.Disabled[ch] = true
		}
	}
	saved, err := s.Notifier.UpdatePreferences(r.Context(), actorFrom(r), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, saved)
}

// handleRevoke blacklists the caller's own token.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if err := s.Verifier.Revoke(r.Context(), claims); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := actorFrom(r)
	s.Audit.Record(r.Context(), audit.Event{
		Type:     audit.TokenRevoked,
		ActorID:  actor.ID,
		Role:     string(actor.Role),
		RemoteIP: s.clientIP(r),
	})
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWS registers the caller's in-app session. Users may only open
// their own channel.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	actor := actorFrom(r)
	if actor.ID != id {
		s.Audit.Denied(r.Context(), actor, "ws.connect", id, "users may only open their own channel")
		s.writeError(w, r, apperr.Authorization("not permitted"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.String("user_id", id), zap.Error(err))
		return
	}
	s.WSReg.Add(id, conn)
	s.logger.Info("ws connected", zap.String("user_id", id))

	go func() {
		defer func() {
			s.WSReg.Remove(id, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
