// Package notify fans alerts out to recipients over push, SMS, email,
// WhatsApp and in-app sessions, honouring per-user preferences.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/bloodlink/internal/apperr"
	"github.com/example/bloodlink/internal/models"
	"github.com/example/bloodlink/internal/observability"
	"github.com/example/bloodlink/internal/policy"
)

const (
	MaxRecipients  = 1000
	DefaultWorkers = 16
)

var ErrNoAddress = errors.New("recipient has no address for channel")

// Message is one delivery to one recipient over one channel.
type Message struct {
	Channel     models.Channel
	RecipientID string
	Address     string
	Type        models.AlertType
	Priority    models.Priority
	Title       string
	Body        string
	Data        map[string]string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Preferences interface {
	GetPreferences(ctx context.Context, userID string) (models.NotificationPreferences, error)
	SavePreferences(ctx context.Context, p models.NotificationPreferences) error
}

type Auditor interface {
	Denied(ctx context.Context, actor policy.Actor, action policy.Action, target, reason string)
}

type Dispatcher struct {
	Senders map[models.Channel]Sender
	Prefs   Preferences
	Audit   Auditor // optional
	Workers int
	Logger  *zap.Logger
	Now     func() time.Time
}

func NewDispatcher(prefs Preferences, senders map[models.Channel]Sender, workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{Senders: senders, Prefs: prefs, Workers: workers, Logger: logger}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func validChannel(ch models.Channel) bool {
	switch ch {
	case models.ChannelPush, models.ChannelSMS, models.ChannelEmail, models.ChannelWhatsApp, models.ChannelInApp:
		return true
	}
	return false
}

func validAlertType(t models.AlertType) bool {
	switch t {
	case models.AlertBloodRequest, models.AlertEmergency, models.AlertDonorResponse, models.AlertReminder, models.AlertSystem:
		return true
	}
	return false
}

func validPriority(p models.Priority) bool {
	switch p {
	case models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityCritical:
		return true
	}
	return false
}

// normalize validates a and returns it with defaults applied and
// recipients and channels deduplicated.
func normalize(a models.Alert) (models.Alert, error) {
	fields := map[string]string{}
	if !validAlertType(a.Type) {
		fields["type"] = "unknown alert type"
	}
	if strings.TrimSpace(a.Title) == "" {
		fields["title"] = "required"
	}
	if strings.TrimSpace(a.Message) == "" {
		fields["message"] = "required"
	}
	if a.Priority == "" {
		a.Priority = models.PriorityNormal
	}
	if !validPriority(a.Priority) {
		fields["priority"] = "must be low, normal, high or critical"
	}

	seen := make(map[string]bool, len(a.Recipients))
	recipients := make([]string, 0, len(a.Recipients))
	for _, r := range a.Recipients {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		recipients = append(recipients, r)
	}
	if len(recipients) == 0 || len(recipients) > MaxRecipients {
		fields["recipients"] = fmt.Sprintf("must list between 1 and %d recipients", MaxRecipients)
	}
	a.Recipients = recipients

	chSeen := map[models.Channel]bool{}
	channels := make([]models.Channel, 0, len(a.Channels))
	for _, ch := range a.Channels {
		if !validChannel(ch) {
			fields["channels"] = "unknown channel " + string(ch)
			continue
		}
		if !chSeen[ch] {
			chSeen[ch] = true
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 && fields["channels"] == "" {
		fields["channels"] = "at least one channel is required"
	}
	a.Channels = channels

	if len(fields) > 0 {
		return a, apperr.Validation("invalid alert", fields)
	}
	return a, nil
}

// bypassesQuietHours reports whether a must be delivered even inside a
// recipient's quiet hours.
func bypassesQuietHours(a models.Alert) bool {
	return a.Priority == models.PriorityCritical || a.Type == models.AlertEmergency
}

// SendAlert delivers alert to every recipient on every requested channel.
// Each delivery is independent: failures are counted in the result, never
// returned as an error.
func (d *Dispatcher) SendAlert(ctx context.Context, actor policy.Actor, alert models.Alert) (models.DeliveryResult, error) {
	decision := policy.Evaluate(actor, policy.Resource{Kind: "alert", AlertType: alert.Type}, policy.ActionNotifySend)
	if !decision.Allowed {
		if d.Audit != nil {
			d.Audit.Denied(ctx, actor, policy.ActionNotifySend, string(alert.Type), decision.Reason)
		}
		return models.DeliveryResult{}, apperr.Authorization("not permitted")
	}
	a, err := normalize(alert)
	if err != nil {
		return models.DeliveryResult{}, err
	}

	var sent, failed, suppressed atomic.Int64
	now := d.now()
	bypass := bypassesQuietHours(a)

	var g errgroup.Group
	g.SetLimit(d.Workers)
	for _, recipient := range a.Recipients {
		recipient := recipient
		g.Go(func() error {
			prefs, err := d.Prefs.GetPreferences(ctx, recipient)
			if err != nil {
				d.log().Warn("load preferences failed", zap.String("user_id", recipient), zap.Error(err))
				failed.Add(int64(len(a.Channels)))
				return nil
			}
			quiet := !bypass && prefs.QuietHours.Contains(now)
			for _, ch := range a.Channels {
				if quiet || !prefs.Enabled(ch) {
					suppressed.Add(1)
					observability.NotificationsTotal.WithLabelValues(string(ch), "suppressed").Inc()
					continue
				}
				if err := d.deliver(ctx, a, ch, prefs); err != nil {
					failed.Add(1)
					observability.NotificationsTotal.WithLabelValues(string(ch), "failed").Inc()
					d.log().Warn("delivery failed",
						zap.String("user_id", recipient),
						zap.String("channel", string(ch)),
						zap.Error(err),
					)
					continue
				}
				sent.Add(1)
				observability.NotificationsTotal.WithLabelValues(string(ch), "sent").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	res := models.DeliveryResult{Sent: int(sent.Load()), Failed: int(failed.Load()), Suppressed: int(suppressed.Load())}
	d.log().Info("alert dispatched",
		zap.String("type", string(a.Type)),
		zap.String("priority", string(a.Priority)),
		zap.Int("recipients", len(a.Recipients)),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("suppressed", res.Suppressed),
	)
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, a models.Alert, ch models.Channel, prefs models.NotificationPreferences) error {
	sender, ok := d.Senders[ch]
	if !ok || sender == nil {
		return fmt.Errorf("no provider configured for %s", ch)
	}
	addr := addressFor(ch, prefs)
	if addr == "" {
		return ErrNoAddress
	}
	return sender.Send(ctx, Message{
		Channel:     ch,
		RecipientID: prefs.UserID,
		Address:     addr,
		Type:        a.Type,
		Priority:    a.Priority,
		Title:       a.Title,
		Body:        a.Message,
		Data:        a.Data,
	})
}

func addressFor(ch models.Channel, p models.NotificationPreferences) string {
	switch ch {
	case models.ChannelPush:
		return p.PushToken
	case models.ChannelSMS:
		return p.Phone
	case models.ChannelEmail:
		return p.Email
	case models.ChannelWhatsApp:
		if p.WhatsApp != "" {
			return p.WhatsApp
		}
		return p.Phone
	case models.ChannelInApp:
		return p.UserID
	}
	return ""
}

// UpdatePreferences replaces actor's own notification settings.
func (d *Dispatcher) UpdatePreferences(ctx context.Context, actor policy.Actor, p models.NotificationPreferences) (models.NotificationPreferences, error) {
	if p.UserID == "" {
		p.UserID = actor.ID
	}
	decision := policy.Evaluate(actor, policy.Resource{Kind: "preferences", OwnerID: p.UserID}, policy.ActionPreferencesUpdate)
	if !decision.Allowed {
		if d.Audit != nil {
			d.Audit.Denied(ctx, actor, policy.ActionPreferencesUpdate, p.UserID, decision.Reason)
		}
		return p, apperr.Authorization("not permitted")
	}
	fields := map[string]string{}
	for ch := range p.Disabled {
		if !validChannel(ch) {
			fields["disabled"] = "unknown channel " + string(ch)
		}
	}
	q := p.QuietHours
	if q.StartHour < 0 || q.StartHour > 23 || q.EndHour < 0 || q.EndHour > 23 {
		fields["quiet_hours"] = "hours must be between 0 and 23"
	}
	if q.Timezone != "" {
		if _, err := time.LoadLocation(q.Timezone); err != nil {
			fields["quiet_hours.timezone"] = "unknown timezone"
		}
	}
	if len(fields) > 0 {
		return p, apperr.Validation("invalid preferences", fields)
	}
	if err := d.Prefs.SavePreferences(ctx, p); err != nil {
		return p, fmt.Errorf("save preferences: %w", err)
	}
	return p, nil
}
