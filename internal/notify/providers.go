package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/example/bloodlink/internal/models"
)

// ProviderSender posts a message to an HTTP notification provider. The
// payload shape is channel specific; transport, auth and retries are
// shared.
type ProviderSender struct {
	http    *resty.Client
	path    string
	payload func(Message) any
	logger  *zap.Logger
}

func newProviderClient(baseURL, apiKey string) *resty.Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	c.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= 500 || r.StatusCode() == 429
	})
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return c
}

// NewPushSender targets an FCM style HTTP v1 endpoint.
func NewPushSender(baseURL, apiKey string, logger *zap.Logger) *ProviderSender {
	return &ProviderSender{
		http:   newProviderClient(baseURL, apiKey),
		path:   "/v1/messages:send",
		logger: logger,
		payload: func(m Message) any {
			android := "normal"
			if m.Priority == models.PriorityCritical || m.Priority == models.PriorityHigh {
				android = "high"
			}
			return map[string]any{"message": map[string]any{
				"token":        m.Address,
				"notification": map[string]string{"title": m.Title, "body": m.Body},
				"data":         m.Data,
				"android":      map[string]string{"priority": android},
			}}
		},
	}
}

func NewSMSSender(baseURL, apiKey string, logger *zap.Logger) *ProviderSender {
	return &ProviderSender{
		http:   newProviderClient(baseURL, apiKey),
		path:   "/messages",
		logger: logger,
		payload: func(m Message) any {
			return map[string]string{"to": m.Address, "body": m.Title + ": " + m.Body}
		},
	}
}

func NewEmailSender(baseURL, apiKey string, logger *zap.Logger) *ProviderSender {
	return &ProviderSender{
		http:   newProviderClient(baseURL, apiKey),
		path:   "/mail/send",
		logger: logger,
		payload: func(m Message) any {
			return map[string]string{"to": m.Address, "subject": m.Title, "text": m.Body}
		},
	}
}

// NewWhatsAppSender targets a Cloud API style messages endpoint.
func NewWhatsAppSender(baseURL, apiKey string, logger *zap.Logger) *ProviderSender {
	return &ProviderSender{
		http:   newProviderClient(baseURL, apiKey),
		path:   "/messages",
		logger: logger,
		payload: func(m Message) any {
			return map[string]any{
				"messaging_product": "whatsapp",
				"to":                m.Address,
				"type":              "text",
				"text":              map[string]string{"body": "*" + m.Title + "*\n" + m.Body},
			}
		},
	}
}

type providerError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (p *ProviderSender) Send(ctx context.Context, msg Message) error {
	var perr providerError
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(p.payload(msg)).
		SetError(&perr).
		Post(p.path)
	if err != nil {
		return fmt.Errorf("%s provider: %w", msg.Channel, err)
	}
	if resp.IsError() {
		reason := perr.Message
		if reason == "" {
			reason = perr.Error
		}
		if p.logger != nil {
			p.logger.Debug("provider rejected message",
				zap.String("channel", string(msg.Channel)),
				zap.Int("status_code", resp.StatusCode()),
				zap.String("reason", reason),
			)
		}
		return fmt.Errorf("%s provider status %d: %s", msg.Channel, resp.StatusCode(), reason)
	}
	return nil
}
