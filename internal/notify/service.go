// Package notify hands replies and human-handoff requests to the outside
// world over signed webhooks.
//
// Service implements both contracts.DeliverySink and
// contracts.HandoffService. An unconfigured endpoint degrades to logging,
// so a deployment without a transport still records every handoff.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/switchboardhq/switchboard/pkg/models"
)

// ── Event types ─────────────────────────────────────────────

// EventType is sent in the X-Switchboard-Event header.
type EventType string

const (
	EventReply   EventType = "reply"
	EventHandoff EventType = "handoff"
)

// Endpoint is a webhook target.
type Endpoint struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
	// Auth is {"type": "bearer", "token": ...}, {"type": "api_key",
	// "header": ..., "key": ...} or {"type": "basic", "username": ...,
	// "password": ...}.
	Auth map[string]string `yaml:"auth"`
}

// ── Service ──────────────────────────────────────────────────

// Service posts events to the configured webhooks.
type Service struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
	replies  Endpoint
	handoffs Endpoint
}

// Option configures a Service.
type Option func(*Service)

func WithClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithRetry sets the attempt count and the base backoff; attempt n waits
// n*2*backoff.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.attempts = attempts
		}
		s.backoff = backoff
	}
}

func WithReplyWebhook(e Endpoint) Option {
	return func(s *Service) { s.replies = e }
}

func WithHandoffWebhook(e Endpoint) Option {
	return func(s *Service) { s.handoffs = e }
}

// NewService creates a notification service.
func NewService(opts ...Option) *Service {
	s := &Service{
		client:   &http.Client{Timeout: 15 * time.Second},
		attempts: 3,
		backoff:  time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Deliver posts a formatted reply to the channel transport.
func (s *Service) Deliver(ctx context.Context, reply *models.Reply) error {
	if s.replies.URL == "" {
		log.Debug().Str("tenant", reply.TenantID).Str("conversation", reply.ConversationKey).
			Str("outcome", string(reply.Outcome)).Msg("No reply webhook configured, reply returned inline only")
		return nil
	}
	return s.post(ctx, s.replies, EventReply, reply.TenantID, reply)
}

// RequestHandoff asks the team to take over a conversation.
func (s *Service) RequestHandoff(ctx context.Context, h *models.Handoff) error {
	if s.handoffs.URL == "" {
		log.Warn().Str("tenant", h.TenantID).Str("conversation", h.ConversationKey).
			Str("reason", h.Reason).Int("transcript", len(h.Transcript)).
			Msg("🙋 Human handoff requested (no handoff webhook configured)")
		return nil
	}
	if err := s.post(ctx, s.handoffs, EventHandoff, h.TenantID, h); err != nil {
		return err
	}
	log.Info().Str("tenant", h.TenantID).Str("conversation", h.ConversationKey).
		Str("reason", h.Reason).Msg("🙋 Human handoff dispatched")
	return nil
}

// ── HTTP Helpers ─────────────────────────────────────────────

func (s *Service) post(ctx context.Context, ep Endpoint, ev EventType, tenantID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ev, err)
	}

	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt*2) * s.backoff):
			case <-ctx.Done():
				return fmt.Errorf("%s webhook: %w (last error: %v)", ev, ctx.Err(), lastErr)
			}
		}

		// The body reader is consumed per attempt.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build %s request: %w", ev, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Switchboard-Webhook/1.0")
		req.Header.Set("X-Switchboard-Event", string(ev))
		req.Header.Set("X-Switchboard-Tenant", tenantID)
		if ep.Secret != "" {
			req.Header.Set("X-Switchboard-Signature", "sha256="+sign(ep.Secret, body))
		}
		applyAuth(req, ep.Auth)

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("HTTP %d from %s", resp.StatusCode, ep.URL)
		// 4xx other than 429 will not improve with retries
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			break
		}
	}
	return fmt.Errorf("%s webhook failed: %w", ev, lastErr)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// applyAuth adds authentication headers from the endpoint auth config.
func applyAuth(req *http.Request, auth map[string]string) {
	switch auth["type"] {
	case "bearer":
		if auth["token"] != "" {
			req.Header.Set("Authorization", "Bearer "+auth["token"])
		}
	case "api_key":
		if auth["header"] != "" && auth["key"] != "" {
			req.Header.Set(auth["header"], auth["key"])
		}
	case "basic":
		req.SetBasicAuth(auth["username"], auth["password"])
	}
}
