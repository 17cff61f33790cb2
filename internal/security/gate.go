// Package security validates inbound events before anything else touches
// them.
//
// Checks run in a fixed order: source allow-list, HMAC signature, replay
// window, then the per-tenant rate budget. The rate budget is consulted
// last so a request that fails an earlier check never consumes it.
package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/switchboardhq/switchboard/internal/metrics"
	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

// ErrRejected is the only error callers outside this package should act on.
var ErrRejected = errors.New("request rejected")

// Reason codes, logged and counted but never returned to the sender.
const (
	ReasonMalformed     = "malformed"
	ReasonUnknownTenant = "unknown_tenant"
	ReasonSource        = "source_not_allowed"
	ReasonSignature     = "bad_signature"
	ReasonReplay        = "stale_timestamp"
	ReasonRateLimited   = "rate_limited"
	ReasonUnavailable   = "tenant_lookup_failed"
)

const (
	DefaultReplayWindow  = 5 * time.Minute
	DefaultRatePerMinute = 60
	DefaultBurst         = 10
)

// Rejection carries the reason for a refused request.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "rejected: " + r.Reason
	}
	return "rejected: " + r.Reason + ": " + r.Detail
}

func (r *Rejection) Unwrap() error { return ErrRejected }

// Request is what the gate needs from an HTTP delivery.
type Request struct {
	Body       []byte
	Signature  string // hex HMAC-SHA256 of Body
	Timestamp  string // unix seconds
	SourceID   string
	RemoteAddr string
}

// Gate validates requests against tenant settings.
type Gate struct {
	tenants contracts.TenantConfigProvider
	window  time.Duration
	now     func() time.Time

	mu       sync.Mutex
	limiters map[string]*tenantLimiter
}

type tenantLimiter struct {
	perMinute int
	burst     int
	limiter   *rate.Limiter
}

// Option configures a Gate.
type Option func(*Gate)

func WithReplayWindow(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate reading tenant settings from tenants.
func NewGate(tenants contracts.TenantConfigProvider, opts ...Option) *Gate {
	g := &Gate{
		tenants:  tenants,
		window:   DefaultReplayWindow,
		now:      time.Now,
		limiters: make(map[string]*tenantLimiter),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Admit returns the parsed event and its tenant, or a *Rejection.
func (g *Gate) Admit(ctx context.Context, req Request) (*models.InboundEvent, *models.TenantConfig, error) {
	ev, tenant, err := g.admit(ctx, req)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			metrics.RecordGateRejection(rej.Reason)
			log.Warn().Str("reason", rej.Reason).Str("detail", rej.Detail).
				Str("source", req.SourceID).Str("remote", req.RemoteAddr).Msg("Inbound event rejected")
		}
		return nil, nil, err
	}
	return ev, tenant, nil
}

func (g *Gate) admit(ctx context.Context, req Request) (*models.InboundEvent, *models.TenantConfig, error) {
	var ev models.InboundEvent
	if err := json.Unmarshal(req.Body, &ev); err != nil {
		return nil, nil, &Rejection{Reason: ReasonMalformed, Detail: err.Error()}
	}
	if ev.TenantID == "" {
		return nil, nil, &Rejection{Reason: ReasonMalformed, Detail: "tenant_id is required"}
	}

	tenant, err := g.tenants.GetTenant(ctx, ev.TenantID)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, nil, &Rejection{Reason: ReasonUnknownTenant, Detail: ev.TenantID}
	}
	if err != nil {
		return nil, nil, &Rejection{Reason: ReasonUnavailable, Detail: err.Error()}
	}

	if !sourceAllowed(tenant.AllowedSources, req.SourceID, req.RemoteAddr) {
		return nil, nil, &Rejection{Reason: ReasonSource, Detail: req.SourceID}
	}
	if !VerifySignature(tenant.Secret, req.Body, req.Signature) {
		return nil, nil, &Rejection{Reason: ReasonSignature}
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(req.Timestamp), 10, 64)
	if err != nil {
		return nil, nil, &Rejection{Reason: ReasonReplay, Detail: "missing or invalid timestamp"}
	}
	if skew := g.now().Sub(time.Unix(ts, 0)); skew > g.window || skew < -g.window {
		return nil, nil, &Rejection{Reason: ReasonReplay, Detail: skew.String()}
	}

	if err := ev.Validate(); err != nil {
		return nil, nil, &Rejection{Reason: ReasonMalformed, Detail: err.Error()}
	}

	if !g.limiter(tenant).Allow() {
		return nil, nil, &Rejection{Reason: ReasonRateLimited, Detail: tenant.ID}
	}

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = g.now()
	}
	return &ev, tenant, nil
}

// limiter returns the tenant's token bucket, rebuilding it when the
// tenant's budget changed.
func (g *Gate) limiter(t *models.TenantConfig) *rate.Limiter {
	perMinute, burst := t.RatePerMinute, t.Burst
	if perMinute <= 0 {
		perMinute = DefaultRatePerMinute
	}
	if burst <= 0 {
		burst = DefaultBurst
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	tl, ok := g.limiters[t.ID]
	if !ok || tl.perMinute != perMinute || tl.burst != burst {
		tl = &tenantLimiter{
			perMinute: perMinute,
			burst:     burst,
			limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		}
		g.limiters[t.ID] = tl
	}
	return tl.limiter
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time. An empty secret never
// verifies.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// sourceAllowed matches the source ID or the remote IP against entries that
// are plain IDs, IPs or CIDR ranges. An empty list allows everything.
func sourceAllowed(allowed []string, sourceID, remoteAddr string) bool {
	if len(allowed) == 0 {
		return true
	}
	ip := parseIP(remoteAddr)
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if sourceID != "" && entry == sourceID {
			return true
		}
		if ip == nil {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if allowedIP := net.ParseIP(entry); allowedIP != nil && allowedIP.Equal(ip) {
			return true
		}
	}
	return false
}

func parseIP(remoteAddr string) net.IP {
	if remoteAddr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}
