package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboardhq/switchboard/internal/config"
	"github.com/switchboardhq/switchboard/internal/security"
	"github.com/switchboardhq/switchboard/internal/tools"
	"github.com/switchboardhq/switchboard/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Conversations.Backend = "sqlite"
	cfg.Conversations.SQLitePath = filepath.Join(dir, "conversations.db")
	cfg.Breaker.Store = "badger"
	cfg.Breaker.BadgerPath = filepath.Join(dir, "breaker")
	cfg.Retention.Enabled = true
	cfg.Retention.ArchiveDir = filepath.Join(dir, "archive")
	cfg.Auth.AdminAPIKeys = []string{"admin"}
	cfg.Tenants.Fixtures = []models.TenantConfig{{
		ID:           "bistro",
		Name:         "Bistro Verde",
		Secret:       "bistro-secret",
		Vertical:     models.VerticalRestaurant,
		Capabilities: []models.Capability{"reservation-management", "business-info"},
	}}
	return cfg
}

func signed(t *testing.T, secret string, ev models.InboundEvent) *http.Request {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(string(body)))
	req.Header.Set("X-Signature", security.Sign(secret, body))
	req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	return req
}

func TestServerEndToEnd(t *testing.T) {
	ctx := context.Background()
	srv, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	defer func() { assert.NoError(t, srv.Close(ctx)) }()

	require.NoError(t, srv.CheckHealth(ctx))

	ev := models.InboundEvent{
		Channel:        models.ChannelWeb,
		TenantID:       "bistro",
		ContactID:      "visitor-1",
		Content:        "What time do you open?",
		IdempotencyKey: "msg-1",
	}
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, signed(t, "bistro-secret", ev))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var reply models.Reply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Equal(t, "bistro", reply.TenantID)
	assert.Contains(t, reply.Text, "You said")

	w = httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, signed(t, "wrong-secret", ev))
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/tenants/bistro/breaker", nil)
	req.Header.Set("X-API-Key", "admin")
	w = httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewFailsOnBadRegistryFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routing.RegistryFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capability registry")
}

func TestLoadRoutingFromFiles(t *testing.T) {
	dir := t.TempDir()
	rules := filepath.Join(dir, "intents.yaml")
	require.NoError(t, os.WriteFile(rules, []byte(`
rules:
  - intent: order
    pattern: '(?i)\bpizza\b'
`), 0o600))

	rt, err := LoadRouting(config.RoutingConfig{IntentRulesFile: rules})
	require.NoError(t, err)
	assert.Equal(t, models.IntentOrder, rt.Intents.Classify("one pizza please"))
	assert.Equal(t, models.IntentGeneral, rt.Intents.Classify("book a table"))
}

func TestToolsWithoutBackendFailSoftly(t *testing.T) {
	rt, err := LoadRouting(config.RoutingConfig{})
	require.NoError(t, err)
	h := toolHandlers(rt.Registry, config.ToolsConfig{Backends: map[string]string{"create_reservation": "http://pos.invalid"}})

	res, err := h["get_menu"].Invoke(context.Background(), &models.TenantConfig{ID: "bistro"}, "get_menu", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.IsType(t, &tools.HTTPBackend{}, h["create_reservation"])
}
