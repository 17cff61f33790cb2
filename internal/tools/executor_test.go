package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboardhq/switchboard/internal/capability"
	"github.com/switchboardhq/switchboard/pkg/models"
)

type allowSet map[string]bool

func (a allowSet) Allows(name string) bool { return a[name] }

var tenant = &models.TenantConfig{ID: "t1", Vertical: models.VerticalRestaurant}

func okHandler(payload map[string]any) Handler {
	return HandlerFunc(func(context.Context, *models.TenantConfig, string, map[string]any) (*models.ToolResult, error) {
		return &models.ToolResult{Success: true, Payload: payload}, nil
	})
}

func newTestExecutor(t *testing.T, overrides map[string]Handler) *Executor {
	t.Helper()
	reg := capability.MustDefault()
	ex, err := NewExecutor(reg, BindAll(reg, okHandler(map[string]any{"ok": true}), overrides))
	require.NoError(t, err)
	return ex
}

func TestNewExecutorRequiresEveryHandler(t *testing.T) {
	reg := capability.MustDefault()
	_, err := NewExecutor(reg, map[string]Handler{"get_menu": okHandler(nil)})
	assert.ErrorContains(t, err, "tools without handler")

	handlers := BindAll(reg, okHandler(nil), map[string]Handler{"ghost": okHandler(nil)})
	_, err = NewExecutor(reg, handlers)
	assert.ErrorContains(t, err, "unknown tools")
}

func TestExecuteRejectsToolOutsideAllowedSet(t *testing.T) {
	var called atomic.Bool
	ex := newTestExecutor(t, map[string]Handler{
		"get_insurance_info": HandlerFunc(func(context.Context, *models.TenantConfig, string, map[string]any) (*models.ToolResult, error) {
			called.Store(true)
			return &models.ToolResult{Success: true}, nil
		}),
	})

	res, err := ex.Execute(context.Background(), tenant, allowSet{"get_menu": true}, models.ToolCall{
		Name: "get_insurance_info", Arguments: map[string]any{"provider": "Delta"},
	})
	require.ErrorIs(t, err, ErrNotAllowed)
	assert.False(t, res.Success)
	assert.False(t, called.Load(), "handler must not run for a disallowed tool")
}

func TestExecuteValidatesArguments(t *testing.T) {
	ex := newTestExecutor(t, nil)
	allowed := allowSet{"check_availability": true}

	_, err := ex.Execute(context.Background(), tenant, allowed, models.ToolCall{
		Name:      "check_availability",
		Arguments: map[string]any{"date": "tomorrow", "time": "19:00", "party_size": 0.0, "extra": 1},
	})
	require.ErrorIs(t, err, ErrInvalidArguments)

	var aerr *ArgumentError
	require.ErrorAs(t, err, &aerr)
	assert.ElementsMatch(t, []string{
		`parameter "date" must be a date (YYYY-MM-DD)`,
		`unexpected parameter "extra"`,
		`parameter "party_size" must be >= 1`,
	}, aerr.Problems)
}

func TestExecuteSuccess(t *testing.T) {
	ex := newTestExecutor(t, nil)
	res, err := ex.Execute(context.Background(), tenant, allowSet{"check_availability": true}, models.ToolCall{
		ID:        "c1",
		Name:      "check_availability",
		Arguments: map[string]any{"date": "2025-06-01", "time": "19:00", "party_size": 4.0},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "c1", res.CallID)
	assert.Equal(t, true, res.Payload["ok"])
}

func TestExecuteTimeout(t *testing.T) {
	ex := newTestExecutor(t, map[string]Handler{
		"get_location": HandlerFunc(func(ctx context.Context, _ *models.TenantConfig, _ string, _ map[string]any) (*models.ToolResult, error) {
			select {
			case <-time.After(5 * time.Second):
				return &models.ToolResult{Success: true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	})
	// get_location has a 2s timeout; a shorter parent deadline still
	// reports as a timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := ex.Execute(ctx, tenant, allowSet{"get_location": true}, models.ToolCall{Name: "get_location", Arguments: map[string]any{}})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteRecoversPanic(t *testing.T) {
	ex := newTestExecutor(t, map[string]Handler{
		"get_location": HandlerFunc(func(context.Context, *models.TenantConfig, string, map[string]any) (*models.ToolResult, error) {
			panic("boom")
		}),
	})
	_, err := ex.Execute(context.Background(), tenant, allowSet{"get_location": true}, models.ToolCall{Name: "get_location"})
	assert.ErrorContains(t, err, "panicked")
}

func TestExecuteReportedFailure(t *testing.T) {
	ex := newTestExecutor(t, map[string]Handler{
		"get_location": HandlerFunc(func(context.Context, *models.TenantConfig, string, map[string]any) (*models.ToolResult, error) {
			return &models.ToolResult{Success: false, Error: "backend down"}, nil
		}),
	})
	res, err := ex.Execute(context.Background(), tenant, allowSet{"get_location": true}, models.ToolCall{Name: "get_location"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, "backend down", res.Error)
}

func TestHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tools/create_reservation", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Switchboard-Signature"))

		var req toolRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "t1", req.TenantID)
		assert.Equal(t, "Ana", req.Arguments["name"])

		_ = json.NewEncoder(w).Encode(toolResponse{
			Success:      true,
			Payload:      map[string]any{"confirmation_number": "R-1042"},
			Confirmation: "Reservation R-1042 confirmed",
		})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL+"/", WithSigningSecret("s3cret"))
	res, err := b.Invoke(context.Background(), tenant, "create_reservation", map[string]any{"name": "Ana"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Reservation R-1042 confirmed", res.Confirmation)
}

func TestHTTPBackendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPBackend(srv.URL).Invoke(context.Background(), tenant, "get_menu", nil)
	assert.ErrorContains(t, err, "502")
}
