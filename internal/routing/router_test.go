package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboardhq/switchboard/internal/capability"
	"github.com/switchboardhq/switchboard/pkg/models"
)

func newTestRouter(t *testing.T) (*Router, *capability.Registry) {
	t.Helper()
	reg := capability.MustDefault()
	r, err := New(reg, nil)
	require.NoError(t, err)
	return r, reg
}

func restaurant(caps ...models.Capability) *models.TenantConfig {
	return &models.TenantConfig{ID: "t1", Vertical: models.VerticalRestaurant, Capabilities: caps}
}

func TestRouteReservation(t *testing.T) {
	r, _ := newTestRouter(t)
	d, err := r.Route(restaurant("reservation-management", "business-info"), models.IntentReservation)
	require.NoError(t, err)

	assert.Equal(t, models.AgentID("reservations"), d.Agent)
	assert.False(t, d.Fallback)
	assert.Equal(t, []string{"cancel_reservation", "check_availability", "create_reservation", "get_business_hours"}, d.ToolNames())
	assert.Equal(t, "reservation", d.Rule)
}

func TestRouteVerticalAware(t *testing.T) {
	r, _ := newTestRouter(t)
	tenant := &models.TenantConfig{ID: "d1", Vertical: models.VerticalDental, Capabilities: []models.Capability{"appointment-management"}}
	d, err := r.Route(tenant, models.IntentReservation)
	require.NoError(t, err)
	assert.Equal(t, models.AgentID("appointments"), d.Agent)
}

func TestRouteFallsBackWhenNoUsableTools(t *testing.T) {
	r, _ := newTestRouter(t)
	tenant := &models.TenantConfig{ID: "d1", Vertical: models.VerticalDental, Capabilities: []models.Capability{"business-info", "appointment-management"}}

	d, err := r.Route(tenant, models.IntentInsurance)
	require.NoError(t, err)
	assert.True(t, d.Fallback)
	assert.Equal(t, models.AgentGeneral, d.Agent)
	assert.Equal(t, models.AgentID("insurance"), d.Requested)
	assert.Equal(t, []models.Capability{"insurance_info"}, d.Missing)
	assert.False(t, d.Allows("get_insurance_info"))
	assert.Equal(t, []string{"get_business_hours", "get_location"}, d.ToolNames())
}

// A specialist whose incidental tools survive the gate but whose core
// tools do not must still fall back, naming the capability that is missing.
func TestRouteFallsBackWithoutPrimaryTools(t *testing.T) {
	r, _ := newTestRouter(t)
	dental := func(caps ...models.Capability) *models.TenantConfig {
		return &models.TenantConfig{ID: "d1", Vertical: models.VerticalDental, Capabilities: caps}
	}
	tests := []struct {
		name      string
		tenant    *models.TenantConfig
		intent    models.Intent
		requested models.AgentID
		missing   []models.Capability
		tools     []string
	}{
		{"reservation with business info only", restaurant("business-info"), models.IntentReservation,
			"reservations", []models.Capability{"reservation-management"}, []string{"get_business_hours", "get_location"}},
		{"appointment with business info only", dental("business-info"), models.IntentAppointment,
			"appointments", []models.Capability{"appointment-management"}, []string{"get_business_hours", "get_location"}},
		{"order with menu only", restaurant("menu-info"), models.IntentOrder,
			"orders", []models.Capability{"order-management"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.Route(tt.tenant, tt.intent)
			require.NoError(t, err)
			assert.True(t, d.Fallback)
			assert.Equal(t, models.AgentGeneral, d.Agent)
			assert.Equal(t, tt.requested, d.Requested)
			assert.Equal(t, tt.missing, d.Missing)
			assert.Equal(t, tt.tools, d.ToolNames())
		})
	}
}

func TestRouteKeepsSpecialistWithPrimaryTool(t *testing.T) {
	r, _ := newTestRouter(t)
	d, err := r.Route(restaurant("order-management"), models.IntentOrder)
	require.NoError(t, err)
	assert.False(t, d.Fallback)
	assert.Equal(t, models.AgentID("orders"), d.Agent)
	assert.Equal(t, []string{"create_order", "get_order_status"}, d.ToolNames())
	assert.Empty(t, d.Missing)
}

func TestRouteUnmatchedIsGeneral(t *testing.T) {
	r, _ := newTestRouter(t)
	d, err := r.Route(restaurant(), models.IntentGreeting)
	require.NoError(t, err)
	assert.Equal(t, models.AgentGeneral, d.Agent)
	assert.False(t, d.Fallback)
	assert.Empty(t, d.Tools)
}

func TestRouteIsDeterministic(t *testing.T) {
	r, _ := newTestRouter(t)
	tenant := restaurant("menu-info", "business-info", "order-management")
	first, err := r.Route(tenant, models.IntentOrder)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		d, err := r.Route(tenant, models.IntentOrder)
		require.NoError(t, err)
		assert.Equal(t, first, d)
	}
}

// Every allowed tool's required capabilities must be a subset of the
// enabled set, for every subset of capabilities and every intent.
func TestGatingSoundness(t *testing.T) {
	r, reg := newTestRouter(t)
	infos := reg.Capabilities()
	intents := []models.Intent{
		models.IntentGeneral, models.IntentReservation, models.IntentAppointment,
		models.IntentOrder, models.IntentMenu, models.IntentInsurance, models.IntentBusinessInfo,
	}

	for mask := 0; mask < 1<<len(infos); mask++ {
		var caps []models.Capability
		for i, info := range infos {
			if mask&(1<<i) != 0 {
				caps = append(caps, info.Name)
			}
		}
		tenant := restaurant(caps...)
		enabled := tenant.CapabilitySet()
		for _, in := range intents {
			d, err := r.Route(tenant, in)
			require.NoError(t, err)
			for _, tool := range d.Tools {
				for _, c := range tool.RequiredCapabilities {
					if !enabled[c] {
						t.Fatalf("mask=%b intent=%s: tool %s allowed without %s", mask, in, tool.Name, c)
					}
				}
			}
		}
	}
}

func TestRouteTo(t *testing.T) {
	r, _ := newTestRouter(t)
	d, err := r.RouteTo(restaurant("reservation-management"), "reservations")
	require.NoError(t, err)
	assert.Equal(t, models.AgentID("reservations"), d.Agent)

	_, err = r.RouteTo(restaurant(), "nobody")
	assert.Error(t, err)
}

func TestNewRejectsBadTable(t *testing.T) {
	reg := capability.MustDefault()

	_, err := New(reg, &Table{Agents: []Agent{{ID: "x", Tools: []string{"get_menu"}}}})
	assert.ErrorContains(t, err, "general")

	_, err = New(reg, &Table{Agents: []Agent{{ID: models.AgentGeneral, Tools: []string{"ghost"}}}})
	assert.ErrorContains(t, err, "unknown tool")

	_, err = New(reg, &Table{
		Agents: []Agent{{ID: models.AgentGeneral}},
		Routes: []RouteRule{{Name: "bad", When: `intent ==`, Agent: models.AgentGeneral}},
	})
	assert.ErrorContains(t, err, "compile route")

	_, err = New(reg, &Table{Agents: []Agent{
		{ID: models.AgentGeneral},
		{ID: "menu", Tools: []string{"get_menu"}, Primary: []string{"create_order"}},
	}})
	assert.ErrorContains(t, err, "not in its tool list")
}
