package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/switchboardhq/switchboard/internal/capability"
	"github.com/switchboardhq/switchboard/pkg/contracts"
	pkgmw "github.com/switchboardhq/switchboard/pkg/middleware"
	"github.com/switchboardhq/switchboard/pkg/models"
)

// RegistryResponse is the registry dump.
type RegistryResponse struct {
	Version      string                  `json:"version"`
	Capabilities []capability.Info       `json:"capabilities"`
	Tools        []models.ToolDefinition `json:"tools"`
}

func (h *Handlers) GetRegistry(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, RegistryResponse{
		Version:      h.Registry.Version(),
		Capabilities: h.Registry.Capabilities(),
		Tools:        h.Registry.Tools(),
	})
}

// IntentRequest probes the classifier. With a tenant ID the routing
// decision for that tenant is included.
type IntentRequest struct {
	Text     string `json:"text"`
	TenantID string `json:"tenant_id,omitempty"`
}

// IntentResponse is the probe result.
type IntentResponse struct {
	Intent  models.Intent       `json:"intent"`
	Agent   models.AgentID      `json:"agent,omitempty"`
	Tools   []string            `json:"tools,omitempty"`
	Missing []models.Capability `json:"missing,omitempty"`
	Rule    string              `json:"rule,omitempty"`
}

func (h *Handlers) ProbeIntent(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}

	resp := IntentResponse{Intent: h.Intents.Classify(req.Text)}
	if req.TenantID != "" {
		tenant, ok := h.tenant(w, r, req.TenantID)
		if !ok {
			return
		}
		d, err := h.Router.Route(tenant, resp.Intent)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Agent = d.Agent
		resp.Tools = d.ToolNames()
		resp.Missing = d.Missing
		resp.Rule = d.Rule
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) GetBreaker(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r, chi.URLParam(r, "tenantID"))
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.Breaker.State(r.Context(), tenant.ID))
}

func (h *Handlers) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r, chi.URLParam(r, "tenantID"))
	if !ok {
		return
	}
	if err := h.Breaker.Reset(r.Context(), tenant.ID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pkgmw.Logger(r.Context()).Info().
		Str("tenant", tenant.ID).
		Str("admin", pkgmw.GetAdminSubject(r.Context())).
		Msg("🔌 Breaker reset")
	respondJSON(w, http.StatusOK, h.Breaker.State(r.Context(), tenant.ID))
}

func (h *Handlers) InvalidatePrompts(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r, chi.URLParam(r, "tenantID"))
	if !ok {
		return
	}
	n := h.Prompts.Invalidate(tenant.ID)
	pkgmw.Logger(r.Context()).Info().
		Str("tenant", tenant.ID).
		Int("entries", n).
		Str("admin", pkgmw.GetAdminSubject(r.Context())).
		Msg("Prompt cache invalidated")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":   tenant.ID,
		"invalidated": n,
	})
}

// tenant resolves a tenant or writes the error response.
func (h *Handlers) tenant(w http.ResponseWriter, r *http.Request, id string) (*models.TenantConfig, bool) {
	t, err := h.Tenants.GetTenant(r.Context(), id)
	switch {
	case errors.Is(err, contracts.ErrNotFound):
		respondError(w, http.StatusNotFound, "tenant not found")
		return nil, false
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return t, true
}
