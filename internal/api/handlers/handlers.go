// Package handlers implements the Switchboard HTTP endpoints: the inbound
// event webhook, health and version probes, and the admin API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/switchboardhq/switchboard/internal/breaker"
	"github.com/switchboardhq/switchboard/internal/capability"
	"github.com/switchboardhq/switchboard/internal/intent"
	"github.com/switchboardhq/switchboard/internal/prompt"
	"github.com/switchboardhq/switchboard/internal/routing"
	"github.com/switchboardhq/switchboard/internal/security"
	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

// TurnHandler admits and processes one raw delivery.
type TurnHandler interface {
	Handle(ctx context.Context, req security.Request) (*models.Reply, error)
}

// Handlers holds the collaborators behind the HTTP surface.
type Handlers struct {
	Turns    TurnHandler
	Tenants  contracts.TenantConfigProvider
	Registry *capability.Registry
	Router   *routing.Router
	Intents  *intent.Supervisor
	Breaker  *breaker.Breaker
	Prompts  *prompt.Cache
	Version  string
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "switchboard",
	})
}

func (h *Handlers) VersionInfo(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"version": h.Version,
		"service": "switchboard",
	}
	if h.Registry != nil {
		body["registry_version"] = h.Registry.Version()
	}
	respondJSON(w, http.StatusOK, body)
}
