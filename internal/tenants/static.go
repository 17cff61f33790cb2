// Package tenants provides tenant configuration to the gate and the
// orchestrator: a static provider loaded from YAML and a Postgres provider
// backed by gorm.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/switchboardhq/switchboard/internal/capability"
	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

var knownVerticals = map[models.Vertical]bool{
	models.VerticalRestaurant: true,
	models.VerticalDental:     true,
	models.VerticalSalon:      true,
	models.VerticalRetail:     true,
	models.VerticalGeneral:    true,
}

// Validate checks a tenant record. When reg is non-nil, every enabled
// capability must exist in it.
func Validate(t *models.TenantConfig, reg *capability.Registry) error {
	var errs []error
	if strings.TrimSpace(t.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if t.Secret == "" {
		errs = append(errs, errors.New("secret is required"))
	}
	if t.Vertical != "" && !knownVerticals[t.Vertical] {
		errs = append(errs, fmt.Errorf("unknown vertical %q", t.Vertical))
	}
	if reg != nil {
		if unknown := reg.UnknownCapabilities(t.Capabilities); len(unknown) > 0 {
			errs = append(errs, fmt.Errorf("unknown capabilities %v", unknown))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("tenant %q: %w", t.ID, err)
	}
	if len(t.CriticalInstructions) > models.MaxCriticalInstructions {
		log.Warn().Str("tenant", t.ID).Int("count", len(t.CriticalInstructions)).
			Msg("Critical instructions beyond the cap are ignored")
	}
	return nil
}

// StaticProvider serves a fixed set of tenants.
type StaticProvider struct {
	mu      sync.RWMutex
	tenants map[string]models.TenantConfig
}

// NewStaticProvider validates and indexes tenants.
func NewStaticProvider(tenants []models.TenantConfig, reg *capability.Registry) (*StaticProvider, error) {
	p := &StaticProvider{tenants: make(map[string]models.TenantConfig, len(tenants))}
	for i := range tenants {
		if err := p.Put(tenants[i], reg); err != nil {
			return nil, err
		}
	}
	return p, nil
}

type tenantFile struct {
	Tenants []models.TenantConfig `yaml:"tenants"`
}

// LoadFile reads a YAML document with a top-level tenants list.
func LoadFile(path string, reg *capability.Registry) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	var doc tenantFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}
	return NewStaticProvider(doc.Tenants, reg)
}

// Put adds or replaces a tenant.
func (p *StaticProvider) Put(t models.TenantConfig, reg *capability.Registry) error {
	if err := Validate(&t, reg); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tenants[t.ID] = t
	return nil
}

func (p *StaticProvider) GetTenant(_ context.Context, tenantID string) (*models.TenantConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tenants[tenantID]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	return clone(t), nil
}

func (p *StaticProvider) ListTenants(_ context.Context) ([]models.TenantConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.TenantConfig, 0, len(p.tenants))
	for _, t := range p.tenants {
		out = append(out, *clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// clone copies the slices so callers cannot mutate the stored record.
func clone(t models.TenantConfig) *models.TenantConfig {
	t.Capabilities = append([]models.Capability(nil), t.Capabilities...)
	t.CriticalInstructions = append([]string(nil), t.CriticalInstructions...)
	t.AllowedSources = append([]string(nil), t.AllowedSources...)
	return &t
}
