package tenants

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/switchboardhq/switchboard/internal/capability"
	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

// DefaultCacheTTL bounds how stale a tenant record read by the gate may be.
const DefaultCacheTTL = 30 * time.Second

// tenantRow is the tenants table. List fields are stored as JSON.
type tenantRow struct {
	ID                   string              `gorm:"primaryKey;size:128"`
	Name                 string              `gorm:"size:256"`
	Vertical             string              `gorm:"size:64"`
	Capabilities         []models.Capability `gorm:"serializer:json"`
	Personality          models.Personality  `gorm:"serializer:json"`
	CriticalInstructions []string            `gorm:"serializer:json"`
	Timezone             string              `gorm:"size:64"`
	KnowledgeVersion     string              `gorm:"size:64"`
	Secret               string              `gorm:"size:256;not null"`
	AllowedSources       []string            `gorm:"serializer:json"`
	RatePerMinute        int
	Burst                int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (tenantRow) TableName() string { return "switchboard_tenants" }

func rowFromTenant(t *models.TenantConfig) tenantRow {
	return tenantRow{
		ID:                   t.ID,
		Name:                 t.Name,
		Vertical:             string(t.Vertical),
		Capabilities:         t.Capabilities,
		Personality:          t.Personality,
		CriticalInstructions: t.CriticalInstructions,
		Timezone:             t.Timezone,
		KnowledgeVersion:     t.KnowledgeVersion,
		Secret:               t.Secret,
		AllowedSources:       t.AllowedSources,
		RatePerMinute:        t.RatePerMinute,
		Burst:                t.Burst,
	}
}

func (r *tenantRow) tenant() *models.TenantConfig {
	return &models.TenantConfig{
		ID:                   r.ID,
		Name:                 r.Name,
		Vertical:             models.Vertical(r.Vertical),
		Capabilities:         r.Capabilities,
		Personality:          r.Personality,
		CriticalInstructions: r.CriticalInstructions,
		Timezone:             r.Timezone,
		KnowledgeVersion:     r.KnowledgeVersion,
		Secret:               r.Secret,
		AllowedSources:       r.AllowedSources,
		RatePerMinute:        r.RatePerMinute,
		Burst:                r.Burst,
	}
}

type cached struct {
	tenant  *models.TenantConfig
	expires time.Time
}

// GormProvider reads tenants from Postgres with a short read-through cache.
type GormProvider struct {
	db       *gorm.DB
	registry *capability.Registry
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

// OpenPostgres connects with gorm's postgres driver and migrates the
// tenants table.
func OpenPostgres(dsn string, reg *capability.Registry) (*GormProvider, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect tenants database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("tenants database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return NewGormProvider(db, reg)
}

// NewGormProvider wraps an open gorm handle.
func NewGormProvider(db *gorm.DB, reg *capability.Registry) (*GormProvider, error) {
	if err := db.AutoMigrate(&tenantRow{}); err != nil {
		return nil, fmt.Errorf("migrate tenants table: %w", err)
	}
	return &GormProvider{
		db:       db,
		registry: reg,
		ttl:      DefaultCacheTTL,
		now:      time.Now,
		cache:    make(map[string]cached),
	}, nil
}

func (p *GormProvider) GetTenant(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	p.mu.Lock()
	if c, ok := p.cache[tenantID]; ok && p.now().Before(c.expires) {
		p.mu.Unlock()
		return clone(*c.tenant), nil
	}
	p.mu.Unlock()

	var row tenantRow
	err := p.db.WithContext(ctx).Where("id = ?", tenantID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, contracts.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}

	t := row.tenant()
	p.mu.Lock()
	p.cache[tenantID] = cached{tenant: t, expires: p.now().Add(p.ttl)}
	p.mu.Unlock()
	return clone(*t), nil
}

func (p *GormProvider) ListTenants(ctx context.Context) ([]models.TenantConfig, error) {
	var rows []tenantRow
	if err := p.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	out := make([]models.TenantConfig, len(rows))
	for i := range rows {
		out[i] = *rows[i].tenant()
	}
	return out, nil
}

// Upsert validates and stores a tenant, replacing an existing record.
func (p *GormProvider) Upsert(ctx context.Context, t models.TenantConfig) error {
	if err := Validate(&t, p.registry); err != nil {
		return err
	}
	row := rowFromTenant(&t)
	if err := p.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save tenant %s: %w", t.ID, err)
	}
	p.mu.Lock()
	delete(p.cache, t.ID)
	p.mu.Unlock()
	log.Info().Str("tenant", t.ID).Msg("Tenant saved")
	return nil
}

func (p *GormProvider) HealthCheck(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (p *GormProvider) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
