// Package retention moves idle conversations out of the hot path.
//
// The janitor runs as a background goroutine. Each cycle lists
// conversations idle for longer than the configured period, hands them to
// the archive backend grouped by tenant, and flags them archived in the
// conversation store. Nothing is ever deleted, and a conversation whose
// archive write failed is not flagged, so the next cycle retries it.
package retention

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/switchboardhq/switchboard/internal/metrics"
	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

const (
	DefaultIdleAfter = 30 * 24 * time.Hour
	DefaultInterval  = time.Hour
	DefaultBatchSize = 500

	// maxBatchesPerCycle bounds one cycle so a large backlog drains over
	// several ticks.
	maxBatchesPerCycle = 20
)

// ArchiveRecord describes one archive write.
type ArchiveRecord struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Backend     string    `json:"backend"`
	URI         string    `json:"uri"`
	Count       int       `json:"count"`
	OldestIdle  time.Time `json:"oldest_idle"`
	NewestIdle  time.Time `json:"newest_idle"`
	CompletedAt time.Time `json:"completed_at"`
}

// CycleStats reports what one cycle did.
type CycleStats struct {
	Archived int
	Records  []ArchiveRecord
	Errors   []error
}

// Janitor archives idle conversations on an interval.
type Janitor struct {
	store     contracts.ConversationStore
	interval  time.Duration
	idleAfter time.Duration
	batch     int
	now       func() time.Time

	mu             sync.RWMutex
	drivers        map[string]contracts.ArchiveDriver
	defaultBackend string
}

// Option configures a Janitor.
type Option func(*Janitor)

func WithInterval(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.interval = d
		}
	}
}

// WithIdleAfter sets how long a conversation must be untouched before it
// is archived.
func WithIdleAfter(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.idleAfter = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(j *Janitor) {
		if n > 0 {
			j.batch = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// NewJanitor creates a janitor over store. Register at least one archive
// driver before Start.
func NewJanitor(store contracts.ConversationStore, opts ...Option) *Janitor {
	j := &Janitor{
		store:     store,
		interval:  DefaultInterval,
		idleAfter: DefaultIdleAfter,
		batch:     DefaultBatchSize,
		now:       time.Now,
		drivers:   make(map[string]contracts.ArchiveDriver),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// RegisterArchiver adds an archive backend. The first one registered is
// the default.
func (j *Janitor) RegisterArchiver(driver contracts.ArchiveDriver) {
	j.mu.Lock()
	defer j.mu.Unlock()
	kind := driver.Kind()
	if len(j.drivers) == 0 {
		j.defaultBackend = kind
	}
	j.drivers[kind] = driver
	log.Info().Str("kind", kind).Msg("Archive driver registered")
}

// SetDefaultBackend selects which registered driver receives archives.
func (j *Janitor) SetDefaultBackend(kind string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.defaultBackend = kind
}

// Archivers returns the registered backend kinds, sorted.
func (j *Janitor) Archivers() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	kinds := make([]string, 0, len(j.drivers))
	for k := range j.drivers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (j *Janitor) archiver() (contracts.ArchiveDriver, string, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	d, ok := j.drivers[j.defaultBackend]
	return d, j.defaultBackend, ok
}

// Start runs a cycle immediately and then on every tick until ctx is
// canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("idle_after", j.idleAfter).
		Strs("archivers", j.Archivers()).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle archives up to maxBatchesPerCycle batches of idle
// conversations.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats
	start := j.now()

	driver, backend, ok := j.archiver()
	if !ok {
		stats.Errors = append(stats.Errors, &archiveError{backend: backend, msg: "driver not registered"})
		log.Warn().Str("backend", backend).Msg("Retention cycle skipped, no archive driver")
		return stats
	}

	cutoff := start.Add(-j.idleAfter)
	for i := 0; i < maxBatchesPerCycle; i++ {
		if ctx.Err() != nil {
			break
		}
		idle, err := j.store.ListIdle(ctx, cutoff, j.batch)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("list idle conversations: %w", err))
			break
		}
		if len(idle) == 0 {
			break
		}
		if failed := j.archiveBatch(ctx, driver, backend, idle, &stats); failed || len(idle) < j.batch {
			break
		}
	}

	for _, err := range stats.Errors {
		log.Warn().Err(err).Msg("Retention cycle error")
	}
	if stats.Archived > 0 {
		log.Info().
			Int("archived", stats.Archived).
			Int("files", len(stats.Records)).
			Dur("elapsed", j.now().Sub(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

// archiveBatch writes one batch per tenant and flags what was written. It
// reports whether any tenant failed.
func (j *Janitor) archiveBatch(ctx context.Context, driver contracts.ArchiveDriver, backend string, idle []models.Conversation, stats *CycleStats) bool {
	byTenant := make(map[string][]models.Conversation)
	var tenants []string
	for _, c := range idle {
		if _, seen := byTenant[c.TenantID]; !seen {
			tenants = append(tenants, c.TenantID)
		}
		byTenant[c.TenantID] = append(byTenant[c.TenantID], c)
	}

	failed := false
	for _, tenant := range tenants {
		convs := byTenant[tenant]
		uri, err := driver.ArchiveConversations(ctx, tenant, convs)
		if err != nil {
			log.Warn().Err(err).Str("tenant", tenant).Str("backend", backend).
				Int("batch_size", len(convs)).Msg("Failed to archive conversations")
			metrics.RecordArchived(backend, "error", len(convs))
			stats.Errors = append(stats.Errors, err)
			failed = true
			continue
		}

		keys := make([]string, len(convs))
		for i, c := range convs {
			keys[i] = c.Key
		}
		if err := j.store.MarkArchived(ctx, keys); err != nil {
			// The file exists but the rows stay live; the next cycle
			// writes them again.
			stats.Errors = append(stats.Errors, fmt.Errorf("mark archived for %s: %w", tenant, err))
			failed = true
			continue
		}

		metrics.RecordArchived(backend, "ok", len(convs))
		stats.Archived += len(convs)
		stats.Records = append(stats.Records, ArchiveRecord{
			ID:          uuid.NewString(),
			TenantID:    tenant,
			Backend:     backend,
			URI:         uri,
			Count:       len(convs),
			OldestIdle:  convs[0].UpdatedAt,
			NewestIdle:  convs[len(convs)-1].UpdatedAt,
			CompletedAt: j.now().UTC(),
		})
	}
	return failed
}

type archiveError struct {
	backend string
	msg     string
}

func (e *archiveError) Error() string {
	return "archive driver " + e.backend + ": " + e.msg
}
