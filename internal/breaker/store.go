package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-redis/redis/v8"

	"github.com/switchboardhq/switchboard/pkg/models"
)

const keyPrefix = "switchboard:breaker:"

// MemoryStore keeps breaker records in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]models.BreakerState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]models.BreakerState)}
}

func (s *MemoryStore) Load(_ context.Context, tenantID string) (*models.BreakerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[tenantID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *MemoryStore) Save(_ context.Context, state models.BreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.TenantID] = state
	return nil
}

// BadgerStore persists breaker records in an embedded Badger database.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a Badger database at path. An empty path opens an
// in-memory database.
func NewBadgerStore(path string) (*BadgerStore, error) {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger breaker store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Load(_ context.Context, tenantID string) (*models.BreakerState, error) {
	var st models.BreakerState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + tenantID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &st)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load breaker state %s: %w", tenantID, err)
	}
	return &st, nil
}

func (s *BadgerStore) Save(_ context.Context, state models.BreakerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+state.TenantID), data)
	})
}

func (s *BadgerStore) Close() error { return s.db.Close() }

// RedisStore shares breaker records between replicas through Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. Records expire after ttl of
// inactivity; zero keeps them forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context, tenantID string) (*models.BreakerState, error) {
	data, err := s.client.Get(ctx, keyPrefix+tenantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load breaker state %s: %w", tenantID, err)
	}
	var st models.BreakerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode breaker state %s: %w", tenantID, err)
	}
	return &st, nil
}

func (s *RedisStore) Save(ctx context.Context, state models.BreakerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+state.TenantID, data, s.ttl).Err()
}
