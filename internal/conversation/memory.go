package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchboardhq/switchboard/pkg/models"
)

type memoryRecord struct {
	conv     models.Conversation
	messages []models.Message
	byKey    map[string]int // idempotency key → index in messages
}

// MemoryStore is a thread-safe in-memory ConversationStore for local
// development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*memoryRecord
	now   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{convs: make(map[string]*memoryRecord), now: o.now}
}

// Get returns a copy of the conversation with all messages.
func (s *MemoryStore) Get(_ context.Context, key string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.convs[key]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", key, ErrNotFound)
	}
	c := rec.conv
	c.Messages = tail(rec.messages, 0)
	if c.Pending != nil {
		p := *c.Pending
		c.Pending = &p
	}
	return &c, nil
}

// Append stores msg at the next sequence number. A new message reopens an
// archived conversation.
func (s *MemoryStore) Append(_ context.Context, conv models.Conversation, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	rec, ok := s.convs[conv.Key]
	if !ok {
		conv.Messages = nil
		conv.LastSequence = 0
		conv.Pending = nil
		conv.Archived = false
		conv.CreatedAt = now
		rec = &memoryRecord{conv: conv, byKey: make(map[string]int)}
		s.convs[conv.Key] = rec
	}

	if msg.IdempotencyKey != "" {
		if i, seen := rec.byKey[msg.IdempotencyKey]; seen {
			return rec.messages[i], ErrDuplicate
		}
	}

	rec.conv.LastSequence++
	rec.conv.UpdatedAt = now
	rec.conv.Archived = false

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ConversationKey = conv.Key
	msg.Sequence = rec.conv.LastSequence
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.Channel == "" {
		msg.Channel = rec.conv.Channel
	}
	rec.messages = append(rec.messages, msg)
	if msg.IdempotencyKey != "" {
		rec.byKey[msg.IdempotencyKey] = len(rec.messages) - 1
	}
	return msg, nil
}

// History returns the last limit messages (all when limit <= 0).
func (s *MemoryStore) History(_ context.Context, key string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.convs[key]
	if !ok {
		return nil, nil
	}
	return tail(rec.messages, limit), nil
}

// SetPending stores or clears the pending confirmation.
func (s *MemoryStore) SetPending(_ context.Context, key string, pending *models.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[key]
	if !ok {
		return fmt.Errorf("conversation %s: %w", key, ErrNotFound)
	}
	if pending != nil {
		p := *pending
		pending = &p
	}
	rec.conv.Pending = pending
	return nil
}

// ListIdle returns unarchived conversations last updated before the
// cut-off, oldest first.
func (s *MemoryStore) ListIdle(_ context.Context, before time.Time, limit int) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Conversation
	for _, rec := range s.convs {
		if rec.conv.Archived || !rec.conv.UpdatedAt.Before(before) {
			continue
		}
		c := rec.conv
		c.Messages = tail(rec.messages, 0)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkArchived flags conversations as archived. Unknown keys are ignored.
func (s *MemoryStore) MarkArchived(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		if rec, ok := s.convs[k]; ok {
			rec.conv.Archived = true
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
