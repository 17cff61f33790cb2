package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type factory func(t *testing.T, clk *clock) contracts.ConversationStore

func stores() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T, clk *clock) contracts.ConversationStore {
			return NewMemoryStore(WithClock(clk.Now))
		},
		"sqlite": func(t *testing.T, clk *clock) contracts.ConversationStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "conv.db"), WithClock(clk.Now))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

var conv = models.Conversation{
	Key:       models.ConversationKey("bistro", models.ChannelSMS, "+15550001"),
	TenantID:  "bistro",
	ContactID: "+15550001",
	Channel:   models.ChannelSMS,
}

func userMsg(text, key string) models.Message {
	return models.Message{Role: models.RoleUser, Content: text, IdempotencyKey: key}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s contracts.ConversationStore, clk *clock)) {
	for name, mk := range stores() {
		t.Run(name, func(t *testing.T) {
			clk := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
			fn(t, mk(t, clk), clk)
		})
	}
}

func TestAppendAssignsIncreasingSequence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contracts.ConversationStore, _ *clock) {
		ctx := context.Background()
		for i := 1; i <= 3; i++ {
			m, err := s.Append(ctx, conv, userMsg(fmt.Sprintf("msg %d", i), fmt.Sprintf("k%d", i)))
			require.NoError(t, err)
			assert.Equal(t, int64(i), m.Sequence)
			assert.NotEmpty(t, m.ID)
			assert.Equal(t, models.ChannelSMS, m.Channel)
		}

		got, err := s.Get(ctx, conv.Key)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.LastSequence)
		require.Len(t, got.Messages, 3)
		assert.Equal(t, "msg 1", got.Messages[0].Content)
		assert.Equal(t, "bistro", got.TenantID)
	})
}

func TestAppendIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contracts.ConversationStore, _ *clock) {
		ctx := context.Background()
		first, err := s.Append(ctx, conv, userMsg("book a table", "evt-1"))
		require.NoError(t, err)

		again, err := s.Append(ctx, conv, userMsg("book a table", "evt-1"))
		assert.True(t, errors.Is(err, ErrDuplicate))
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, first.Sequence, again.Sequence)

		hist, err := s.History(ctx, conv.Key, 0)
		require.NoError(t, err)
		assert.Len(t, hist, 1)
	})
}

func TestAgentMessagesWithoutKeyAlwaysAppend(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contracts.ConversationStore, _ *clock) {
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			_, err := s.Append(ctx, conv, models.Message{Role: models.RoleAgent, Content: "ok"})
			require.NoError(t, err)
		}
		hist, err := s.History(ctx, conv.Key, 0)
		require.NoError(t, err)
		assert.Len(t, hist, 2)
	})
}

func TestConcurrentAppendsKeepSequenceUnique(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contracts.ConversationStore, _ *clock) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Append(ctx, conv, userMsg("hi", fmt.Sprintf("c%d", i%10)))
				if err != nil && !errors.Is(err, ErrDuplicate) {
					t.Error(err)
				}
			}(i)
		}
		wg.Wait()

		hist, err := s.History(ctx, conv.Key, 0)
		require.NoError(t, err)
		require.Len(t, hist, 10)
		for i, m := range hist {
			assert.Equal(t, int64(i+1), m.Sequence)
		}
	})
}

func TestHistoryLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contracts.ConversationStore, _ *clock) {
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			_, err := s.Append(ctx, conv, userMsg(fmt.Sprint(i), fmt.Sprint(i)))
			require.NoError(t, err)
		}
		hist, err := s.History(ctx, conv.Key, 2)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, "4", hist[0].Content)
		assert.Equal(t, "5", hist[1].Content)

		none, err := s.History(ctx, "nobody", 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestPendingRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contracts.ConversationStore, clk *clock) {
		ctx := context.Background()
		assert.ErrorIs(t, s.SetPending(ctx, conv.Key, &models.PendingAction{Tool: "x"}), contracts.ErrNotFound)

		_, err := s.Append(ctx, conv, userMsg("book", "p1"))
		require.NoError(t, err)

		pending := &models.PendingAction{
			Tool:        "create_reservation",
			Arguments:   map[string]any{"party_size": 4.0, "name": "Ana"},
			Summary:     "create reservation (name: Ana, party size: 4)",
			Agent:       "reservations",
			RequestedAt: clk.Now(),
		}
		require.NoError(t, s.SetPending(ctx, conv.Key, pending))

		got, err := s.Get(ctx, conv.Key)
		require.NoError(t, err)
		require.NotNil(t, got.Pending)
		assert.Equal(t, "create_reservation", got.Pending.Tool)
		assert.Equal(t, 4.0, got.Pending.Arguments["party_size"])
		assert.True(t, got.Pending.RequestedAt.Equal(pending.RequestedAt))

		require.NoError(t, s.SetPending(ctx, conv.Key, nil))
		got, err = s.Get(ctx, conv.Key)
		require.NoError(t, err)
		assert.Nil(t, got.Pending)
	})
}

func TestIdleAndArchive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contracts.ConversationStore, clk *clock) {
		ctx := context.Background()
		old := conv
		fresh := models.Conversation{Key: "bistro:web:w1", TenantID: "bistro", ContactID: "w1", Channel: models.ChannelWeb}

		_, err := s.Append(ctx, old, userMsg("hello", "o1"))
		require.NoError(t, err)
		clk.Advance(48 * time.Hour)
		_, err = s.Append(ctx, fresh, userMsg("hi", "f1"))
		require.NoError(t, err)

		idle, err := s.ListIdle(ctx, clk.Now().Add(-24*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, idle, 1)
		assert.Equal(t, old.Key, idle[0].Key)
		assert.Len(t, idle[0].Messages, 1)

		require.NoError(t, s.MarkArchived(ctx, []string{old.Key}))
		idle, err = s.ListIdle(ctx, clk.Now().Add(-24*time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, idle)

		// archived conversations stay readable
		got, err := s.Get(ctx, old.Key)
		require.NoError(t, err)
		assert.True(t, got.Archived)
		assert.Len(t, got.Messages, 1)

		// and a new message reopens them
		_, err = s.Append(ctx, old, userMsg("back again", "o2"))
		require.NoError(t, err)
		got, err = s.Get(ctx, old.Key)
		require.NoError(t, err)
		assert.False(t, got.Archived)
	})
}

func TestGetMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s contracts.ConversationStore, _ *clock) {
		_, err := s.Get(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conv.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = s.Append(ctx, conv, userMsg("first", "r1"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append(ctx, conv, userMsg("first", "r1"))
	assert.ErrorIs(t, err, ErrDuplicate)
	m, err := s.Append(ctx, conv, userMsg("second", "r2"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Sequence)
}

func TestFromEvent(t *testing.T) {
	ev := &models.InboundEvent{Channel: models.ChannelWhatsApp, TenantID: "t", ContactID: "c"}
	c := FromEvent(ev)
	assert.Equal(t, "t:whatsapp:c", c.Key)
	assert.Equal(t, models.ChannelWhatsApp, c.Channel)
}
