// Package conversation persists the append-only message log of every
// tenant, contact and channel. Appends are idempotent on the message's
// idempotency key and sequence numbers strictly increase per conversation.
// Conversations are archived by the retention janitor, never deleted.
package conversation

import (
	"errors"
	"time"

	"github.com/switchboardhq/switchboard/pkg/contracts"
	"github.com/switchboardhq/switchboard/pkg/models"
)

// ErrDuplicate is returned by Append when the idempotency key was already
// stored in the conversation. The stored message is returned with it.
var ErrDuplicate = errors.New("duplicate message")

// ErrNotFound aliases the contract sentinel so callers can match either.
var ErrNotFound = contracts.ErrNotFound

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the store's clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// FromEvent returns the conversation identity of an inbound event.
func FromEvent(ev *models.InboundEvent) models.Conversation {
	return models.Conversation{
		Key:       ev.ConversationKey(),
		TenantID:  ev.TenantID,
		ContactID: ev.ContactID,
		Channel:   ev.Channel,
	}
}

func tail(msgs []models.Message, limit int) []models.Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}
