// Package notify delivers checkpoint events to the live channels of the
// identity that owns them.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"chenu/internal/platform/metrics"
	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
)

// EventType names a governance event.
type EventType string

const (
	EventCheckpointRequested EventType = "checkpoint_requested"
	EventCheckpointApproved  EventType = "checkpoint_approved"
	EventCheckpointRejected  EventType = "checkpoint_rejected"
	EventCheckpointExpired   EventType = "checkpoint_expired"
)

// Event is the payload sent to subscriber channels.
type Event struct {
	Type          EventType       `json:"type"`
	CheckpointID  id.CheckpointID `json:"checkpoint_id"`
	ActionType    id.ActionType   `json:"action_type"`
	ScopeID       id.ScopeID      `json:"scope_id"`
	EstimatedCost int64           `json:"estimated_cost"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Channel is one live connection. Send should not block for long; slow
// transports buffer internally.
type Channel interface {
	ID() id.ChannelID
	Send(ctx context.Context, event Event) error
}

// Fanout maps identities to their channels. A channel belongs to at most
// one identity at a time.
type Fanout struct {
	mu         sync.RWMutex
	byIdentity map[id.IdentityID]map[id.ChannelID]Channel
	owners     map[id.ChannelID]id.IdentityID

	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Fanout)

func WithLogger(logger *slog.Logger) Option {
	return func(f *Fanout) {
		f.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fanout) {
		f.metrics = m
	}
}

func New(opts ...Option) *Fanout {
	f := &Fanout{
		byIdentity: make(map[id.IdentityID]map[id.ChannelID]Channel),
		owners:     make(map[id.ChannelID]id.IdentityID),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe registers ch under identity. Subscribing a channel that already
// belongs to another identity moves it.
func (f *Fanout) Subscribe(identity id.IdentityID, ch Channel) error {
	if identity.IsNil() {
		return dErrors.New(dErrors.CodeBadRequest, "identity is required")
	}
	if ch == nil || ch.ID().IsNil() {
		return dErrors.New(dErrors.CodeBadRequest, "channel is required")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	channelID := ch.ID()
	if prev, ok := f.owners[channelID]; ok && prev != identity {
		f.removeLocked(channelID)
	}
	set, ok := f.byIdentity[identity]
	if !ok {
		set = make(map[id.ChannelID]Channel)
		f.byIdentity[identity] = set
	}
	set[channelID] = ch
	f.owners[channelID] = identity
	f.metrics.SetActiveChannels(len(f.owners))
	return nil
}

// Unsubscribe removes the channel. Unknown channels are ignored.
func (f *Fanout) Unsubscribe(channelID id.ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removeLocked(channelID)
	f.metrics.SetActiveChannels(len(f.owners))
}

func (f *Fanout) removeLocked(channelID id.ChannelID) {
	identity, ok := f.owners[channelID]
	if !ok {
		return
	}
	delete(f.owners, channelID)
	set := f.byIdentity[identity]
	delete(set, channelID)
	if len(set) == 0 {
		delete(f.byIdentity, identity)
	}
}

// Notify sends event to every channel of identity and returns how many
// deliveries succeeded. A failing or panicking channel is logged and
// skipped; it never stops delivery to the rest.
func (f *Fanout) Notify(ctx context.Context, identity id.IdentityID, event Event) int {
	f.mu.RLock()
	targets := make([]Channel, 0, len(f.byIdentity[identity]))
	for _, ch := range f.byIdentity[identity] {
		targets = append(targets, ch)
	}
	f.mu.RUnlock()

	delivered := 0
	for _, ch := range targets {
		if err := f.safeSend(ctx, ch, event); err != nil {
			f.metrics.IncrementNotificationFailures()
			f.logger.WarnContext(ctx, "notification delivery failed",
				"identity_id", identity.String(),
				"channel_id", ch.ID().String(),
				"event", string(event.Type),
				"error", err,
			)
			continue
		}
		delivered++
	}
	f.metrics.AddDelivered(delivered)
	return delivered
}

func (f *Fanout) safeSend(ctx context.Context, ch Channel, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return ch.Send(ctx, event)
}

// ChannelCount returns the number of channels registered under identity.
func (f *Fanout) ChannelCount(identity id.IdentityID) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.byIdentity[identity])
}

// Owner returns the identity a channel is registered under.
func (f *Fanout) Owner(channelID id.ChannelID) (id.IdentityID, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	identity, ok := f.owners[channelID]
	return identity, ok
}
