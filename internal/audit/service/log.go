package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chenu/internal/audit/models"
	"chenu/internal/platform/metrics"
	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
)

// Store persists audit entries. Implementations must keep entries in Seq
// order and must never modify an entry once appended.
type Store interface {
	Append(ctx context.Context, entry models.Entry) error
	Last(ctx context.Context) (*models.Entry, error)
	List(ctx context.Context, filter models.Filter) ([]models.Entry, error)
}

// Mirror receives a copy of each appended entry, e.g. a Kafka topic.
// Mirror failures never fail an append.
type Mirror interface {
	Publish(ctx context.Context, entry models.Entry) error
}

// Log is the append-only audit log. Appends are serialised so Seq order is
// the real-time append order and each entry hashes over its predecessor.
type Log struct {
	mu       sync.Mutex
	store    Store
	mirror   Mirror
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
	lastSeq  uint64
	lastHash string
}

type Option func(*Log)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

func WithMirror(mirror Mirror) Option {
	return func(l *Log) {
		l.mirror = mirror
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Log) {
		l.metrics = m
	}
}

func WithClock(clock func() time.Time) Option {
	return func(l *Log) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New builds a Log and resumes the hash chain from the store's newest entry.
func New(ctx context.Context, store Store, opts ...Option) (*Log, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store is required")
	}
	l := &Log{
		store:    store,
		logger:   slog.Default(),
		clock:    time.Now,
		lastHash: models.GenesisHash,
	}
	for _, opt := range opts {
		opt(l)
	}

	last, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("load audit chain head: %w", err)
	}
	if last != nil {
		l.lastSeq = last.Seq
		l.lastHash = last.Hash
	}
	return l, nil
}

// Append writes entry and returns its ID. ID, Seq, Timestamp and the hash
// fields are assigned here; caller-supplied values for them are ignored.
func (l *Log) Append(ctx context.Context, entry models.Entry) (id.AuditEntryID, error) {
	if entry.Action == "" {
		return id.AuditEntryID{}, dErrors.New(dErrors.CodeBadRequest, "audit action is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry = entry.Clone()
	entry.ID = id.NewAuditEntryID()
	entry.Seq = l.lastSeq + 1
	// Postgres keeps microseconds; truncating keeps hashes stable across round trips.
	entry.Timestamp = l.clock().UTC().Truncate(time.Microsecond)
	entry.PrevHash = l.lastHash

	hash, err := entry.ComputeHash()
	if err != nil {
		return id.AuditEntryID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash audit entry")
	}
	entry.Hash = hash

	if err := l.store.Append(ctx, entry); err != nil {
		return id.AuditEntryID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to append audit entry")
	}
	l.lastSeq = entry.Seq
	l.lastHash = entry.Hash
	l.metrics.IncrementAuditAppended()

	if l.mirror != nil {
		if err := l.mirror.Publish(ctx, entry); err != nil {
			l.logger.WarnContext(ctx, "failed to mirror audit entry",
				"seq", entry.Seq,
				"action", entry.Action,
				"error", err,
			)
		}
	}
	return entry.ID, nil
}

// QueryOption narrows Query results.
type QueryOption func(*models.Filter)

func WithActor(actorID id.IdentityID) QueryOption {
	return func(f *models.Filter) { f.ActorID = actorID }
}

func WithSince(since time.Time) QueryOption {
	return func(f *models.Filter) { f.Since = since }
}

func WithUntil(until time.Time) QueryOption {
	return func(f *models.Filter) { f.Until = until }
}

func WithActions(actions ...models.Action) QueryOption {
	return func(f *models.Filter) { f.Actions = append(f.Actions, actions...) }
}

func WithLimit(limit int) QueryOption {
	return func(f *models.Filter) { f.Limit = limit }
}

// Query returns matching entries in insertion order. Results are never
// re-ranked.
func (l *Log) Query(ctx context.Context, opts ...QueryOption) ([]models.Entry, error) {
	var filter models.Filter
	for _, opt := range opts {
		opt(&filter)
	}
	if filter.Limit < 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "limit must be >= 0")
	}
	entries, err := l.store.List(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query audit log")
	}
	return entries, nil
}

// Verify walks the full chain and reports the first entry whose link or
// hash does not match.
func (l *Log) Verify(ctx context.Context) error {
	entries, err := l.store.List(ctx, models.Filter{})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read audit log")
	}

	prev := models.GenesisHash
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			return dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("audit sequence gap at seq %d", e.Seq))
		}
		if e.PrevHash != prev {
			return dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("audit chain broken at seq %d", e.Seq))
		}
		want, err := e.ComputeHash()
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash audit entry")
		}
		if want != e.Hash {
			return dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("audit entry tampered at seq %d", e.Seq))
		}
		prev = e.Hash
	}
	return nil
}
