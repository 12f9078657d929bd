package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	auditmodels "chenu/internal/audit/models"
	auditservice "chenu/internal/audit/service"
	auditmemory "chenu/internal/audit/store/memory"
	"chenu/internal/checkpoint/models"
	"chenu/internal/checkpoint/store/memory"
	"chenu/internal/notify"
	"chenu/internal/platform/metrics"
	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
)

type stubResolver struct {
	mu        sync.Mutex
	err       error
	settled   []id.CheckpointID
	released  []id.CheckpointID
	settleCtx context.Context
}

func (r *stubResolver) Settle(ctx context.Context, cp *models.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settleCtx = ctx
	if r.err != nil {
		return r.err
	}
	r.settled = append(r.settled, cp.ID)
	return nil
}

func (r *stubResolver) Release(_ context.Context, cp *models.Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, cp.ID)
}

func (r *stubResolver) settleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.settled)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events map[id.IdentityID][]notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, identity id.IdentityID, e notify.Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = make(map[id.IdentityID][]notify.Event)
	}
	n.events[identity] = append(n.events[identity], e)
	return 1
}

func (n *recordingNotifier) For(identity id.IdentityID) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events[identity]...)
}

type QueueSuite struct {
	suite.Suite
	ctx      context.Context
	store    *memory.InMemoryStore
	audit    *auditservice.Log
	resolver *stubResolver
	notifier *recordingNotifier
	metrics  *metrics.Metrics
	queue    *Queue
	now      time.Time
}

func TestQueueSuite(t *testing.T) {
	suite.Run(t, new(QueueSuite))
}

func (s *QueueSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	s.store = memory.New()
	s.resolver = &stubResolver{}
	s.notifier = &recordingNotifier{}
	s.metrics = metrics.New(prometheus.NewRegistry())

	var err error
	s.audit, err = auditservice.New(s.ctx, auditmemory.NewInMemoryStore())
	s.Require().NoError(err)

	s.queue = s.newQueue(s.store)
}

func (s *QueueSuite) newQueue(store Store) *Queue {
	q, err := New(store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditor(s.audit),
		WithNotifier(s.notifier),
		WithMetrics(s.metrics),
		WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)
	q.SetResolver(s.resolver)
	return q
}

func (s *QueueSuite) enqueue(owner id.IdentityID) id.CheckpointID {
	checkpointID, err := s.queue.Enqueue(s.ctx, &models.Checkpoint{
		ActionType:    "workflow.publish",
		ScopeID:       "sphere-1",
		EstimatedCost: 300,
		RequestedBy:   owner,
	})
	s.Require().NoError(err)
	return checkpointID
}

func (s *QueueSuite) entries(actions ...auditmodels.Action) []auditmodels.Entry {
	entries, err := s.audit.Query(s.ctx, auditservice.WithActions(actions...))
	s.Require().NoError(err)
	return entries
}

// =============================================================================
// Construction and enqueue
// =============================================================================

func (s *QueueSuite) TestNew() {
	_, err := New(nil)
	s.Require().Error(err)
	s.Contains(err.Error(), "checkpoint store is required")
}

func (s *QueueSuite) TestEnqueue() {
	s.Run("assigns identity, status and expiry", func() {
		checkpointID := s.enqueue("user-a")
		cp, err := s.queue.Get(s.ctx, checkpointID, "user-a")
		s.Require().NoError(err)
		s.Equal(models.StatusPending, cp.Status)
		s.Equal(s.now, cp.RequestedAt)
		s.Equal(s.now.Add(DefaultTTL), cp.ExpiresAt)
		s.Nil(cp.ResolvedAt)
	})

	s.Run("rejects malformed checkpoints", func() {
		_, err := s.queue.Enqueue(s.ctx, nil)
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
		_, err = s.queue.Enqueue(s.ctx, &models.Checkpoint{ScopeID: "s"})
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
		_, err = s.queue.Enqueue(s.ctx, &models.Checkpoint{RequestedBy: "user-a", EstimatedCost: -1})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidAmount))
	})

	s.Run("custom ttl", func() {
		q, err := New(s.store, WithTTL(time.Minute), WithClock(func() time.Time { return s.now }))
		s.Require().NoError(err)
		checkpointID, err := q.Enqueue(s.ctx, &models.Checkpoint{RequestedBy: "user-a", ScopeID: "s"})
		s.Require().NoError(err)
		cp, err := q.Get(s.ctx, checkpointID, "user-a")
		s.Require().NoError(err)
		s.Equal(s.now.Add(time.Minute), cp.ExpiresAt)
	})
}

// =============================================================================
// Visibility
// =============================================================================

func (s *QueueSuite) TestIdentityIsolation() {
	mine := s.enqueue("user-a")
	s.enqueue("user-a")
	theirs := s.enqueue("user-b")

	list, err := s.queue.ListPending(s.ctx, "user-a")
	s.Require().NoError(err)
	s.Len(list, 2)
	for _, cp := range list {
		s.Equal(id.IdentityID("user-a"), cp.RequestedBy)
	}

	_, err = s.queue.Get(s.ctx, theirs, "user-a")
	s.True(dErrors.HasCode(err, dErrors.CodeCheckpointNotFound))
	_, err = s.queue.Get(s.ctx, mine, "user-a")
	s.NoError(err)

	_, err = s.queue.Approve(s.ctx, theirs, "user-a")
	s.True(dErrors.HasCode(err, dErrors.CodeCheckpointNotFound))
	s.Zero(s.resolver.settleCount())

	_, err = s.queue.ListPending(s.ctx, "")
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

// =============================================================================
// Approve / Reject
// =============================================================================

func (s *QueueSuite) TestApprove() {
	s.Run("settles, resolves and notifies the owner", func() {
		checkpointID := s.enqueue("user-a")
		cp, err := s.queue.Approve(s.ctx, checkpointID, "user-a")
		s.Require().NoError(err)
		s.Equal(models.StatusApproved, cp.Status)
		s.Equal(id.IdentityID("user-a"), cp.ResolvedBy)
		s.Require().NotNil(cp.ResolvedAt)
		s.Equal(s.now, *cp.ResolvedAt)
		s.Equal([]id.CheckpointID{checkpointID}, s.resolver.settled)

		events := s.notifier.For("user-a")
		s.Require().NotEmpty(events)
		s.Equal(notify.EventCheckpointApproved, events[len(events)-1].Type)
	})

	s.Run("second resolution is already resolved", func() {
		checkpointID := s.enqueue("user-a")
		_, err := s.queue.Approve(s.ctx, checkpointID, "user-a")
		s.Require().NoError(err)

		_, err = s.queue.Approve(s.ctx, checkpointID, "user-a")
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyResolved))
		_, err = s.queue.Reject(s.ctx, checkpointID, "user-a", "changed my mind")
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyResolved))
	})

	s.Run("missing checkpoint", func() {
		_, err := s.queue.Approve(s.ctx, id.NewCheckpointID(), "user-a")
		s.True(dErrors.HasCode(err, dErrors.CodeCheckpointNotFound))
	})
}

func (s *QueueSuite) TestApproveWithExhaustedBudgetRejects() {
	s.resolver.err = dErrors.New(dErrors.CodeBudgetExhausted, "insufficient budget")
	checkpointID := s.enqueue("user-a")

	cp, err := s.queue.Approve(s.ctx, checkpointID, "user-a")
	s.Require().NoError(err)
	s.Equal(models.StatusRejected, cp.Status)
	s.Equal(models.ReasonBudgetExhausted, cp.Reason)

	entries := s.entries(auditmodels.ActionApprove)
	s.Require().Len(entries, 1)
	s.Equal("rejected", entries[0].Outcome())
	s.Equal(models.ReasonBudgetExhausted, entries[0].Details[auditmodels.DetailReason])
}

func (s *QueueSuite) TestApproveLeavesPendingOnResolverFailure() {
	s.resolver.err = errors.New("redis down")
	checkpointID := s.enqueue("user-a")

	_, err := s.queue.Approve(s.ctx, checkpointID, "user-a")
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))

	cp, err := s.queue.Get(s.ctx, checkpointID, "user-a")
	s.Require().NoError(err)
	s.Equal(models.StatusPending, cp.Status)
}

func (s *QueueSuite) TestApproveReleasesSettlementWhenWriteFails() {
	checkpointID := s.enqueue("user-a")
	queue := s.newQueue(&failingWriteStore{InMemoryStore: s.store})

	_, err := queue.Approve(s.ctx, checkpointID, "user-a")
	s.Require().Error(err)
	s.Equal([]id.CheckpointID{checkpointID}, s.resolver.settled)
	s.Equal([]id.CheckpointID{checkpointID}, s.resolver.released)
}

// failingWriteStore fails every Execute after validate passes.
type failingWriteStore struct {
	*memory.InMemoryStore
}

func (d *failingWriteStore) Execute(ctx context.Context, checkpointID id.CheckpointID, validate func(context.Context, *models.Checkpoint) error, mutate func(*models.Checkpoint)) (*models.Checkpoint, error) {
	cp, err := d.InMemoryStore.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if err := validate(ctx, cp); err != nil {
		return nil, err
	}
	return nil, errors.New("write failed")
}

type storeCtxKey struct{}

// scopedStore hands validate a derived context, the way a SQL store hands
// it the transaction context.
type scopedStore struct {
	*memory.InMemoryStore
}

func (d *scopedStore) Execute(ctx context.Context, checkpointID id.CheckpointID, validate func(context.Context, *models.Checkpoint) error, mutate func(*models.Checkpoint)) (*models.Checkpoint, error) {
	return d.InMemoryStore.Execute(context.WithValue(ctx, storeCtxKey{}, "store-tx"), checkpointID, validate, mutate)
}

func (s *QueueSuite) TestApproveSettlesWithinStoreContext() {
	checkpointID := s.enqueue("user-a")
	queue := s.newQueue(&scopedStore{InMemoryStore: s.store})

	_, err := queue.Approve(s.ctx, checkpointID, "user-a")
	s.Require().NoError(err)
	s.Require().NotNil(s.resolver.settleCtx)
	s.Equal("store-tx", s.resolver.settleCtx.Value(storeCtxKey{}))
}

func (s *QueueSuite) TestApproveWithoutResolver() {
	q, err := New(s.store)
	s.Require().NoError(err)
	checkpointID := s.enqueue("user-a")

	_, err = q.Approve(s.ctx, checkpointID, "user-a")
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *QueueSuite) TestReject() {
	checkpointID := s.enqueue("user-a")
	cp, err := s.queue.Reject(s.ctx, checkpointID, "user-a", "not now")
	s.Require().NoError(err)
	s.Equal(models.StatusRejected, cp.Status)
	s.Equal("not now", cp.Reason)
	s.Zero(s.resolver.settleCount())

	events := s.notifier.For("user-a")
	s.Require().Len(events, 1)
	s.Equal(notify.EventCheckpointRejected, events[0].Type)
	s.Equal("not now", events[0].Reason)
}

// Concurrent approve and reject calls resolve a checkpoint exactly once and
// settle the budget at most once.
func (s *QueueSuite) TestExactlyOneResolution() {
	checkpointID := s.enqueue("user-a")

	var wg sync.WaitGroup
	var wins, alreadyResolved atomic.Int32
	for i := range 20 {
		wg.Go(func() {
			var err error
			if i%2 == 0 {
				_, err = s.queue.Approve(s.ctx, checkpointID, "user-a")
			} else {
				_, err = s.queue.Reject(s.ctx, checkpointID, "user-a", "")
			}
			switch {
			case err == nil:
				wins.Add(1)
			case dErrors.HasCode(err, dErrors.CodeAlreadyResolved):
				alreadyResolved.Add(1)
			}
		})
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(19), alreadyResolved.Load())
	s.LessOrEqual(s.resolver.settleCount(), 1)
	s.Len(s.entries(auditmodels.ActionApprove, auditmodels.ActionReject), 20)
}

// =============================================================================
// Expiry
// =============================================================================

func (s *QueueSuite) TestExpireOverdueIsIdempotent() {
	overdue := s.enqueue("user-a")
	s.now = s.now.Add(10 * time.Minute)
	fresh := s.enqueue("user-a")
	resolved := s.enqueue("user-b")
	_, err := s.queue.Reject(s.ctx, resolved, "user-b", "")
	s.Require().NoError(err)

	sweepAt := s.now.Add(6 * time.Minute)
	expired, err := s.queue.ExpireOverdue(s.ctx, sweepAt)
	s.Require().NoError(err)
	s.Equal([]id.CheckpointID{overdue}, expired)

	again, err := s.queue.ExpireOverdue(s.ctx, sweepAt)
	s.Require().NoError(err)
	s.Empty(again)

	cp, err := s.queue.Get(s.ctx, overdue, "user-a")
	s.Require().NoError(err)
	s.Equal(models.StatusExpired, cp.Status)
	s.Equal(models.ReasonTTLElapsed, cp.Reason)

	cp, err = s.queue.Get(s.ctx, fresh, "user-a")
	s.Require().NoError(err)
	s.Equal(models.StatusPending, cp.Status)

	s.Len(s.entries(auditmodels.ActionExpire), 1)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.CheckpointsExpired))

	_, err = s.queue.Approve(s.ctx, overdue, "user-a")
	s.True(dErrors.HasCode(err, dErrors.CodeAlreadyResolved))
}

// =============================================================================
// Audit completeness
// =============================================================================

func (s *QueueSuite) TestEveryResolutionAttemptIsAudited() {
	checkpointID := s.enqueue("user-a")

	_, _ = s.queue.Approve(s.ctx, checkpointID, "user-a")
	_, _ = s.queue.Approve(s.ctx, checkpointID, "user-a")
	_, _ = s.queue.Reject(s.ctx, id.NewCheckpointID(), "user-a", "")

	entries := s.entries(auditmodels.ActionApprove, auditmodels.ActionReject)
	s.Require().Len(entries, 3)
	s.Equal("approved", entries[0].Outcome())
	s.Equal("failed", entries[1].Outcome())
	s.Equal(string(dErrors.CodeAlreadyResolved), entries[1].Details[auditmodels.DetailReason])
	s.Equal("failed", entries[2].Outcome())
	for _, e := range entries {
		s.Equal(id.IdentityID("user-a"), e.ActorID)
	}
}
