package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"chenu/internal/audit/models"
	"chenu/internal/audit/store/memory"
	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
)

type AuditLogSuite struct {
	suite.Suite
	ctx   context.Context
	store *memory.InMemoryStore
	log   *Log
	now   time.Time
}

func TestAuditLogSuite(t *testing.T) {
	suite.Run(t, new(AuditLogSuite))
}

func (s *AuditLogSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.NewInMemoryStore()
	s.now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	var err error
	s.log, err = New(s.ctx, s.store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)
}

func (s *AuditLogSuite) append(actor id.IdentityID, action models.Action) id.AuditEntryID {
	entryID, err := s.log.Append(s.ctx, models.Entry{
		ActorID: actor,
		Action:  action,
		Details: map[string]any{models.DetailOutcome: "ok"},
	})
	s.Require().NoError(err)
	return entryID
}

func (s *AuditLogSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(s.ctx, nil)
		s.Error(err)
		s.Contains(err.Error(), "audit store is required")
	})

	s.Run("resumes sequence from existing entries", func() {
		s.append("user-1", models.ActionEvaluate)
		s.append("user-1", models.ActionApprove)

		resumed, err := New(s.ctx, s.store, WithClock(func() time.Time { return s.now }))
		s.Require().NoError(err)
		_, err = resumed.Append(s.ctx, models.Entry{ActorID: "user-2", Action: models.ActionReject})
		s.Require().NoError(err)

		entries, err := resumed.Query(s.ctx)
		s.Require().NoError(err)
		s.Require().Len(entries, 3)
		s.Equal(uint64(3), entries[2].Seq)
		s.NoError(resumed.Verify(s.ctx))
	})
}

func (s *AuditLogSuite) TestAppend() {
	s.Run("assigns id, sequence, timestamp and chain hash", func() {
		entryID := s.append("user-1", models.ActionEvaluate)
		s.False(entryID.IsNil())

		entries, err := s.log.Query(s.ctx)
		s.Require().NoError(err)
		s.Require().Len(entries, 1)
		s.Equal(entryID, entries[0].ID)
		s.Equal(uint64(1), entries[0].Seq)
		s.Equal(s.now, entries[0].Timestamp)
		s.Equal(models.GenesisHash, entries[0].PrevHash)
		s.NotEmpty(entries[0].Hash)
	})

	s.Run("missing action is rejected", func() {
		_, err := s.log.Append(s.ctx, models.Entry{ActorID: "user-1"})
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("caller mutations after append do not alter history", func() {
		details := map[string]any{models.DetailOutcome: "denied"}
		_, err := s.log.Append(s.ctx, models.Entry{ActorID: "user-9", Action: models.ActionEvaluate, Details: details})
		s.Require().NoError(err)
		details[models.DetailOutcome] = "auto_approved"

		entries, err := s.log.Query(s.ctx, WithActor("user-9"))
		s.Require().NoError(err)
		s.Require().Len(entries, 1)
		s.Equal("denied", entries[0].Outcome())
	})
}

func (s *AuditLogSuite) TestQuery() {
	s.append("user-1", models.ActionEvaluate)
	s.now = s.now.Add(time.Minute)
	s.append("user-2", models.ActionEvaluate)
	s.now = s.now.Add(time.Minute)
	s.append("user-1", models.ActionApprove)
	s.now = s.now.Add(time.Minute)
	s.append("user-1", models.ActionReject)

	s.Run("no filter returns insertion order", func() {
		entries, err := s.log.Query(s.ctx)
		s.Require().NoError(err)
		s.Require().Len(entries, 4)
		for i, e := range entries {
			s.Equal(uint64(i+1), e.Seq)
		}
	})

	s.Run("filters by actor", func() {
		entries, err := s.log.Query(s.ctx, WithActor("user-1"))
		s.Require().NoError(err)
		s.Len(entries, 3)
	})

	s.Run("filters by since", func() {
		since := time.Date(2026, 5, 1, 9, 2, 0, 0, time.UTC)
		entries, err := s.log.Query(s.ctx, WithSince(since))
		s.Require().NoError(err)
		s.Require().Len(entries, 2)
		s.Equal(models.ActionApprove, entries[0].Action)
	})

	s.Run("filters by action and limit", func() {
		entries, err := s.log.Query(s.ctx, WithActions(models.ActionEvaluate), WithLimit(1))
		s.Require().NoError(err)
		s.Require().Len(entries, 1)
		s.Equal(id.IdentityID("user-1"), entries[0].ActorID)
	})

	s.Run("negative limit is rejected", func() {
		_, err := s.log.Query(s.ctx, WithLimit(-1))
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}

func (s *AuditLogSuite) TestConcurrentAppendKeepsTotalOrder() {
	const writers = 50
	var wg sync.WaitGroup
	for i := range writers {
		wg.Go(func() {
			actor := id.IdentityID("user-a")
			if i%2 == 0 {
				actor = "user-b"
			}
			_, err := s.log.Append(s.ctx, models.Entry{ActorID: actor, Action: models.ActionEvaluate})
			s.NoError(err)
		})
	}
	wg.Wait()

	entries, err := s.log.Query(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(entries, writers)
	for i, e := range entries {
		s.Equal(uint64(i+1), e.Seq)
	}
	s.NoError(s.log.Verify(s.ctx))
}

func (s *AuditLogSuite) TestVerifyDetectsTampering() {
	store := &tamperableStore{}
	log, err := New(s.ctx, store)
	s.Require().NoError(err)

	for range 3 {
		_, err := log.Append(s.ctx, models.Entry{ActorID: "user-1", Action: models.ActionEvaluate, Details: map[string]any{models.DetailOutcome: "denied"}})
		s.Require().NoError(err)
	}
	s.Require().NoError(log.Verify(s.ctx))

	store.entries[1].Details[models.DetailOutcome] = "auto_approved"
	err = log.Verify(s.ctx)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	s.Contains(err.Error(), "seq 2")
}

func (s *AuditLogSuite) TestMirrorFailureDoesNotFailAppend() {
	mirror := &recordingMirror{err: errors.New("broker down")}
	log, err := New(s.ctx, memory.NewInMemoryStore(),
		WithMirror(mirror),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.Require().NoError(err)

	_, err = log.Append(s.ctx, models.Entry{ActorID: "user-1", Action: models.ActionEvaluate})
	s.NoError(err)
	s.Equal(1, mirror.calls)
}

// tamperableStore exposes stored entries so tests can simulate out-of-band edits.
type tamperableStore struct {
	entries []models.Entry
}

func (t *tamperableStore) Append(_ context.Context, e models.Entry) error {
	t.entries = append(t.entries, e.Clone())
	return nil
}

func (t *tamperableStore) Last(_ context.Context) (*models.Entry, error) {
	if len(t.entries) == 0 {
		return nil, nil
	}
	last := t.entries[len(t.entries)-1]
	return &last, nil
}

func (t *tamperableStore) List(_ context.Context, _ models.Filter) ([]models.Entry, error) {
	return t.entries, nil
}

type recordingMirror struct {
	calls int
	err   error
}

func (m *recordingMirror) Publish(context.Context, models.Entry) error {
	m.calls++
	return m.err
}
