package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "chenu/pkg/domain"
)

func sampleEntry() Entry {
	return Entry{
		ID:        id.NewAuditEntryID(),
		Seq:       1,
		ActorID:   "user-1",
		Action:    ActionEvaluate,
		Details:   map[string]any{DetailOutcome: "auto_approved", DetailEstimatedCost: int64(300)},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		PrevHash:  GenesisHash,
	}
}

func TestComputeHash(t *testing.T) {
	t.Run("is deterministic", func(t *testing.T) {
		e := sampleEntry()
		h1, err := e.ComputeHash()
		require.NoError(t, err)
		h2, err := e.ComputeHash()
		require.NoError(t, err)
		assert.Equal(t, h1, h2)
		assert.Len(t, h1, 64)
	})

	t.Run("changes when details change", func(t *testing.T) {
		e := sampleEntry()
		before, err := e.ComputeHash()
		require.NoError(t, err)

		e.Details[DetailOutcome] = "denied"
		after, err := e.ComputeHash()
		require.NoError(t, err)
		assert.NotEqual(t, before, after)
	})

	t.Run("changes when predecessor changes", func(t *testing.T) {
		e := sampleEntry()
		before, err := e.ComputeHash()
		require.NoError(t, err)

		e.PrevHash = before
		after, err := e.ComputeHash()
		require.NoError(t, err)
		assert.NotEqual(t, before, after)
	})
}

func TestCloneDoesNotShareDetails(t *testing.T) {
	e := sampleEntry()
	c := e.Clone()
	c.Details[DetailOutcome] = "mutated"
	assert.Equal(t, "auto_approved", e.Outcome())
}

func TestFilterMatches(t *testing.T) {
	e := sampleEntry()

	assert.True(t, Filter{}.Matches(e))
	assert.True(t, Filter{ActorID: "user-1"}.Matches(e))
	assert.False(t, Filter{ActorID: "user-2"}.Matches(e))
	assert.True(t, Filter{Since: e.Timestamp}.Matches(e), "since is inclusive")
	assert.False(t, Filter{Since: e.Timestamp.Add(time.Second)}.Matches(e))
	assert.False(t, Filter{Until: e.Timestamp.Add(-time.Second)}.Matches(e))
	assert.True(t, Filter{Actions: []Action{ActionApprove, ActionEvaluate}}.Matches(e))
	assert.False(t, Filter{Actions: []Action{ActionReject}}.Matches(e))
}
