package migration

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_LegalTransitionSequence(t *testing.T) {
	m := NewManager()
	m.Register("split-1")

	require.NoError(t, m.TransitionTo("split-1", PhaseBulkCopy, "starting bulk copy"))
	require.NoError(t, m.TransitionTo("split-1", PhasePausing, "quiescence wait"))
	require.NoError(t, m.TransitionTo("split-1", PhasePaused, "quiesced"))
	require.NoError(t, m.TransitionTo("split-1", PhaseCleanup, "deleting source range"))
	require.NoError(t, m.TransitionTo("split-1", PhaseCompleted, "done"))

	state, ok := m.Get("split-1")
	require.True(t, ok)
	assert.Equal(t, PhaseCompleted, state.Phase)
	assert.True(t, state.Phase.IsTerminal())
}

func TestManager_RejectsIllegalTransition(t *testing.T) {
	m := NewManager()
	m.Register("split-2")

	err := m.TransitionTo("split-2", PhaseCompleted, "skip ahead")
	require.Error(t, err)
}

func TestManager_CheckpointSurvivesAcrossCalls(t *testing.T) {
	m := NewManager()
	m.Register("split-3")
	require.NoError(t, m.TransitionTo("split-3", PhaseBulkCopy, "starting"))
	require.NoError(t, m.Checkpoint("split-3", "event-42", 100))

	state, ok := m.Get("split-3")
	require.True(t, ok)
	assert.Equal(t, "event-42", state.CheckpointEventID)
	assert.Equal(t, int64(100), state.EventsCopied)
}

func TestManager_OnPhaseChangedCallback(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var seen []Phase
	done := make(chan struct{}, 1)
	m.OnPhaseChanged(func(s *State) {
		mu.Lock()
		seen = append(seen, s.Phase)
		mu.Unlock()
		done <- struct{}{}
	})

	m.Register("split-4")
	require.NoError(t, m.TransitionTo("split-4", PhaseBulkCopy, "starting"))
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{PhaseBulkCopy}, seen)
}
