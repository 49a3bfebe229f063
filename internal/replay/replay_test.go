package replay_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/AnthonyKot/chess-rl/internal/chesserr"
	"github.com/AnthonyKot/chess-rl/internal/replay"
)

func newExp(reward float32) replay.Experience {
	return replay.Experience{
		State:     make([]float32, 4),
		Action:    0,
		Reward:    reward,
		NextState: make([]float32, 4),
	}
}

func TestSampleFailsWhenUnderfilled(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	store := replay.New(8, replay.Uniform, 0.6, 0.4, rng)
	store.Push(newExp(1))

	_, err := store.Sample(2)
	require.ErrorIs(t, err, chesserr.ErrInsufficientData)
}

func TestUniformSampleReturnsRequestedSize(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	store := replay.New(8, replay.Uniform, 0.6, 0.4, rng)
	for i := 0; i < 5; i++ {
		store.Push(newExp(float32(i)))
	}

	batch, err := store.Sample(3)
	require.NoError(t, err)
	require.Len(t, batch.Experiences, 3)
	require.Len(t, batch.Indices, 3)
	for _, w := range batch.Weights {
		require.Equal(t, 1.0, w)
	}
}

func TestPushEvictsOldestOnOverflow(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	store := replay.New(3, replay.Uniform, 0.6, 0.4, rng)
	for i := 0; i < 5; i++ {
		store.Push(newExp(float32(i)))
	}
	require.Equal(t, 3, store.Len())

	batch, err := store.Sample(3)
	require.NoError(t, err)
	rewards := map[float32]bool{}
	for _, e := range batch.Experiences {
		rewards[e.Reward] = true
	}
	require.True(t, rewards[2] && rewards[3] && rewards[4], "oldest two entries (0,1) should have been evicted")
	require.False(t, rewards[0] || rewards[1])
}

func TestPrioritizedSampleWeightsAndUpdatePriorities(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	store := replay.New(4, replay.Prioritized, 0.6, 0.4, rng)
	for i := 0; i < 4; i++ {
		store.Push(newExp(float32(i)))
	}

	batch, err := store.Sample(4)
	require.NoError(t, err)
	require.Len(t, batch.Experiences, 4)
	for _, w := range batch.Weights {
		require.GreaterOrEqual(t, w, 0.0)
		require.LessOrEqual(t, w, 1.0+1e-9)
	}

	store.UpdatePriorities(batch.Indices, []float64{10, 0.01, 0.01, 0.01})
	batch2, err := store.Sample(4)
	require.NoError(t, err)
	require.Len(t, batch2.Experiences, 4)
}

func TestClearEmptiesStore(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	store := replay.New(4, replay.Uniform, 0.6, 0.4, rng)
	store.Push(newExp(1))
	store.Clear()
	require.Equal(t, 0, store.Len())

	_, err := store.Sample(1)
	require.ErrorIs(t, err, chesserr.ErrInsufficientData)
}
