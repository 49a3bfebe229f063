package checkpoint_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AnthonyKot/chess-rl/internal/checkpoint"
	"github.com/AnthonyKot/chess-rl/internal/dqn"
	"github.com/AnthonyKot/chess-rl/internal/encoding"
	"github.com/AnthonyKot/chess-rl/internal/network/densenet"
	"github.com/AnthonyKot/chess-rl/internal/rngstreams"
)

func newSnapshot(t *testing.T) dqn.Snapshot {
	t.Helper()
	cfg := densenet.Config{
		InputDim: encoding.VectorSize, OutputDim: 4096,
		HiddenLayers: []int{8}, LearningRate: 0.05, GradClipNorm: 5.0,
		Optimizer: densenet.Adam, Seed: 1,
	}
	n, err := densenet.New(cfg)
	require.NoError(t, err)
	return dqn.Snapshot{Online: n.Snapshot(), Target: n.Snapshot(), UpdateCount: 3}
}

func newPayload(t *testing.T, iter int) checkpoint.Payload {
	seeds := rngstreams.NewSeedConfig(42)
	stream := seeds.NewStream(rngstreams.RoleNNInit, 0)
	return checkpoint.Payload{
		Learner: newSnapshot(t),
		RNG: checkpoint.RNGState{
			Master:  seeds.Master,
			Streams: map[string]rngstreams.State{rngstreams.RoleNNInit: stream.Save()},
		},
		Iteration: iter,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(dir, 10)
	require.NoError(t, err)

	payload := newPayload(t, 5)
	id, err := store.Save(payload, checkpoint.FormatTagDensenet, checkpoint.Metadata{Performance: 0.6})
	require.NoError(t, err)

	res, err := store.Load(id, checkpoint.FormatTagDensenet)
	require.NoError(t, err)
	require.Equal(t, payload.Iteration, res.Payload.Iteration)
	require.Equal(t, payload.RNG, res.Payload.RNG)
	require.True(t, res.Metadata.IsBest)
}

func TestLoadRejectsFormatMismatch(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(dir, 10)
	require.NoError(t, err)

	id, err := store.Save(newPayload(t, 1), checkpoint.FormatTagDensenet, checkpoint.Metadata{Performance: 0.1})
	require.NoError(t, err)

	_, err = store.Load(id, checkpoint.FormatTagGomlxnet)
	require.Error(t, err)
}

func TestBestNeverEvictedUnderMaxVersions(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(dir, 2)
	require.NoError(t, err)

	bestID, err := store.Save(newPayload(t, 1), checkpoint.FormatTagDensenet, checkpoint.Metadata{Performance: 0.9})
	require.NoError(t, err)
	_, err = store.Save(newPayload(t, 2), checkpoint.FormatTagDensenet, checkpoint.Metadata{Performance: 0.1})
	require.NoError(t, err)
	_, err = store.Save(newPayload(t, 3), checkpoint.FormatTagDensenet, checkpoint.Metadata{Performance: 0.2})
	require.NoError(t, err)

	require.LessOrEqual(t, len(store.List()), 2)
	best, ok := store.Best()
	require.True(t, ok)
	require.Equal(t, bestID, best.ID)

	err = store.Delete(bestID)
	require.Error(t, err, "deleting the best checkpoint must fail")
}

func TestBackendTagForRejectsUnknownTag(t *testing.T) {
	_, err := checkpoint.BackendTagFor("unknown-backend-v1")
	require.Error(t, err)
}

func TestOpenRebuildsIndexFromSidecars(t *testing.T) {
	dir := t.TempDir()
	store, err := checkpoint.Open(dir, 10)
	require.NoError(t, err)
	id, err := store.Save(newPayload(t, 1), checkpoint.FormatTagDensenet, checkpoint.Metadata{Performance: 0.5})
	require.NoError(t, err)

	reopened, err := checkpoint.Open(dir, 10)
	require.NoError(t, err)
	best, ok := reopened.Best()
	require.True(t, ok)
	require.Equal(t, id, best.ID)
}
