package densenet_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AnthonyKot/chess-rl/internal/network/densenet"
)

func baseConfig() densenet.Config {
	return densenet.Config{
		InputDim:     4,
		OutputDim:    2,
		HiddenLayers: []int{8},
		LearningRate: 0.05,
		GradClipNorm: 5.0,
		Optimizer:    densenet.Adam,
		Seed:         42,
	}
}

func TestForwardIsDeterministicAcrossInstancesWithSameSeed(t *testing.T) {
	n1, err := densenet.New(baseConfig())
	require.NoError(t, err)
	n2, err := densenet.New(baseConfig())
	require.NoError(t, err)

	batch := [][]float32{{0.1, 0.2, 0.3, 0.4}, {-0.5, 0.0, 0.25, 1.0}}
	out1, err := n1.Forward(batch)
	require.NoError(t, err)
	out2, err := n2.Forward(batch)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}

func TestTrainingReducesLoss(t *testing.T) {
	n, err := densenet.New(baseConfig())
	require.NoError(t, err)

	batch := [][]float32{{0.1, 0.2, 0.3, 0.4}, {-0.5, 0.0, 0.25, 1.0}}
	target := [][]float32{{1.0, -1.0}, {-1.0, 1.0}}

	lossOf := func() float32 {
		out, err := n.Forward(batch)
		require.NoError(t, err)
		var loss float32
		for i := range out {
			for j := range out[i] {
				d := out[i][j] - target[i][j]
				loss += d * d
			}
		}
		return loss
	}

	before := lossOf()
	for step := 0; step < 50; step++ {
		out, err := n.Forward(batch)
		require.NoError(t, err)
		dLoss := make([][]float32, len(out))
		for i := range out {
			dLoss[i] = make([]float32, len(out[i]))
			for j := range out[i] {
				dLoss[i][j] = 2 * (out[i][j] - target[i][j])
			}
		}
		_, err = n.Backward(batch, dLoss)
		require.NoError(t, err)
		require.NoError(t, n.Step())
	}
	after := lossOf()

	require.Less(t, after, before)
}

func TestSnapshotLoadRoundTrip(t *testing.T) {
	n, err := densenet.New(baseConfig())
	require.NoError(t, err)
	batch := [][]float32{{0.1, 0.2, 0.3, 0.4}}

	snap := n.Snapshot()

	clone, err := densenet.New(baseConfig())
	require.NoError(t, err)
	require.NoError(t, clone.Load(snap))

	out1, err := n.Forward(batch)
	require.NoError(t, err)
	out2, err := clone.Forward(batch)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}

func TestCloneIsIndependent(t *testing.T) {
	n, err := densenet.New(baseConfig())
	require.NoError(t, err)
	clone := n.Clone()

	batch := [][]float32{{0.1, 0.2, 0.3, 0.4}}
	dLoss := [][]float32{{1, -1}}
	_, err = n.Backward(batch, dLoss)
	require.NoError(t, err)
	require.NoError(t, n.Step())

	out1, err := n.Forward(batch)
	require.NoError(t, err)
	out2, err := clone.Forward(batch)
	require.NoError(t, err)
	require.NotEqual(t, out1, out2)
}
