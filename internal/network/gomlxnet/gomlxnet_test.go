package gomlxnet_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AnthonyKot/chess-rl/internal/network/gomlxnet"
)

func baseConfig() gomlxnet.Config {
	return gomlxnet.Config{
		InputDim:     4,
		OutputDim:    2,
		HiddenLayers: []int{8},
		LearningRate: 0.05,
		Optimizer:    "adam",
	}
}

func TestNewRejectsNonPositiveDims(t *testing.T) {
	cfg := baseConfig()
	cfg.InputDim = 0
	_, err := gomlxnet.New(cfg)
	require.Error(t, err)
}

func TestForwardProducesOneRowPerInput(t *testing.T) {
	n, err := gomlxnet.New(baseConfig())
	require.NoError(t, err)

	batch := [][]float32{{0.1, 0.2, 0.3, 0.4}, {-0.5, 0.0, 0.25, 1.0}}
	out, err := n.Forward(batch)
	require.NoError(t, err)
	require.Len(t, out, len(batch))
	for _, row := range out {
		require.Len(t, row, baseConfig().OutputDim)
	}
}

func TestSnapshotLoadRoundTrip(t *testing.T) {
	n, err := gomlxnet.New(baseConfig())
	require.NoError(t, err)
	batch := [][]float32{{0.1, 0.2, 0.3, 0.4}}

	snap := n.Snapshot()

	clone, err := gomlxnet.New(baseConfig())
	require.NoError(t, err)
	require.NoError(t, clone.Load(snap))

	out1, err := n.Forward(batch)
	require.NoError(t, err)
	out2, err := clone.Forward(batch)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}

func TestCloneIsIndependent(t *testing.T) {
	n, err := gomlxnet.New(baseConfig())
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

func TestLoadRejectsForeignParams(t *testing.T) {
	n, err := gomlxnet.New(baseConfig())
	require.NoError(t, err)
	require.Error(t, n.Load(foreignParams{}))
}

type foreignParams struct{}

func (foreignParams) BackendTag() string { return "not-gomlxnet" }
