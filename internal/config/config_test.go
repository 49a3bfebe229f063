package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AnthonyKot/chess-rl/internal/chesserr"
	"github.com/AnthonyKot/chess-rl/internal/config"
	"github.com/AnthonyKot/chess-rl/internal/parameters"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}

func TestFromParamsOverlaysRecognizedKeys(t *testing.T) {
	p := parameters.Params(parameters.NewFromConfigString(
		"seed=42,iterations=50,games_per_iteration=8,batch_size=16,gamma=0.95,double_dqn,replay_type=prioritized,exploration=ucb,hidden_layers=128x64x32,warmup=100"))

	cfg, err := config.FromParams(p)
	require.NoError(t, err)
	require.Empty(t, p, "every recognized key must be consumed")

	require.NotNil(t, cfg.Seed)
	require.EqualValues(t, 42, *cfg.Seed)
	require.Equal(t, 50, cfg.Iterations)
	require.Equal(t, 8, cfg.GamesPerIteration)
	require.Equal(t, 16, cfg.BatchSize)
	require.InDelta(t, 0.95, cfg.Gamma, 1e-6)
	require.True(t, cfg.DoubleDQN)
	require.Equal(t, config.ReplayPrioritized, cfg.ReplayType)
	require.Equal(t, config.ExplorationUCB, cfg.Exploration)
	require.Equal(t, []int{128, 64, 32}, cfg.HiddenLayers)
	require.Equal(t, 100, cfg.Warmup)
}

func TestFromParamsLeavesUnknownKeysForCallerToReject(t *testing.T) {
	p := parameters.Params(parameters.NewFromConfigString("iterations=5,no_such_option=1"))
	_, err := config.FromParams(p)
	require.NoError(t, err)
	require.Contains(t, p, "no_such_option")
}

func TestFromParamsRejectsBadHiddenLayers(t *testing.T) {
	p := parameters.Params(parameters.NewFromConfigString("hidden_layers=64xbogus"))
	_, err := config.FromParams(p)
	require.ErrorIs(t, err, chesserr.ErrConfigInvalid)
}

func TestValidateRejectsUnknownEnums(t *testing.T) {
	cfg := config.Default()
	cfg.ReplayType = "reservoir"
	require.ErrorIs(t, cfg.Validate(), chesserr.ErrConfigInvalid)

	cfg = config.Default()
	cfg.Exploration = "thompson"
	require.ErrorIs(t, cfg.Validate(), chesserr.ErrConfigInvalid)

	cfg = config.Default()
	cfg.Optimizer = "rmsprop"
	require.ErrorIs(t, cfg.Validate(), chesserr.ErrConfigInvalid)
}

func TestValidateRejectsDeterministicModeWithManyWorkers(t *testing.T) {
	cfg := config.Default()
	cfg.DeterministicMode = true
	cfg.Workers = 4
	require.ErrorIs(t, cfg.Validate(), chesserr.ErrConfigInvalid)
}

func TestValidateRejectsUndersizedReplay(t *testing.T) {
	cfg := config.Default()
	cfg.ReplayCapacity = cfg.BatchSize - 1
	require.ErrorIs(t, cfg.Validate(), chesserr.ErrConfigInvalid)
}
