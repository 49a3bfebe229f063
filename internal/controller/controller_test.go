package controller_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AnthonyKot/chess-rl/internal/action"
	"github.com/AnthonyKot/chess-rl/internal/chess"
	"github.com/AnthonyKot/chess-rl/internal/chess/chesstest"
	"github.com/AnthonyKot/chess-rl/internal/checkpoint"
	"github.com/AnthonyKot/chess-rl/internal/config"
	"github.com/AnthonyKot/chess-rl/internal/controller"
	"github.com/AnthonyKot/chess-rl/internal/dqn"
	"github.com/AnthonyKot/chess-rl/internal/encoding"
	"github.com/AnthonyKot/chess-rl/internal/exploration"
	"github.com/AnthonyKot/chess-rl/internal/network"
	"github.com/AnthonyKot/chess-rl/internal/network/densenet"
	"github.com/AnthonyKot/chess-rl/internal/replay"
	"github.com/AnthonyKot/chess-rl/internal/rngstreams"
	"github.com/AnthonyKot/chess-rl/internal/selfplay"
)

func testConfig(t *testing.T, iterations int) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Iterations = iterations
	cfg.GamesPerIteration = 2
	cfg.MaxStepsPerGame = 10
	cfg.Workers = 1
	cfg.BatchSize = 4
	cfg.UpdatesPerIteration = 2
	cfg.TargetUpdateEvery = 1000
	cfg.EvalGames = 2
	cfg.ReplayCapacity = 200
	cfg.CheckpointDir = t.TempDir()
	cfg.MaxVersions = 100
	return cfg
}

func newNetwork(cfg config.Config, seed uint64) (network.Network, error) {
	opt := densenet.SGDMomentum
	if cfg.Optimizer == config.OptimizerAdam {
		opt = densenet.Adam
	}
	return densenet.New(densenet.Config{
		InputDim: encoding.VectorSize, OutputDim: action.NumActions,
		HiddenLayers: cfg.HiddenLayers, LearningRate: cfg.LearningRate,
		GradClipNorm: cfg.GradClipNorm, Optimizer: opt, Seed: seed,
	})
}

// buildController wires a full Controller the way cmd/trainer's setup does, so
// these tests exercise the real dependency graph rather than mocks.
func buildController(t *testing.T, cfg config.Config) *controller.Controller {
	t.Helper()
	master := uint64(0)
	if cfg.Seed != nil {
		master = *cfg.Seed
	}
	seeds := rngstreams.NewSeedConfig(master)
	codec := &action.Codec{}

	nnInit := seeds.NewStream(rngstreams.RoleNNInit, 0)
	online, err := newNetwork(cfg, nnInit.Rand().Uint64())
	require.NoError(t, err)
	target, err := newNetwork(cfg, nnInit.Rand().Uint64())
	require.NoError(t, err)

	exploreStream := seeds.NewStream(rngstreams.RoleExplorationPerWorker, 0)
	schedule := exploration.Schedule{Start: float64(cfg.ExplorationRate), Decay: float64(cfg.ExplorationDecay), Floor: float64(cfg.ExplorationFloor)}
	exploreTmpl := exploration.New(exploration.EpsilonGreedy, schedule, float64(cfg.UCBExploration), exploreStream.Rand())

	learner, err := dqn.New(dqn.Config{
		Gamma: cfg.Gamma, DoubleDQN: cfg.DoubleDQN, TargetUpdateEvery: cfg.TargetUpdateEvery,
		HuberDelta: cfg.HuberDelta, NextStateLegalKnown: cfg.NextStateLegalKnown,
	}, online, target, codec, exploreTmpl)
	require.NoError(t, err)

	replayStream := seeds.NewStream(rngstreams.RoleReplaySampling, 0)
	replayStore := replay.New(cfg.ReplayCapacity, replay.Uniform, float64(cfg.Alpha), float64(cfg.Beta), replayStream.Rand())

	worker := selfplay.New(selfplay.Config{
		MaxSteps: cfg.MaxStepsPerGame, AdjudicationMaterialDiff: cfg.AdjudicationMaterialDiff,
		WinReward: cfg.WinReward, LossReward: cfg.LossReward, DrawReward: cfg.DrawReward,
		StepPenalty: cfg.StepPenalty, StepLimitPenalty: cfg.StepLimitPenalty,
		NextStateLegalKnown: cfg.NextStateLegalKnown,
	}, codec)
	orchestrator := selfplay.NewOrchestrator(worker)

	evalWorker := selfplay.New(selfplay.Config{
		MaxSteps: cfg.MaxStepsPerGame, AdjudicationMaterialDiff: cfg.EvalAdjudicationThreshold,
		WinReward: cfg.WinReward, LossReward: cfg.LossReward, DrawReward: cfg.DrawReward,
		NextStateLegalKnown: cfg.NextStateLegalKnown,
	}, codec)

	checkpoints, err := checkpoint.Open(cfg.CheckpointDir, cfg.MaxVersions)
	require.NoError(t, err)

	networkFactory := func() (network.Network, error) { return newNetwork(cfg, 0) }
	startFn := func() chess.Position { return chesstest.NewStandard() }

	return controller.New(cfg, seeds, codec, learner, exploreTmpl, replayStore, worker, evalWorker, orchestrator, checkpoints, checkpoint.FormatTagDensenet, networkFactory, startFn)
}

func TestRunProducesOneResultPerIterationAndSavesCheckpoints(t *testing.T) {
	cfg := testConfig(t, 3)
	ctrl := buildController(t, cfg)

	results, reason, err := ctrl.Run(1)
	require.NoError(t, err)
	require.Equal(t, controller.StopMaxIterations, reason)
	require.Len(t, results, 3)
	for i, r := range results {
		require.Equal(t, i+1, r.Iteration)
		require.NotEmpty(t, r.CheckpointID)
	}
}

func TestRunIsDeterministicAcrossControllersWithSameSeed(t *testing.T) {
	seed := uint64(123)
	cfg1 := testConfig(t, 2)
	cfg1.Seed = &seed
	cfg2 := testConfig(t, 2)
	cfg2.Seed = &seed

	results1, _, err := buildController(t, cfg1).Run(1)
	require.NoError(t, err)
	results2, _, err := buildController(t, cfg2).Run(1)
	require.NoError(t, err)

	require.Len(t, results1, 2)
	require.Len(t, results2, 2)
	for i := range results1 {
		require.Equal(t, results1[i].Eval.WinRate, results2[i].Eval.WinRate, "iteration %d win rate", i+1)
		require.Equal(t, results1[i].OpponentTag, results2[i].OpponentTag, "iteration %d opponent", i+1)
	}
}

func TestRunStartIterationNumbersResultsFromTheResumePoint(t *testing.T) {
	cfg := testConfig(t, 5)
	ctrl := buildController(t, cfg)

	results, reason, err := ctrl.Run(3)
	require.NoError(t, err)
	require.Equal(t, controller.StopMaxIterations, reason)
	require.Len(t, results, 3)
	require.Equal(t, 3, results[0].Iteration)
	require.Equal(t, 4, results[1].Iteration)
	require.Equal(t, 5, results[2].Iteration)
}

func TestRunStartIterationPastCfgIterationsRunsNothing(t *testing.T) {
	cfg := testConfig(t, 3)
	ctrl := buildController(t, cfg)

	results, reason, err := ctrl.Run(10)
	require.NoError(t, err)
	require.Equal(t, controller.StopMaxIterations, reason)
	require.Empty(t, results)
}

func TestStopReturnsOperatorReason(t *testing.T) {
	cfg := testConfig(t, 5)
	ctrl := buildController(t, cfg)
	ctrl.Stop()

	results, reason, err := ctrl.Run(1)
	require.NoError(t, err)
	require.Equal(t, controller.StopOperator, reason)
	require.Empty(t, results)
}
