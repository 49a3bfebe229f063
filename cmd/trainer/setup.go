// Wires every internal/ package into a runnable TrainingController from a chain
// of small constructor calls driven by command-line flags rather than a config
// file.
package main

import (
	"time"

	"github.com/pkg/errors"

	"github.com/AnthonyKot/chess-rl/internal/action"
	"github.com/AnthonyKot/chess-rl/internal/checkpoint"
	"github.com/AnthonyKot/chess-rl/internal/chess"
	"github.com/AnthonyKot/chess-rl/internal/chess/chesstest"
	"github.com/AnthonyKot/chess-rl/internal/config"
	"github.com/AnthonyKot/chess-rl/internal/controller"
	"github.com/AnthonyKot/chess-rl/internal/dqn"
	"github.com/AnthonyKot/chess-rl/internal/encoding"
	"github.com/AnthonyKot/chess-rl/internal/exploration"
	"github.com/AnthonyKot/chess-rl/internal/network"
	"github.com/AnthonyKot/chess-rl/internal/network/densenet"
	"github.com/AnthonyKot/chess-rl/internal/network/gomlxnet"
	"github.com/AnthonyKot/chess-rl/internal/replay"
	"github.com/AnthonyKot/chess-rl/internal/rngstreams"
	"github.com/AnthonyKot/chess-rl/internal/selfplay"
)

// startPosition is the concrete chess.Position this CLI drives the core loop
// with. A real rule engine is an external collaborator out of scope for this
// repository; chesstest's rules-light board is the only concrete implementation
// here and is wired in deliberately, not as an oversight (see DESIGN.md).
func startPosition() chess.Position { return chesstest.NewStandard() }

// densenetConfig builds the densenet.Config every densenet network in this process
// uses, from cfg's hidden_layers/learning_rate/optimizer/grad_clip_norm.
func densenetConfig(cfg config.Config, seed uint64) densenet.Config {
	opt := densenet.SGDMomentum
	if cfg.Optimizer == config.OptimizerAdam {
		opt = densenet.Adam
	}
	return densenet.Config{
		InputDim:     encoding.VectorSize,
		OutputDim:    action.NumActions,
		HiddenLayers: cfg.HiddenLayers,
		LearningRate: cfg.LearningRate,
		GradClipNorm: cfg.GradClipNorm,
		Optimizer:    opt,
		Seed:         seed,
	}
}

// gomlxnetConfig mirrors densenetConfig for the gomlx-backed production network.
func gomlxnetConfig(cfg config.Config) gomlxnet.Config {
	opt := "sgd"
	if cfg.Optimizer == config.OptimizerAdam {
		opt = "adam"
	}
	return gomlxnet.Config{
		InputDim:     encoding.VectorSize,
		OutputDim:    action.NumActions,
		HiddenLayers: cfg.HiddenLayers,
		LearningRate: float64(cfg.LearningRate),
		Optimizer:    opt,
	}
}

// newNetwork builds one network.Network instance using the backend cfg selects,
// seeded from seed for the backends (densenet) whose initialization draws from
// the partitioned RNG stream.
func newNetwork(cfg config.Config, seed uint64) (network.Network, error) {
	switch cfg.NetworkBackend {
	case config.NetworkBackendGomlx:
		return gomlxnet.New(gomlxnetConfig(cfg))
	default:
		return densenet.New(densenetConfig(cfg, seed))
	}
}

// components bundles everything buildComponents wires together, handed to each
// subcommand.
type components struct {
	cfg          config.Config
	seeds        rngstreams.SeedConfig
	codec        *action.Codec
	learner      *dqn.Learner
	exploreTmpl  *exploration.Policy
	replayStore  *replay.Store
	worker       *selfplay.Worker
	evalWorker   *selfplay.Worker
	orchestrator *selfplay.Orchestrator
	checkpoints  *checkpoint.Store
	formatTag    byte
	ctrl         *controller.Controller
}

// buildComponents constructs the full dependency graph for cfg as a flat
// sequence of construction calls, no DI container.
func buildComponents(cfg config.Config) (*components, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// An absent seed means non-deterministic operation: the master is drawn from
	// the clock and every derived stream stays reproducible only within this
	// process lifetime.
	master := uint64(time.Now().UnixNano())
	if cfg.Seed != nil {
		master = *cfg.Seed
	}
	seeds := rngstreams.NewSeedConfig(master)

	codec := &action.Codec{}

	nnInit := seeds.NewStream(rngstreams.RoleNNInit, 0)
	online, err := newNetwork(cfg, nnInit.Rand().Uint64())
	if err != nil {
		return nil, errors.Wrap(err, "trainer: failed to build online network")
	}
	target, err := newNetwork(cfg, nnInit.Rand().Uint64())
	if err != nil {
		return nil, errors.Wrap(err, "trainer: failed to build target network")
	}

	explorationKind := exploration.EpsilonGreedy
	switch cfg.Exploration {
	case config.ExplorationBoltzmann:
		explorationKind = exploration.Softmax
	case config.ExplorationUCB:
		explorationKind = exploration.UCB
	}
	schedule := exploration.Schedule{Start: float64(cfg.ExplorationRate), Decay: float64(cfg.ExplorationDecay), Floor: float64(cfg.ExplorationFloor)}
	exploreStream := seeds.NewStream(rngstreams.RoleExplorationPerWorker, 0)
	exploreTmpl := exploration.New(explorationKind, schedule, float64(cfg.UCBExploration), exploreStream.Rand())

	learner, err := dqn.New(dqn.Config{
		Gamma: cfg.Gamma, DoubleDQN: cfg.DoubleDQN, TargetUpdateEvery: cfg.TargetUpdateEvery,
		HuberDelta: cfg.HuberDelta, NextStateLegalKnown: cfg.NextStateLegalKnown,
	}, online, target, codec, exploreTmpl)
	if err != nil {
		return nil, errors.Wrap(err, "trainer: failed to build learner")
	}

	replayKind := replay.Uniform
	if cfg.ReplayType == config.ReplayPrioritized {
		replayKind = replay.Prioritized
	}
	replayStream := seeds.NewStream(rngstreams.RoleReplaySampling, 0)
	replayStore := replay.New(cfg.ReplayCapacity, replayKind, float64(cfg.Alpha), float64(cfg.Beta), replayStream.Rand())

	worker := selfplay.New(selfplay.Config{
		MaxSteps: cfg.MaxStepsPerGame, AdjudicationMaterialDiff: cfg.AdjudicationMaterialDiff,
		WinReward: cfg.WinReward, LossReward: cfg.LossReward, DrawReward: cfg.DrawReward,
		StepPenalty: cfg.StepPenalty, StepLimitPenalty: cfg.StepLimitPenalty,
		NextStateLegalKnown: cfg.NextStateLegalKnown,
	}, codec)
	orchestrator := selfplay.NewOrchestrator(worker)

	// Evaluation games adjudicate with their own threshold, so measurement
	// policy can be stricter or looser than training policy.
	evalWorker := selfplay.New(selfplay.Config{
		MaxSteps: cfg.MaxStepsPerGame, AdjudicationMaterialDiff: cfg.EvalAdjudicationThreshold,
		WinReward: cfg.WinReward, LossReward: cfg.LossReward, DrawReward: cfg.DrawReward,
		NextStateLegalKnown: cfg.NextStateLegalKnown,
	}, codec)

	checkpoints, err := checkpoint.Open(cfg.CheckpointDir, cfg.MaxVersions)
	if err != nil {
		return nil, errors.Wrap(err, "trainer: failed to open checkpoint store")
	}

	formatTag := checkpoint.FormatTagDensenet
	if cfg.NetworkBackend == config.NetworkBackendGomlx {
		formatTag = checkpoint.FormatTagGomlxnet
	}
	networkFactory := func() (network.Network, error) {
		return newNetwork(cfg, 0)
	}

	ctrl := controller.New(cfg, seeds, codec, learner, exploreTmpl, replayStore, worker, evalWorker, orchestrator, checkpoints, formatTag, networkFactory, startPosition)

	return &components{
		cfg: cfg, seeds: seeds, codec: codec, learner: learner, exploreTmpl: exploreTmpl,
		replayStore: replayStore, worker: worker, evalWorker: evalWorker, orchestrator: orchestrator,
		checkpoints: checkpoints, formatTag: formatTag, ctrl: ctrl,
	}, nil
}
