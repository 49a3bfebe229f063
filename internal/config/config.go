// Package config defines the process-wide, immutable-after-startup configuration
// table. Loading it from files/flags is out of scope for this package; it only
// defines the typed structure and the decode-from-parameters.Params path, the
// way a gomlx-style extractParams helper pulls typed hyperparameters out of a
// generic Params map.
package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/AnthonyKot/chess-rl/internal/chesserr"
	"github.com/AnthonyKot/chess-rl/internal/parameters"
)

// ReplayKind selects ReplayStore's sampling mode.
type ReplayKind string

const (
	ReplayUniform     ReplayKind = "uniform"
	ReplayPrioritized ReplayKind = "prioritized"
)

// ExplorationKind selects the ExplorationPolicy variant.
type ExplorationKind string

const (
	ExplorationEpsilonGreedy ExplorationKind = "epsilon_greedy"
	ExplorationBoltzmann     ExplorationKind = "boltzmann"
	ExplorationUCB           ExplorationKind = "ucb"
)

// OptimizerKind selects the DQNLearner's optimizer.
type OptimizerKind string

const (
	OptimizerAdam OptimizerKind = "adam"
	OptimizerSGD  OptimizerKind = "sgd"
)

// EvalOpponentKind selects what EvaluationHarness and the opponent pool play against.
type EvalOpponentKind string

const (
	OpponentHeuristic EvalOpponentKind = "heuristic"
	OpponentMinimax   EvalOpponentKind = "minimax"
)

// NetworkBackendKind selects the network.Network implementation the learner,
// target, and opponent-pool networks are built from.
type NetworkBackendKind string

const (
	// NetworkBackendDensenet is the dependency-free, deterministic backend used by
	// default and by every determinism/round-trip test.
	NetworkBackendDensenet NetworkBackendKind = "densenet"
	// NetworkBackendGomlx is the gomlx/XLA-backed production backend.
	NetworkBackendGomlx NetworkBackendKind = "gomlx"
)

// Config is the full process-wide configuration table.
type Config struct {
	// Seed is the master seed all RNG streams derive from (see internal/rngstreams).
	// A nil Seed means non-deterministic operation.
	Seed *uint64

	// DeterministicMode requires Workers<=1: Validate rejects it with more workers.
	DeterministicMode bool

	Iterations int

	GamesPerIteration int
	MaxStepsPerGame   int
	Workers           int

	BatchSize           int
	UpdatesPerIteration int
	Gamma               float32
	LearningRate        float32
	Optimizer           OptimizerKind
	HiddenLayers        []int
	NetworkBackend      NetworkBackendKind

	ReplayCapacity int
	ReplayType     ReplayKind
	Alpha          float32 // priority exponent
	Beta           float32 // importance-sampling exponent

	// Warmup is the replay fill level required before any learner update runs;
	// zero means one batch.
	Warmup int

	Exploration      ExplorationKind
	ExplorationRate  float32 // epsilon or temperature, depending on Exploration
	ExplorationDecay float32
	ExplorationFloor float32
	UCBExploration   float32 // the "c" constant in UCB

	DoubleDQN         bool
	TargetUpdateEvery int

	GradClipNorm float32
	HuberDelta   float32

	EvalGames        int
	EvalOpponent     EvalOpponentKind
	EvalMinimaxDepth int

	// EvalAdjudicationThreshold is the step-limit adjudication material
	// threshold for evaluation games, configured separately from the self-play
	// one so measurement policy can differ from training policy.
	EvalAdjudicationThreshold int

	WinReward          float32
	LossReward         float32
	DrawReward         float32
	StepPenalty        float32
	StepLimitPenalty   float32
	AdjudicationMaterialDiff int

	CheckpointDir   string
	CheckpointEvery int
	MaxVersions     int

	// NextStateLegalKnown records whether the environment exposes the legal-action
	// set at the next state for the double-Q target. When false, DQNLearner
	// computes the bootstrap max over all actions.
	NextStateLegalKnown bool

	// OpponentMixProbability ("p_mix") is the probability of drawing a random
	// historical opponent instead of the latest-best snapshot.
	OpponentMixProbability float32

	// Early-stop thresholds.
	StagnationIterations  int
	StagnationVarianceMax float32
	ConvergenceScore      float32
	InstabilityIterations int
	PatienceIterations    int
}

// Default returns a Config with values from a representative benchmark
// scenario, a reasonable starting point for experimentation.
func Default() Config {
	return Config{
		DeterministicMode:   false,
		Iterations:          10,
		GamesPerIteration:   20,
		MaxStepsPerGame:     200,
		Workers:             1,
		BatchSize:           32,
		UpdatesPerIteration: 0,
		Gamma:               0.99,
		LearningRate:        1e-3,
		Optimizer:           OptimizerAdam,
		HiddenLayers:        []int{64, 32},
		NetworkBackend:      NetworkBackendDensenet,
		ReplayCapacity:      10_000,
		ReplayType:          ReplayUniform,
		Alpha:               0.6,
		Beta:                0.4,
		Warmup:              0,
		Exploration:         ExplorationEpsilonGreedy,
		ExplorationRate:     0.2,
		ExplorationDecay:    0.98,
		ExplorationFloor:    0.02,
		UCBExploration:      1.4,
		DoubleDQN:           false,
		TargetUpdateEvery:   200,
		GradClipNorm:        10.0,
		HuberDelta:          1.0,
		EvalGames:                 40,
		EvalOpponent:              OpponentHeuristic,
		EvalMinimaxDepth:          2,
		EvalAdjudicationThreshold: 5,
		WinReward:                1,
		LossReward:                -1,
		DrawReward:                0,
		StepPenalty:               0,
		StepLimitPenalty:          0,
		AdjudicationMaterialDiff:  5,
		CheckpointDir:             "checkpoints",
		CheckpointEvery:           1,
		MaxVersions:               20,
		NextStateLegalKnown:       true,
		OpponentMixProbability:    0.2,
		StagnationIterations:      10,
		StagnationVarianceMax:     1e-4,
		ConvergenceScore:          0.95,
		InstabilityIterations:     3,
		PatienceIterations:        20,
	}
}

// FromParams overlays values present in p onto a copy of Default(), consuming
// (popping) every key it recognizes so the caller can detect unknown keys.
func FromParams(p parameters.Params) (Config, error) {
	c := Default()

	popInt := func(key string, dst *int) error {
		v, err := parameters.PopParamOr(p, key, *dst)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
	popFloat := func(key string, dst *float32) error {
		v, err := parameters.PopParamOr(p, key, *dst)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
	popBool := func(key string, dst *bool) error {
		v, err := parameters.PopParamOr(p, key, *dst)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
	popString := func(key string, dst *string) error {
		v, err := parameters.PopParamOr(p, key, *dst)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}

	var seed int
	hasSeed := false
	if _, ok := p["seed"]; ok {
		hasSeed = true
		if err := popInt("seed", &seed); err != nil {
			return c, errors.WithMessage(err, "config")
		}
	}
	if hasSeed {
		u := uint64(seed)
		c.Seed = &u
	}

	ints := map[string]*int{
		"iterations":                  &c.Iterations,
		"games_per_iteration":         &c.GamesPerIteration,
		"max_steps_per_game":          &c.MaxStepsPerGame,
		"workers":                     &c.Workers,
		"batch_size":                  &c.BatchSize,
		"updates_per_iteration":       &c.UpdatesPerIteration,
		"target_update_every":         &c.TargetUpdateEvery,
		"replay_capacity":             &c.ReplayCapacity,
		"eval_games":                  &c.EvalGames,
		"eval_minimax_depth":          &c.EvalMinimaxDepth,
		"eval_adjudication_threshold": &c.EvalAdjudicationThreshold,
		"checkpoint_every":            &c.CheckpointEvery,
		"max_versions":                &c.MaxVersions,
		"warmup":                      &c.Warmup,
		"adjudication_material_diff":  &c.AdjudicationMaterialDiff,
	}
	for key, dst := range ints {
		if err := popInt(key, dst); err != nil {
			return c, errors.WithMessagef(err, "config: %s", key)
		}
	}

	floats := map[string]*float32{
		"gamma":              &c.Gamma,
		"learning_rate":      &c.LearningRate,
		"alpha":              &c.Alpha,
		"beta":               &c.Beta,
		"exploration_rate":   &c.ExplorationRate,
		"exploration_decay":  &c.ExplorationDecay,
		"exploration_floor":  &c.ExplorationFloor,
		"ucb_c":              &c.UCBExploration,
		"grad_clip_norm":     &c.GradClipNorm,
		"huber_delta":        &c.HuberDelta,
		"win_reward":         &c.WinReward,
		"loss_reward":        &c.LossReward,
		"draw_reward":        &c.DrawReward,
		"step_penalty":       &c.StepPenalty,
		"step_limit_penalty": &c.StepLimitPenalty,
		"opponent_mix":       &c.OpponentMixProbability,
	}
	for key, dst := range floats {
		if err := popFloat(key, dst); err != nil {
			return c, errors.WithMessagef(err, "config: %s", key)
		}
	}

	bools := map[string]*bool{
		"deterministic_mode":    &c.DeterministicMode,
		"double_dqn":            &c.DoubleDQN,
		"next_state_legal_known": &c.NextStateLegalKnown,
	}
	for key, dst := range bools {
		if err := popBool(key, dst); err != nil {
			return c, errors.WithMessagef(err, "config: %s", key)
		}
	}

	var optimizer, replayType, exploration, evalOpponent, checkpointDir, networkBackend string
	optimizer = string(c.Optimizer)
	replayType = string(c.ReplayType)
	exploration = string(c.Exploration)
	evalOpponent = string(c.EvalOpponent)
	checkpointDir = c.CheckpointDir
	networkBackend = string(c.NetworkBackend)
	for key, dst := range map[string]*string{
		"optimizer":        &optimizer,
		"replay_type":      &replayType,
		"exploration":      &exploration,
		"eval_opponent":    &evalOpponent,
		"checkpoint_dir":   &checkpointDir,
		"network_backend":  &networkBackend,
	} {
		if err := popString(key, dst); err != nil {
			return c, errors.WithMessagef(err, "config: %s", key)
		}
	}
	c.Optimizer = OptimizerKind(optimizer)
	c.ReplayType = ReplayKind(replayType)
	c.Exploration = ExplorationKind(exploration)
	c.EvalOpponent = EvalOpponentKind(evalOpponent)
	c.CheckpointDir = checkpointDir
	c.NetworkBackend = NetworkBackendKind(networkBackend)

	// hidden_layers cannot use PopParamOr: its value is a list, written with "x"
	// separators ("hidden_layers=64x32") since "," already delimits Params entries.
	if raw, ok := p["hidden_layers"]; ok {
		delete(p, "hidden_layers")
		layers, err := parseHiddenLayers(raw)
		if err != nil {
			return c, errors.WithMessage(err, "config: hidden_layers")
		}
		c.HiddenLayers = layers
	}

	return c, c.Validate()
}

func parseHiddenLayers(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, "x")
	layers := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(chesserr.ErrConfigInvalid, "bad layer width %q", part)
		}
		if n <= 0 {
			return nil, errors.Wrapf(chesserr.ErrConfigInvalid, "layer width must be > 0, got %d", n)
		}
		layers = append(layers, n)
	}
	return layers, nil
}

// Validate checks the invariants a ConfigInvalid error must catch at startup,
// before any training state is created.
func (c Config) Validate() error {
	if c.Iterations <= 0 {
		return errors.Wrap(chesserr.ErrConfigInvalid, "iterations must be > 0")
	}
	if c.GamesPerIteration <= 0 {
		return errors.Wrap(chesserr.ErrConfigInvalid, "games_per_iteration must be > 0")
	}
	if c.BatchSize <= 0 {
		return errors.Wrap(chesserr.ErrConfigInvalid, "batch_size must be > 0")
	}
	if c.ReplayCapacity < c.BatchSize {
		return errors.Wrap(chesserr.ErrConfigInvalid, "replay_capacity must be >= batch_size")
	}
	if c.Warmup < 0 {
		return errors.Wrap(chesserr.ErrConfigInvalid, "warmup must be >= 0")
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return errors.Wrap(chesserr.ErrConfigInvalid, "gamma must be in [0,1]")
	}
	if c.ReplayType != ReplayUniform && c.ReplayType != ReplayPrioritized {
		return errors.Wrapf(chesserr.ErrConfigInvalid, "unknown replay_type %q", c.ReplayType)
	}
	if c.Exploration != ExplorationEpsilonGreedy && c.Exploration != ExplorationBoltzmann && c.Exploration != ExplorationUCB {
		return errors.Wrapf(chesserr.ErrConfigInvalid, "unknown exploration %q", c.Exploration)
	}
	if c.Optimizer != OptimizerAdam && c.Optimizer != OptimizerSGD {
		return errors.Wrapf(chesserr.ErrConfigInvalid, "unknown optimizer %q", c.Optimizer)
	}
	if c.NetworkBackend != NetworkBackendDensenet && c.NetworkBackend != NetworkBackendGomlx {
		return errors.Wrapf(chesserr.ErrConfigInvalid, "unknown network_backend %q", c.NetworkBackend)
	}
	if c.TargetUpdateEvery <= 0 {
		return errors.Wrap(chesserr.ErrConfigInvalid, "target_update_every must be > 0")
	}
	if c.DeterministicMode && c.Workers > 1 {
		return errors.Wrap(chesserr.ErrConfigInvalid, "deterministic_mode requires workers<=1")
	}
	return nil
}
