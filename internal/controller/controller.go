// Package controller implements the outermost state machine driving
// SelfPlaying → Training → Evaluating → Checkpointing each iteration, selecting
// opponents from the checkpoint pool, and applying the early-stop criteria. The
// phase sequencing and single-atomic-stop-flag cancellation model follow an
// outer loop alternating self-play generation and scoring/training passes with
// context-cancellation-driven shutdown, generalized here into an explicit
// six-state machine instead of a fixed two-phase loop.
package controller

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/AnthonyKot/chess-rl/internal/action"
	"github.com/AnthonyKot/chess-rl/internal/agent"
	"github.com/AnthonyKot/chess-rl/internal/checkpoint"
	"github.com/AnthonyKot/chess-rl/internal/chess"
	"github.com/AnthonyKot/chess-rl/internal/chesserr"
	"github.com/AnthonyKot/chess-rl/internal/config"
	"github.com/AnthonyKot/chess-rl/internal/dqn"
	"github.com/AnthonyKot/chess-rl/internal/encoding"
	"github.com/AnthonyKot/chess-rl/internal/evaluation"
	"github.com/AnthonyKot/chess-rl/internal/exploration"
	"github.com/AnthonyKot/chess-rl/internal/network"
	"github.com/AnthonyKot/chess-rl/internal/opponents"
	"github.com/AnthonyKot/chess-rl/internal/replay"
	"github.com/AnthonyKot/chess-rl/internal/rngstreams"
	"github.com/AnthonyKot/chess-rl/internal/selfplay"
)

// State is one of the six states the controller cycles through.
type State int

const (
	Idle State = iota
	SelfPlaying
	Training
	Evaluating
	Checkpointing
	Stopped
)

func (s State) String() string {
	switch s {
	case SelfPlaying:
		return "self_playing"
	case Training:
		return "training"
	case Evaluating:
		return "evaluating"
	case Checkpointing:
		return "checkpointing"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

// StopReason names why Run returned before exhausting cfg.Iterations.
type StopReason int

const (
	StopNone StopReason = iota
	StopMaxIterations
	StopStagnation
	StopConvergence
	StopInstability
	StopPatience
	StopOperator
)

func (r StopReason) String() string {
	switch r {
	case StopMaxIterations:
		return "max_iterations"
	case StopStagnation:
		return "stagnation"
	case StopConvergence:
		return "convergence"
	case StopInstability:
		return "instability"
	case StopPatience:
		return "patience"
	case StopOperator:
		return "operator_stop"
	default:
		return "none"
	}
}

// NetworkFactory builds a fresh, untrained network.Network of the backend this
// controller's learner uses. It is how the controller materializes an opponent
// network to Load a historical checkpoint into, without itself depending on a
// concrete backend package (network/densenet or network/gomlxnet).
type NetworkFactory func() (network.Network, error)

// IterationMetrics aggregates one cycle's numbers for logging and dashboards:
// how much was played, what the learner saw, and where the wall-clock went.
type IterationMetrics struct {
	Iteration            int
	GamesPlayed          int
	ExperiencesCollected int

	MeanLoss      float32
	LossVariance  float32
	PolicyEntropy float32
	GradNorm      float32

	Wins, Draws, Losses int
	AvgGameLength       float64
	FallbackCount       int64

	SelfPlayTime time.Duration
	TrainTime    time.Duration
	EvalTime     time.Duration
}

// IterationResult is the per-iteration report Run accumulates.
type IterationResult struct {
	Iteration      int
	OpponentTag    string
	GameResults    []selfplay.GameResult
	TrainStats     []dqn.UpdateStats
	TrainSkipped   bool
	Eval           evaluation.Result
	CheckpointID   string
	IsBest         bool
	InstabilityHit bool
	Metrics        IterationMetrics
}

// Controller is TrainingController.
type Controller struct {
	cfg   config.Config
	seeds rngstreams.SeedConfig
	codec *action.Codec

	learner     *dqn.Learner
	exploreTmpl *exploration.Policy

	replayStore  *replay.Store
	worker       *selfplay.Worker
	evalWorker   *selfplay.Worker
	orchestrator *selfplay.Orchestrator

	checkpoints    *checkpoint.Store
	formatTag      byte
	networkFactory NetworkFactory

	startFn func() chess.Position

	state    State
	stopFlag atomic.Bool

	winRateHistory      []float64
	instabilityStreak   int
	stagnationStreak    int
	iterationsSinceBest int
}

// New constructs a Controller. Every component (learner, replayStore, worker,
// orchestrator, checkpoints) must already be wired to the same cfg; New does not
// build them, instead being handed already-constructed collaborators rather than
// constructing its own dependencies.
func New(
	cfg config.Config,
	seeds rngstreams.SeedConfig,
	codec *action.Codec,
	learner *dqn.Learner,
	exploreTmpl *exploration.Policy,
	replayStore *replay.Store,
	worker *selfplay.Worker,
	evalWorker *selfplay.Worker,
	orchestrator *selfplay.Orchestrator,
	checkpoints *checkpoint.Store,
	formatTag byte,
	networkFactory NetworkFactory,
	startFn func() chess.Position,
) *Controller {
	return &Controller{
		cfg: cfg, seeds: seeds, codec: codec,
		learner: learner, exploreTmpl: exploreTmpl,
		replayStore: replayStore, worker: worker, evalWorker: evalWorker, orchestrator: orchestrator,
		checkpoints: checkpoints, formatTag: formatTag, networkFactory: networkFactory,
		startFn: startFn, state: Idle,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State { return c.state }

// Stop requests cooperative shutdown: workers finish their in-flight game, the
// learner finishes its in-flight batch, and Run returns with StopOperator.
func (c *Controller) Stop() { c.stopFlag.Store(true) }

func (c *Controller) stopRequested() bool { return c.stopFlag.Load() }

// Run drives the state machine from startIteration (1 for a fresh run, or
// checkpoint.Payload.Iteration+1 to continue a resumed one) through
// cfg.Iterations, an early-stop criterion, or Stop() firing, returning every
// iteration's result plus the reason it stopped. Starting at the same iteration
// a prior run left off at derives that run's opponent-pool/self-play/evaluation
// RNG streams from the same index instead of from iter=1 again. The replay store
// is not restored from a checkpoint, so a resumed run refills it from its own
// self-play, and its learner updates and checkpoints are not byte-identical to
// the original run's.
func (c *Controller) Run(startIteration int) ([]IterationResult, StopReason, error) {
	if startIteration < 1 {
		startIteration = 1
	}
	capacity := c.cfg.Iterations - startIteration + 1
	if capacity < 0 {
		capacity = 0
	}
	results := make([]IterationResult, 0, capacity)

	for iter := startIteration; iter <= c.cfg.Iterations; iter++ {
		if c.stopRequested() {
			c.state = Stopped
			return results, StopOperator, nil
		}

		res, err := c.runIteration(iter)
		if err != nil {
			c.state = Stopped
			return results, StopNone, err
		}
		results = append(results, res)

		if reason := c.checkEarlyStop(res, iter); reason != StopNone {
			c.state = Stopped
			return results, reason, nil
		}
	}

	c.state = Stopped
	return results, StopMaxIterations, nil
}

// runIteration executes one pass of self-play, training, evaluation, and
// checkpointing.
func (c *Controller) runIteration(iter int) (IterationResult, error) {
	res := IterationResult{Iteration: iter}

	// Step 1: pick an opponent from the snapshot pool.
	opponentFactory, opponentTag := c.pickOpponent(iter)
	res.OpponentTag = opponentTag

	// Step 2: run the orchestrator, pushing experiences into the replay store.
	c.state = SelfPlaying
	selfPlayStart := time.Now()
	learnerFactory := func(stream *rngstreams.Stream) agent.Agent {
		return c.learner.WithExploration(c.exploreTmpl.Clone(stream.Rand()))
	}
	gameResults, err := c.orchestrator.Run(
		c.cfg.GamesPerIteration, c.cfg.Workers, learnerFactory, opponentFactory,
		c.startFn, c.seeds, c.replayStore, c.stopRequested,
	)
	if err != nil {
		return res, errors.Wrap(err, "controller: self-play failed")
	}
	res.GameResults = gameResults
	c.exploreTmpl.Step()
	selfPlayTime := time.Since(selfPlayStart)

	// Step 3: learner updates, once the replay store has warmed up.
	c.state = Training
	trainStart := time.Now()
	updates := c.cfg.UpdatesPerIteration
	if updates <= 0 {
		updates = c.cfg.GamesPerIteration
	}
	var stats []dqn.UpdateStats
	instabilityHit := false
	if c.replayStore.Len() >= c.warmup() {
		stats, instabilityHit, err = c.trainPhase(updates)
		if err != nil {
			return res, err
		}
	}
	res.TrainStats = stats
	res.TrainSkipped = len(stats) == 0
	res.InstabilityHit = instabilityHit
	trainTime := time.Since(trainStart)

	// Step 4: evaluate against the configured reference opponents.
	c.state = Evaluating
	evalStart := time.Now()
	evalAgent := c.learner.WithExploration(c.greedyPolicy(iter))
	evalOpponent := c.evalOpponent(iter)
	evalResult, _, err := evaluation.Evaluate(
		c.evalWorker, c.cfg.EvalGames, evalAgent, evalOpponent, c.startFn,
	)
	if err != nil {
		return res, errors.Wrap(err, "controller: evaluation failed")
	}
	res.Eval = evalResult
	evalTime := time.Since(evalStart)

	res.Metrics = c.buildMetrics(iter, res, selfPlayTime, trainTime, evalTime)
	klog.V(1).Infof("controller: iteration %d: games=%d experiences=%d loss=%.4f entropy=%.3f W/D/L=%d/%d/%d split=%s/%s/%s",
		iter, res.Metrics.GamesPlayed, res.Metrics.ExperiencesCollected, res.Metrics.MeanLoss, res.Metrics.PolicyEntropy,
		res.Metrics.Wins, res.Metrics.Draws, res.Metrics.Losses, selfPlayTime, trainTime, evalTime)

	// Step 5: checkpoint, marking is_best if this iteration's score is a new best.
	c.state = Checkpointing
	id, isBest, err := c.saveCheckpoint(iter, evalResult)
	if err != nil {
		return res, errors.Wrap(err, "controller: checkpoint save failed")
	}
	res.CheckpointID = id
	res.IsBest = isBest

	return res, nil
}

// warmup is the replay fill level training waits for; a zero config value
// means one batch.
func (c *Controller) warmup() int {
	if c.cfg.Warmup > 0 {
		return c.cfg.Warmup
	}
	return c.cfg.BatchSize
}

// buildMetrics aggregates one iteration's numbers from its game results, update
// stats, and phase timings.
func (c *Controller) buildMetrics(iter int, res IterationResult, selfPlay, train, eval time.Duration) IterationMetrics {
	m := IterationMetrics{
		Iteration:     iter,
		GamesPlayed:   len(res.GameResults),
		FallbackCount: c.codec.FallbackCount(),
		SelfPlayTime:  selfPlay,
		TrainTime:     train,
		EvalTime:      eval,
	}

	var lengthSum int
	for _, gr := range res.GameResults {
		m.ExperiencesCollected += len(gr.Experiences)
		lengthSum += gr.Length
		switch {
		case gr.Outcome == chess.Draw || gr.Outcome == chess.Ongoing:
			m.Draws++
		case (gr.Outcome == chess.WhiteWins) == (gr.LearnerColor == chess.White):
			m.Wins++
		default:
			m.Losses++
		}
	}
	if len(res.GameResults) > 0 {
		m.AvgGameLength = float64(lengthSum) / float64(len(res.GameResults))
	}

	if len(res.TrainStats) > 0 {
		var lossSum, entropySum, gradSum float32
		for _, st := range res.TrainStats {
			lossSum += st.MeanLoss
			entropySum += st.PolicyEntropy
			gradSum += st.GradNorm
		}
		n := float32(len(res.TrainStats))
		m.MeanLoss = lossSum / n
		m.PolicyEntropy = entropySum / n
		m.GradNorm = gradSum / n
		var varSum float32
		for _, st := range res.TrainStats {
			d := st.MeanLoss - m.MeanLoss
			varSum += d * d
		}
		m.LossVariance = varSum / n
	}
	return m
}

// trainPhase performs up to `updates` learner updates, skipping entirely if the
// replay store cannot yet fill one batch (chesserr.ErrInsufficientData, not
// fatal). A numeric-instability batch is discarded (its stats omitted) rather than
// aborting the remaining updates, with instabilityHit reporting whether at least
// one occurred this iteration for the controller's K_unstable bookkeeping.
func (c *Controller) trainPhase(updates int) ([]dqn.UpdateStats, bool, error) {
	stats := make([]dqn.UpdateStats, 0, updates)
	instabilityHit := false

	for u := 0; u < updates; u++ {
		if c.stopRequested() {
			break
		}
		batch, err := c.replayStore.Sample(c.cfg.BatchSize)
		if errors.Is(err, chesserr.ErrInsufficientData) {
			break
		}
		if err != nil {
			return stats, instabilityHit, errors.Wrap(err, "controller: replay sample failed")
		}

		st, err := c.learner.TrainBatch(batch)
		if errors.Is(err, chesserr.ErrNumericInstability) {
			instabilityHit = true
			klog.Warningf("controller: discarding batch after numeric instability (update %d)", u)
			continue
		}
		if err != nil {
			return stats, instabilityHit, errors.Wrap(err, "controller: TrainBatch failed")
		}

		if c.cfg.ReplayType == config.ReplayPrioritized {
			priorities := make([]float64, len(batch.Indices))
			for i, d := range st.PerSampleAbsDelta {
				priorities[i] = d
			}
			c.replayStore.UpdatePriorities(batch.Indices, priorities)
		}
		stats = append(stats, st)
	}
	return stats, instabilityHit, nil
}

// greedyPolicy builds a deterministic (epsilon=0) exploration.Policy so evaluation
// measures the learner's actual argmax behavior, not its training-time exploration.
func (c *Controller) greedyPolicy(iter int) *exploration.Policy {
	stream := c.seeds.NewStream(rngstreams.RoleEvaluation, uint64(iter))
	return exploration.New(exploration.EpsilonGreedy, exploration.Schedule{Start: 0, Decay: 1, Floor: 0}, 0, stream.Rand())
}

// evalOpponent builds the fixed reference opponent named by cfg.EvalOpponent,
// one of {heuristic, minimax:D}. Its stream is derived from (master, role,
// opponent tag, iteration) so it never aliases the evaluation agent's stream.
func (c *Controller) evalOpponent(iter int) agent.Agent {
	role := rngstreams.RoleEvaluationOpponent + ":" + string(c.cfg.EvalOpponent)
	stream := c.seeds.NewStream(role, uint64(iter))
	if c.cfg.EvalOpponent == config.OpponentMinimax {
		return opponents.NewMinimax(c.cfg.EvalMinimaxDepth, stream.Rand())
	}
	return opponents.NewHeuristic(stream.Rand())
}

// pickOpponent picks the opponent for this iteration and returns it as a
// per-game factory: latest-best with probability 1-p_mix, a random historical
// checkpoint with probability p_mix. Before any checkpoint exists, it falls
// back to the fixed Heuristic so the very first iteration still has something
// to play against. Heuristic opponents are built fresh per game with the
// game's own stream (their tie-breaking RNG is not safe to share across
// worker goroutines); a loaded checkpoint opponent is stateless, so one
// instance serves every game.
func (c *Controller) pickOpponent(iter int) (selfplay.AgentFactory, string) {
	stream := c.seeds.NewStream(rngstreams.RoleOpponentPool, uint64(iter))
	rng := stream.Rand()

	heuristicFactory := func(s *rngstreams.Stream) agent.Agent {
		return opponents.NewHeuristic(s.Rand())
	}

	all := c.checkpoints.List()
	best, hasBest := c.checkpoints.Best()
	if !hasBest || len(all) == 0 {
		return heuristicFactory, "bootstrap-heuristic"
	}

	// The random-historical draw excludes the latest-best checkpoint itself, since
	// that branch is already covered by the 1-p_mix case.
	historical := make([]checkpoint.Metadata, 0, len(all))
	for _, m := range all {
		if m.ID != best.ID {
			historical = append(historical, m)
		}
	}

	chosen := best
	if len(historical) > 0 && rng.Float64() < float64(c.cfg.OpponentMixProbability) {
		chosen = historical[rng.Intn(len(historical))]
	}

	a, err := c.loadOpponentAgent(chosen.ID)
	if err != nil {
		klog.Warningf("controller: failed to load opponent checkpoint %s, falling back to heuristic: %v", chosen.ID, err)
		return heuristicFactory, "bootstrap-heuristic"
	}
	return func(*rngstreams.Stream) agent.Agent { return a }, chosen.ID
}

// loadOpponentAgent loads checkpoint id's online parameters into a freshly built
// network and wraps it as a frozen, greedy agent.Agent.
func (c *Controller) loadOpponentAgent(id string) (agent.Agent, error) {
	net, err := c.networkFactory()
	if err != nil {
		return nil, errors.Wrap(err, "controller: networkFactory failed")
	}
	lr, err := c.checkpoints.Load(id, c.formatTag)
	if err != nil {
		return nil, err
	}
	if err := net.Load(lr.Payload.Learner.Online); err != nil {
		return nil, errors.Wrap(err, "controller: failed to load opponent parameters")
	}
	return &frozenAgent{net: net, codec: c.codec, name: "checkpoint:" + id}, nil
}

// saveCheckpoint persists the learner's current state. checkpoint.Store itself
// tracks the running best incrementally; this only reads that decision back to
// drive the controller's own patience bookkeeping.
func (c *Controller) saveCheckpoint(iter int, evalResult evaluation.Result) (string, bool, error) {
	payload := checkpoint.Payload{
		Learner: c.learner.Snapshot(),
		// Every derived stream is a deterministic function of (Master, role,
		// iteration/game index) via rngstreams.mix, so only Master and the
		// iteration reached are stored; RNG.Streams stays empty. A stream built
		// once at setup restarts from its derivation seed on resume.
		RNG:       checkpoint.RNGState{Master: c.seeds.Master},
		Iteration: iter,
	}
	meta := checkpoint.Metadata{
		Iteration:       iter,
		Performance:     evalResult.WinRate,
		ActionFormatTag: action.FormatTagDenseFromTo64x64,
		Description:     "iteration checkpoint",
		SeedConfigHash:  fmt.Sprintf("%016x", c.seeds.Master),
	}
	id, err := c.checkpoints.Save(payload, c.formatTag, meta)
	if err != nil {
		return "", false, err
	}
	best, _ := c.checkpoints.Best()
	isBest := best.ID == id
	if isBest {
		c.iterationsSinceBest = 0
	} else {
		c.iterationsSinceBest++
	}
	return id, isBest, nil
}

// checkEarlyStop applies the four non-resource-cap stop criteria after recording
// this iteration's win rate.
func (c *Controller) checkEarlyStop(res IterationResult, iter int) StopReason {
	c.winRateHistory = append(c.winRateHistory, res.Eval.WinRate)

	if res.InstabilityHit {
		c.instabilityStreak++
	} else {
		c.instabilityStreak = 0
	}
	if c.instabilityStreak >= c.cfg.InstabilityIterations && c.cfg.InstabilityIterations > 0 {
		return StopInstability
	}

	if c.cfg.PatienceIterations > 0 && c.iterationsSinceBest >= c.cfg.PatienceIterations {
		return StopPatience
	}

	if c.cfg.StagnationIterations > 0 && len(c.winRateHistory) >= c.cfg.StagnationIterations {
		window := c.winRateHistory[len(c.winRateHistory)-c.cfg.StagnationIterations:]
		if variance(window) < c.cfg.StagnationVarianceMax {
			c.stagnationStreak++
		} else {
			c.stagnationStreak = 0
		}
		if c.stagnationStreak >= c.cfg.StagnationIterations {
			return StopStagnation
		}

		mid := len(window) / 2
		if mid > 0 {
			recentMean := mean(window[mid:])
			priorMean := mean(window[:mid])
			if recentMean >= float64(c.cfg.ConvergenceScore) && recentMean >= priorMean {
				return StopConvergence
			}
		}
	}

	return StopNone
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float32 {
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return float32(sum / float64(len(xs)))
}

// NewFrozenAgent wraps an already-loaded network as a greedy, non-learning
// agent — the same masked argmax the opponent pool plays with. cmd/trainer's
// `compare` uses it to pit two loaded checkpoints against each other.
func NewFrozenAgent(net network.Network, codec *action.Codec, name string) agent.Agent {
	return &frozenAgent{net: net, codec: codec, name: name}
}

// frozenAgent wraps a loaded, frozen network.Network as a greedy agent.Agent: no
// exploration, no training, masked argmax over the legal set — the opponent-pool
// counterpart to dqn.Learner's own SelectAction. It scans the legal moves itself
// via Codec.Encode rather than calling Codec.SelectLegal, and falls back to the
// first legal move if the chosen slot fails to decode.
type frozenAgent struct {
	net   network.Network
	codec *action.Codec
	enc   encoding.Encoder
	name  string
}

func (a *frozenAgent) Name() string { return a.name }

func (a *frozenAgent) SelectAction(p chess.Position) (chess.Move, error) {
	moves := p.LegalMoves()
	if len(moves) == 0 {
		return nil, errors.New("controller: frozenAgent.SelectAction called on a position with no legal moves")
	}
	vec := a.enc.Encode(p)
	qRows, err := a.net.Forward([][]float32{vec})
	if err != nil {
		return nil, errors.Wrap(err, "controller: frozenAgent forward failed")
	}
	q := qRows[0]

	best := action.ActionIndex(-1)
	var bestQ float32
	first := true
	for _, m := range moves {
		idx := a.codec.Encode(m)
		v := float32(0)
		if int(idx) < len(q) {
			v = q[idx]
		}
		if first || v > bestQ {
			bestQ = v
			best = idx
			first = false
		}
	}
	move, ok := a.codec.Decode(p, best)
	if !ok {
		return moves[0], nil
	}
	return move, nil
}
