// Package dqn implements a deep Q-learner: online/target networks, double-Q
// bootstrap targets, Huber loss, gradient-norm-based numeric-instability
// detection, and the periodic target-network sync. The score-then-learn split
// lives behind internal/network.Network, generalized here from a single-number
// board score to a dense NumActions-wide Q-value head, and the target-sync and
// update-count bookkeeping shape follows GoLearn's AdamSolver.go.
package dqn

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/AnthonyKot/chess-rl/internal/action"
	"github.com/AnthonyKot/chess-rl/internal/agent"
	"github.com/AnthonyKot/chess-rl/internal/chess"
	"github.com/AnthonyKot/chess-rl/internal/chesserr"
	"github.com/AnthonyKot/chess-rl/internal/encoding"
	"github.com/AnthonyKot/chess-rl/internal/exploration"
	"github.com/AnthonyKot/chess-rl/internal/network"
	"github.com/AnthonyKot/chess-rl/internal/replay"
)

var _ agent.Agent = (*Learner)(nil)
var _ agent.ActionIndexer = (*Learner)(nil)
var _ agent.Agent = (*explorationAgent)(nil)
var _ agent.ActionIndexer = (*explorationAgent)(nil)

// Config configures a Learner.
type Config struct {
	Gamma               float32
	DoubleDQN           bool
	TargetUpdateEvery   int
	HuberDelta          float32
	NextStateLegalKnown bool
}

// UpdateStats is what TrainBatch returns.
type UpdateStats struct {
	MeanLoss         float32
	LossVariance     float32
	PerSampleAbsDelta []float64
	GradNorm         float32
	PolicyEntropy    float32
	UpdateCount      int64
	TargetSynced     bool
}

// Snapshot is the Learner's serializable state: both parameter sets plus the
// update counter. Optimizer state lives inside each network.Params, since every
// backend's Snapshot already includes its own optimizer moments (densenet's
// mW/vW, gomlxnet's context variables).
type Snapshot struct {
	Online      network.Params
	Target      network.Params
	UpdateCount int64
}

// Learner is the deep Q-learner. It implements agent.Agent by delegating action
// selection to the online network.
type Learner struct {
	cfg   Config
	codec *action.Codec
	enc   encoding.Encoder

	online network.Network
	target network.Network

	exploration *exploration.Policy

	updateCount int64
	lastAction  action.ActionIndex
}

// New constructs a Learner. online and target must be freshly constructed, same-
// topology networks of the same backend; target's parameters are immediately
// overwritten from online's so the pair starts in sync.
func New(cfg Config, online, target network.Network, codec *action.Codec, explore *exploration.Policy) (*Learner, error) {
	if cfg.TargetUpdateEvery <= 0 {
		return nil, errors.New("dqn: TargetUpdateEvery must be > 0")
	}
	if err := target.Load(online.Snapshot()); err != nil {
		return nil, errors.Wrap(err, "dqn: failed to seed target from online")
	}
	return &Learner{cfg: cfg, codec: codec, online: online, target: target, exploration: explore}, nil
}

// SelectAction implements agent.Agent: a single forward pass over the online network,
// masked to the legal set at p, delegated to the configured ExplorationPolicy.
func (l *Learner) SelectAction(p chess.Position) (chess.Move, error) {
	move, idx, err := l.selectWith(l.exploration, p)
	if err != nil {
		return nil, err
	}
	l.lastAction = idx
	return move, nil
}

// LastAction implements agent.ActionIndexer.
func (l *Learner) LastAction() action.ActionIndex { return l.lastAction }

// Name implements agent.Agent.
func (l *Learner) Name() string { return "dqn-learner" }

// WithExploration returns an agent.Agent that shares this Learner's online network
// but selects actions through its own ExplorationPolicy instance. SelfPlayOrchestrator
// uses this so every concurrent game gets a deterministically seeded policy clone
// without racing on the Learner's own exploration state.
func (l *Learner) WithExploration(policy *exploration.Policy) agent.Agent {
	return &explorationAgent{learner: l, policy: policy}
}

// selectWith is the shared action-selection core used both by Learner.SelectAction
// (its own exploration.Policy) and explorationAgent (a per-game clone).
func (l *Learner) selectWith(policy *exploration.Policy, p chess.Position) (chess.Move, action.ActionIndex, error) {
	moves := p.LegalMoves()
	if len(moves) == 0 {
		return nil, 0, errors.New("dqn: SelectAction called on a position with no legal moves")
	}

	vec := l.enc.Encode(p)
	qRows, err := l.online.Forward([][]float32{vec})
	if err != nil {
		return nil, 0, errors.Wrap(err, "dqn: forward pass failed during action selection")
	}
	q := qRows[0]

	candidates := make([]exploration.Candidate, 0, len(moves))
	for _, m := range moves {
		idx := l.codec.Encode(m)
		var qv float32
		if int(idx) < len(q) {
			qv = q[idx]
		}
		candidates = append(candidates, exploration.Candidate{Action: idx, Q: qv})
	}

	chosen := policy.Select(candidates)

	move, ok := l.codec.Decode(p, chosen)
	if !ok {
		// Should not happen since chosen was drawn from the legal mask, but the
		// fallback chain is still the contractually correct recovery path.
		scored := make([]action.Scored, len(candidates))
		for i, c := range candidates {
			scored[i] = action.Scored{Action: c.Action, Q: c.Q}
		}
		chosen = l.codec.SelectLegal(p, chosen, scored)
		move, ok = l.codec.Decode(p, chosen)
		if !ok {
			return nil, 0, errors.Wrap(chesserr.ErrInvalidMove, "dqn: fallback chain failed to resolve a legal move")
		}
	}
	return move, chosen, nil
}

// explorationAgent is the agent.Agent WithExploration returns.
type explorationAgent struct {
	learner    *Learner
	policy     *exploration.Policy
	lastAction action.ActionIndex
}

func (a *explorationAgent) SelectAction(p chess.Position) (chess.Move, error) {
	move, idx, err := a.learner.selectWith(a.policy, p)
	if err != nil {
		return nil, err
	}
	a.lastAction = idx
	return move, nil
}

func (a *explorationAgent) LastAction() action.ActionIndex { return a.lastAction }
func (a *explorationAgent) Name() string                   { return a.learner.Name() }

// Snapshot returns the learner's persistable state.
func (l *Learner) Snapshot() Snapshot {
	return Snapshot{Online: l.online.Snapshot(), Target: l.target.Snapshot(), UpdateCount: l.updateCount}
}

// Load restores the learner's state from a prior Snapshot.
func (l *Learner) Load(s Snapshot) error {
	if err := l.online.Load(s.Online); err != nil {
		return errors.Wrap(err, "dqn: failed to load online params")
	}
	if err := l.target.Load(s.Target); err != nil {
		return errors.Wrap(err, "dqn: failed to load target params")
	}
	l.updateCount = s.UpdateCount
	return nil
}

// UpdateCount returns the number of completed learner updates.
func (l *Learner) UpdateCount() int64 { return l.updateCount }

// TrainBatch runs one learning step. On a NaN/Inf loss or gradient it discards
// the batch and returns chesserr.ErrNumericInstability without mutating
// online/target, leaving the caller (the training controller) to count the
// occurrence and decide on early-stop.
func (l *Learner) TrainBatch(batch replay.Batch) (UpdateStats, error) {
	n := len(batch.Experiences)
	if n == 0 {
		return UpdateStats{}, errors.New("dqn: TrainBatch called with an empty batch")
	}

	states := make([][]float32, n)
	nextStates := make([][]float32, n)
	for i, exp := range batch.Experiences {
		states[i] = exp.State
		nextStates[i] = exp.NextState
	}

	qOnline, err := l.online.Forward(states)
	if err != nil {
		return UpdateStats{}, errors.Wrap(err, "dqn: online forward failed")
	}
	qNextOnline, err := l.online.Forward(nextStates)
	if err != nil {
		return UpdateStats{}, errors.Wrap(err, "dqn: online next-state forward failed")
	}
	qNextTarget, err := l.target.Forward(nextStates)
	if err != nil {
		return UpdateStats{}, errors.Wrap(err, "dqn: target forward failed")
	}

	deltas := make([]float64, n)
	losses := make([]float32, n)
	dLoss := make([][]float32, n)
	var entropySum float32

	for i, exp := range batch.Experiences {
		var y float32
		if exp.Terminal {
			y = exp.Reward
		} else {
			bootstrap := l.bootstrapValue(exp, qNextOnline[i], qNextTarget[i])
			y = exp.Reward + l.cfg.Gamma*bootstrap
		}

		q := qOnline[i][exp.Action]
		delta := y - q
		deltas[i] = math.Abs(float64(delta))

		w := float32(1.0)
		if i < len(batch.Weights) {
			w = float32(batch.Weights[i])
		}
		losses[i] = huberLoss(delta, l.cfg.HuberDelta) * w
		grad := huberGrad(delta, l.cfg.HuberDelta) * w

		row := make([]float32, len(qOnline[i]))
		row[exp.Action] = -grad
		dLoss[i] = row

		entropySum += softmaxEntropy(qOnline[i])
	}

	gradNorm, err := l.online.Backward(states, dLoss)
	if err != nil {
		return UpdateStats{}, errors.Wrap(err, "dqn: backward failed")
	}
	if math32.IsNaN(gradNorm) || math32.IsInf(gradNorm, 0) {
		return UpdateStats{}, chesserr.ErrNumericInstability
	}

	meanLoss, lossVar := meanAndVariance(losses)
	if math32.IsNaN(meanLoss) || math32.IsInf(meanLoss, 0) {
		return UpdateStats{}, chesserr.ErrNumericInstability
	}

	if err := l.online.Step(); err != nil {
		return UpdateStats{}, errors.Wrap(err, "dqn: optimizer step failed")
	}
	l.updateCount++

	synced := false
	if l.updateCount%int64(l.cfg.TargetUpdateEvery) == 0 {
		if err := l.target.Load(l.online.Snapshot()); err != nil {
			return UpdateStats{}, errors.Wrap(err, "dqn: target sync failed")
		}
		synced = true
	}

	return UpdateStats{
		MeanLoss:          meanLoss,
		LossVariance:       lossVar,
		PerSampleAbsDelta:  deltas,
		GradNorm:           gradNorm,
		PolicyEntropy:      entropySum / float32(n),
		UpdateCount:        l.updateCount,
		TargetSynced:       synced,
	}, nil
}

// bootstrapValue computes the double-Q (or vanilla) bootstrap term for one sample's
// next state, applying legal-action masking to the argmax/max when the next-state
// legal set is known.
func (l *Learner) bootstrapValue(exp replay.Experience, qNextOnline, qNextTarget []float32) float32 {
	legal := exp.NextLegalActions
	masked := l.cfg.NextStateLegalKnown && len(legal) > 0

	if l.cfg.DoubleDQN {
		aStar := argmaxMaybeMasked(qNextOnline, legal, masked)
		return qNextTarget[aStar]
	}
	return maxMaybeMasked(qNextTarget, legal, masked)
}

func argmaxMaybeMasked(q []float32, legal []action.ActionIndex, masked bool) action.ActionIndex {
	if !masked {
		best := action.ActionIndex(0)
		for i := 1; i < len(q); i++ {
			if q[i] > q[best] {
				best = action.ActionIndex(i)
			}
		}
		return best
	}
	best := legal[0]
	for _, idx := range legal[1:] {
		if q[idx] > q[best] {
			best = idx
		}
	}
	return best
}

func maxMaybeMasked(q []float32, legal []action.ActionIndex, masked bool) float32 {
	if !masked {
		best := q[0]
		for _, v := range q[1:] {
			if v > best {
				best = v
			}
		}
		return best
	}
	best := q[legal[0]]
	for _, idx := range legal[1:] {
		if q[idx] > best {
			best = q[idx]
		}
	}
	return best
}

// huberGrad is d/ddelta of the Huber loss Huber(delta): delta when |delta|<=huberDelta,
// else huberDelta*sign(delta). A zero huberDelta is treated as "no clipping" (pure MSE).
func huberGrad(delta, huberDelta float32) float32 {
	if huberDelta <= 0 {
		return delta
	}
	if delta > huberDelta {
		return huberDelta
	}
	if delta < -huberDelta {
		return -huberDelta
	}
	return delta
}

func huberLoss(delta, huberDelta float32) float32 {
	ad := math32.Abs(delta)
	if huberDelta <= 0 || ad <= huberDelta {
		return 0.5 * delta * delta
	}
	return huberDelta * (ad - 0.5*huberDelta)
}

// meanAndVariance reports the mean and population variance of the batch's per-sample
// Huber losses, the aggregate-loss statistics UpdateStats exposes.
func meanAndVariance(losses []float32) (mean, variance float32) {
	n := len(losses)
	if n == 0 {
		return 0, 0
	}
	var sum float32
	for _, v := range losses {
		sum += v
	}
	mean = sum / float32(n)
	var varSum float32
	for _, v := range losses {
		d := v - mean
		varSum += d * d
	}
	variance = varSum / float32(n)
	return mean, variance
}

// softmaxEntropy returns the entropy of softmax(q), the policy-entropy estimate
// UpdateStats reports.
func softmaxEntropy(q []float32) float32 {
	if len(q) == 0 {
		return 0
	}
	maxQ := q[0]
	for _, v := range q[1:] {
		if v > maxQ {
			maxQ = v
		}
	}
	var total float32
	probs := make([]float32, len(q))
	for i, v := range q {
		p := math32.Exp(v - maxQ)
		probs[i] = p
		total += p
	}
	var entropy float32
	for _, p := range probs {
		pn := p / total
		if pn > 0 {
			entropy -= pn * math32.Log(pn)
		}
	}
	return entropy
}
