// Package exploration implements epsilon-greedy, softmax/Boltzmann, and UCB1
// action selection over a legal-action set, plus the epsilon decay schedule. The
// epsilon-greedy tie-breaking and random-fallback shape is adapted from GoLearn's
// linear/discrete/policy.EGreedy.SelectAction (random action with probability
// epsilon, else argmax with a uniformly random tiebreak among maximizers),
// generalized here to operate over an explicit legal-action subset rather than
// the full action space, since illegal indices must never be selectable.
package exploration

import (
	"github.com/chewxy/math32"
	"golang.org/x/exp/rand"

	"github.com/AnthonyKot/chess-rl/internal/action"
)

// Kind selects the exploration strategy.
type Kind int

const (
	EpsilonGreedy Kind = iota
	Softmax
	UCB
)

// Schedule is the epsilon decay schedule: epsilon decays geometrically from
// Start toward Floor by Decay each call to Policy.Step.
type Schedule struct {
	Start float64
	Decay float64
	Floor float64
}

// value returns the schedule's epsilon after n decay steps.
func (s Schedule) value(n int) float64 {
	e := s.Start
	for i := 0; i < n; i++ {
		e *= s.Decay
		if e < s.Floor {
			return s.Floor
		}
	}
	return e
}

// Candidate is one legal action's current estimate, as produced by a Network
// forward pass restricted to the legal subset (internal/dqn feeds this).
type Candidate struct {
	Action action.ActionIndex
	Q      float32
}

// Policy selects actions under one of the exploration strategies. It is stateful
// (decay step counter, per-action visit counts for UCB) so each self-play worker
// must own its own instance, constructed with its own partitioned RNG stream
// (internal/rngstreams, role RoleExplorationPerWorker) to keep streams
// independent. Visit counts for UCB are owned here, not supplied by the caller:
// counts are per-action per-policy-instance, so each Policy value tracks its own
// counts rather than trusting a caller-provided number that could drift out of
// sync with which selector actually made each past choice.
type Policy struct {
	kind        Kind
	schedule    Schedule
	step        int
	ucbConstant float64
	rng         *rand.Rand
	counts      map[action.ActionIndex]int
}

// New constructs a Policy. ucbConstant is ignored unless kind == UCB.
func New(kind Kind, schedule Schedule, ucbConstant float64, rng *rand.Rand) *Policy {
	return &Policy{kind: kind, schedule: schedule, ucbConstant: ucbConstant, rng: rng, counts: make(map[action.ActionIndex]int)}
}

// Epsilon returns the current epsilon value without advancing the schedule.
func (p *Policy) Epsilon() float64 {
	return p.schedule.value(p.step)
}

// Clone returns a new Policy at the same decay step but backed by rng. Self-play
// uses this to give each concurrent game its own deterministic RNG stream, derived
// from (master_seed, game_index), while keeping the decay schedule synced to the
// current training iteration: the schedule advances exactly once per training
// iteration by the controller, not per game. The clone starts with its own
// independent copy of the UCB visit counts accumulated so far, so one game's move
// sequence cannot perturb another's concurrently running clone.
func (p *Policy) Clone(rng *rand.Rand) *Policy {
	counts := make(map[action.ActionIndex]int, len(p.counts))
	for a, n := range p.counts {
		counts[a] = n
	}
	return &Policy{kind: p.kind, schedule: p.schedule, step: p.step, ucbConstant: p.ucbConstant, rng: rng, counts: counts}
}

// Step advances the decay schedule by one, without selecting an action. The
// TrainingController calls this once per iteration on its template Policy so every
// per-game Clone made during the next iteration observes the decayed value.
func (p *Policy) Step() { p.step++ }

// Select picks one of candidates (all legal at the current position). candidates
// must be non-empty. Select never advances the decay schedule; only Step does,
// called once per training iteration by the controller.
func (p *Policy) Select(candidates []Candidate) action.ActionIndex {
	if len(candidates) == 0 {
		panic("exploration: Select requires at least one candidate")
	}

	var chosen action.ActionIndex
	switch p.kind {
	case Softmax:
		chosen = p.selectSoftmax(candidates)
	case UCB:
		chosen = p.selectUCB(candidates)
	default:
		chosen = p.selectEpsilonGreedy(candidates)
	}
	if p.kind == UCB {
		p.counts[chosen]++
	}
	return chosen
}

func (p *Policy) selectEpsilonGreedy(candidates []Candidate) action.ActionIndex {
	eps := p.schedule.value(p.step)
	if p.rng.Float64() < eps {
		return candidates[p.rng.Intn(len(candidates))].Action
	}
	return argmax(candidates, p.rng)
}

// selectSoftmax samples proportionally to exp(Q/temperature), where temperature is
// driven by the same decay schedule used for epsilon (higher "epsilon" here means
// higher temperature, i.e. more uniform sampling), so a single Schedule config
// serves both strategies.
func (p *Policy) selectSoftmax(candidates []Candidate) action.ActionIndex {
	temp := float32(p.schedule.value(p.step))
	if temp < 1e-6 {
		temp = 1e-6
	}

	maxQ := candidates[0].Q
	for _, c := range candidates[1:] {
		if c.Q > maxQ {
			maxQ = c.Q
		}
	}

	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		w := math32.Exp((c.Q - maxQ) / temp)
		weights[i] = float64(w)
		total += float64(w)
	}

	r := p.rng.Float64() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if r <= cum {
			return candidates[i].Action
		}
	}
	return candidates[len(candidates)-1].Action
}

// selectUCB applies the UCB1 bonus Q + c*sqrt(ln(totalVisits+1)/(visits+1)) and
// picks the maximizer, breaking ties uniformly at random. Visit counts come from
// this Policy instance's own counts map, updated by Select after every UCB
// choice.
func (p *Policy) selectUCB(candidates []Candidate) action.ActionIndex {
	var totalVisits int
	for _, c := range candidates {
		totalVisits += p.counts[c.Action]
	}
	logTotal := math32.Log(float32(totalVisits) + 1)

	best := make([]int, 0, 1)
	var bestScore float32
	for i, c := range candidates {
		bonus := float32(p.ucbConstant) * math32.Sqrt(logTotal/float32(p.counts[c.Action]+1))
		score := c.Q + bonus
		switch {
		case i == 0 || score > bestScore:
			bestScore = score
			best = best[:0]
			best = append(best, i)
		case score == bestScore:
			best = append(best, i)
		}
	}
	return candidates[best[p.rng.Intn(len(best))]].Action
}

func argmax(candidates []Candidate, rng *rand.Rand) action.ActionIndex {
	best := make([]int, 0, 1)
	var bestQ float32
	for i, c := range candidates {
		switch {
		case i == 0 || c.Q > bestQ:
			bestQ = c.Q
			best = best[:0]
			best = append(best, i)
		case c.Q == bestQ:
			best = append(best, i)
		}
	}
	return candidates[best[rng.Intn(len(best))]].Action
}
