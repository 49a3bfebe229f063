package exploration_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/AnthonyKot/chess-rl/internal/action"
	"github.com/AnthonyKot/chess-rl/internal/exploration"
)

func candidates() []exploration.Candidate {
	return []exploration.Candidate{
		{Action: 10, Q: 0.1},
		{Action: 20, Q: 0.9},
		{Action: 30, Q: 0.9},
	}
}

func TestEpsilonGreedyExploitsAtZeroEpsilon(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sched := exploration.Schedule{Start: 0, Decay: 1, Floor: 0}
	p := exploration.New(exploration.EpsilonGreedy, sched, 0, rng)

	got := p.Select(candidates())
	require.True(t, got == action.ActionIndex(20) || got == action.ActionIndex(30))
}

func TestEpsilonGreedyAlwaysExploresAtEpsilonOne(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sched := exploration.Schedule{Start: 1, Decay: 1, Floor: 1}
	p := exploration.New(exploration.EpsilonGreedy, sched, 0, rng)

	seen := map[action.ActionIndex]bool{}
	for i := 0; i < 200; i++ {
		seen[p.Select(candidates())] = true
	}
	require.True(t, seen[10])
}

func TestScheduleDecaysTowardFloor(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sched := exploration.Schedule{Start: 1.0, Decay: 0.5, Floor: 0.1}
	p := exploration.New(exploration.EpsilonGreedy, sched, 0, rng)

	require.Equal(t, 1.0, p.Epsilon())
	for i := 0; i < 10; i++ {
		p.Step()
	}
	require.InDelta(t, 0.1, p.Epsilon(), 1e-9)
}

// TestSelectDoesNotAdvanceSchedule pins down that only Step moves the decay
// schedule: selections within an iteration all observe the same epsilon.
func TestSelectDoesNotAdvanceSchedule(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	sched := exploration.Schedule{Start: 0.5, Decay: 0.5, Floor: 0.01}
	p := exploration.New(exploration.EpsilonGreedy, sched, 0, rng)

	for i := 0; i < 5; i++ {
		p.Select(candidates())
	}
	require.Equal(t, 0.5, p.Epsilon())
}

func TestSoftmaxReturnsLegalAction(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	sched := exploration.Schedule{Start: 1, Decay: 0.99, Floor: 0.01}
	p := exploration.New(exploration.Softmax, sched, 0, rng)

	cands := candidates()
	legal := map[action.ActionIndex]bool{10: true, 20: true, 30: true}
	for i := 0; i < 50; i++ {
		require.True(t, legal[p.Select(cands)])
	}
}

func TestUCBPrefersUnvisitedOnTie(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	p := exploration.New(exploration.UCB, exploration.Schedule{}, 1.0, rng)

	got := p.Select(candidates())
	require.True(t, got == action.ActionIndex(20) || got == action.ActionIndex(30))
}

// TestUCBAccumulatesOwnVisitCounts verifies the Policy tracks visit counts itself
// rather than trusting a caller-supplied count: repeatedly picking the same tied
// Q pair must eventually favor whichever of the two has been chosen fewer times
// so far.
func TestUCBAccumulatesOwnVisitCounts(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := exploration.New(exploration.UCB, exploration.Schedule{}, 2.0, rng)

	cands := []exploration.Candidate{
		{Action: 20, Q: 0.9},
		{Action: 30, Q: 0.9},
	}

	counts := map[action.ActionIndex]int{}
	for i := 0; i < 20; i++ {
		counts[p.Select(cands)]++
	}
	require.InDelta(t, counts[20], counts[30], 2, "UCB should balance visits across tied-Q actions")
}

// TestUCBCloneStartsFromParentCounts verifies Clone copies accumulated visit
// counts rather than resetting them, and that the clone's further selections do
// not mutate the parent's counts.
func TestUCBCloneStartsFromParentCounts(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	p := exploration.New(exploration.UCB, exploration.Schedule{}, 1.0, rng)

	cands := []exploration.Candidate{{Action: 20, Q: 0.9}, {Action: 30, Q: 0.9}}
	for i := 0; i < 4; i++ {
		p.Select([]exploration.Candidate{{Action: 20, Q: 0.9}})
	}

	// With the copied counts (20 visited 4 times, 30 never), 30 carries the
	// larger bonus: sqrt(ln 5 / 1) against sqrt(ln 5 / 5).
	clone := p.Clone(rand.New(rand.NewSource(12)))
	require.Equal(t, action.ActionIndex(30), clone.Select(cands))
	for i := 0; i < 8; i++ {
		clone.Select([]exploration.Candidate{{Action: 30, Q: 0.9}})
	}

	// The parent's own counts must be untouched by the clone's later selections:
	// had the clone's 9 visits to 30 reached the parent, 20 would carry the larger
	// bonus (sqrt(ln 14 / 5) against sqrt(ln 14 / 10)).
	parentAgain := p.Clone(rand.New(rand.NewSource(13)))
	got := parentAgain.Select(cands)
	require.Equal(t, action.ActionIndex(30), got)
}
