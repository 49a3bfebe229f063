package selfplay

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AnthonyKot/chess-rl/internal/agent"
	"github.com/AnthonyKot/chess-rl/internal/chess"
	"github.com/AnthonyKot/chess-rl/internal/replay"
	"github.com/AnthonyKot/chess-rl/internal/rngstreams"
)

// Orchestrator is a bounded worker pool that plays exactly G games per iteration
// and funnels their experiences into a ReplayStore, preserving per-game ordering
// while allowing cross-game completion order to vary with W>1. The worker-pool
// shape (buffered channel of work items; each worker appends its finished game to
// the store under one shared mutex, with no separate aggregator goroutine) runs a fixed batch
// per call rather than continuously, driven by golang.org/x/sync/errgroup
// instead of a raw sync.WaitGroup plus semaphore channel.
type Orchestrator struct {
	worker *Worker
}

// NewOrchestrator constructs an Orchestrator sharing one Worker's config/codec
// across every game; Worker itself carries no mutable per-game state so this is safe
// for concurrent use.
func NewOrchestrator(worker *Worker) *Orchestrator {
	return &Orchestrator{worker: worker}
}

// AgentFactory builds one side's agent for one game, given a per-game
// deterministically seeded RNG stream (seeded from (master_seed, game_index)
// via a documented mixing function). The factory, not the orchestrator, owns
// how that stream is consumed (cloning an exploration.Policy, seeding a
// heuristic's tie-breaker, or ignoring it for a stateless frozen network),
// keeping this package independent of internal/dqn and internal/opponents.
// Both sides get per-game instances so no agent state — exploration counters,
// tie-breaking RNGs — is ever shared across concurrently running games, which
// is what keeps per-game experience sequences deterministic under Workers > 1.
type AgentFactory func(stream *rngstreams.Stream) agent.Agent

// Run plays exactly games games, learnerAsWhite alternating by game index (game 0:
// learner is White; game 1: learner is Black; ...), across up to workers goroutines.
// Each game's experiences are appended to store in the order they were generated
// within that game; across games, store append order follows completion order.
// stop, if non-nil, is polled between games by every worker goroutine: a worker
// mid-game finishes that game before exiting, so every stored experience belongs
// to a completed game, and games never started are discarded from the returned
// results.
func (o *Orchestrator) Run(
	games, workers int,
	learnerFactory, opponentFactory AgentFactory,
	startFn func() chess.Position,
	seeds rngstreams.SeedConfig,
	store *replay.Store,
	stop func() bool,
) ([]GameResult, error) {
	if workers < 1 {
		workers = 1
	}

	indices := make(chan int, games)
	for i := 0; i < games; i++ {
		indices <- i
	}
	close(indices)

	results := make([]GameResult, games)
	completed := make([]bool, games)
	var storeMu sync.Mutex

	g := new(errgroup.Group)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for idx := range indices {
				if stop != nil && stop() {
					return nil
				}

				learner := learnerFactory(seeds.NewStream(rngstreams.RoleSelfPlayWorker, uint64(idx)))
				opponent := opponentFactory(seeds.NewStream(rngstreams.RoleSelfPlayOpponent, uint64(idx)))

				learnerColor := chess.White
				if idx%2 == 1 {
					learnerColor = chess.Black
				}
				white, black := learner, opponent
				if learnerColor == chess.Black {
					white, black = opponent, learner
				}

				// PlayGame is not handed the stop flag: a game already under way runs
				// to completion so its experience sequence stays valid.
				res, err := o.worker.PlayGame(int64(idx), startFn(), white, black, learnerColor, nil)
				if err != nil {
					return err
				}
				results[idx] = res
				completed[idx] = true

				// storeMu keeps each game's experiences contiguous in the store, not
				// just individually ordered.
				storeMu.Lock()
				for _, exp := range res.Experiences {
					store.Push(exp)
				}
				storeMu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := results[:0]
	for idx, res := range results {
		if completed[idx] {
			out = append(out, res)
		}
	}
	return out, nil
}
