package selfplay_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AnthonyKot/chess-rl/internal/action"
	"github.com/AnthonyKot/chess-rl/internal/agent"
	"github.com/AnthonyKot/chess-rl/internal/chess"
	"github.com/AnthonyKot/chess-rl/internal/chess/chesstest"
	"github.com/AnthonyKot/chess-rl/internal/opponents"
	"github.com/AnthonyKot/chess-rl/internal/replay"
	"github.com/AnthonyKot/chess-rl/internal/rngstreams"
	"github.com/AnthonyKot/chess-rl/internal/selfplay"
)

func baseConfig() selfplay.Config {
	return selfplay.Config{
		MaxSteps: 30, AdjudicationMaterialDiff: 3,
		WinReward: 1, LossReward: -1, DrawReward: 0,
		StepPenalty: 0, StepLimitPenalty: -0.1,
	}
}

func TestPlayGameTerminatesWithinStepLimit(t *testing.T) {
	worker := selfplay.New(baseConfig(), &action.Codec{})
	white := opponents.NewHeuristic(nil)
	black := opponents.NewHeuristic(nil)

	res, err := worker.PlayGame(0, chesstest.NewStandard(), white, black, chess.White, nil)
	require.NoError(t, err)
	require.LessOrEqual(t, res.Length, baseConfig().MaxSteps)
	require.NotEmpty(t, res.Experiences)

	last := res.Experiences[len(res.Experiences)-1]
	require.True(t, last.Terminal)
}

func TestPlayGameEveryExperienceActionIsLegalAtItsState(t *testing.T) {
	worker := selfplay.New(baseConfig(), &action.Codec{})
	white := opponents.NewHeuristic(nil)
	black := opponents.NewHeuristic(nil)

	res, err := worker.PlayGame(1, chesstest.NewStandard(), white, black, chess.White, nil)
	require.NoError(t, err)

	codec := &action.Codec{}
	pos := chess.Position(chesstest.NewStandard())
	for _, exp := range res.Experiences {
		legal := pos.LegalMoves()
		found := false
		for _, m := range legal {
			if codec.Encode(m) == exp.Action {
				found = true
				pos = pos.Apply(m)
				break
			}
		}
		require.True(t, found, "experience action must be legal at the state it was recorded from")
	}
}

// TestStepLimitAdjudicationSealsLastExperience verifies a step-limited game's
// final emitted experience is the terminal one: it carries the adjudicated
// reward plus the step-limit penalty and the absorbing next state, with no
// extra action-less record appended after it.
func TestStepLimitAdjudicationSealsLastExperience(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxSteps = 4
	worker := selfplay.New(cfg, &action.Codec{})
	white := opponents.NewHeuristic(nil)
	black := opponents.NewHeuristic(nil)

	res, err := worker.PlayGame(3, chesstest.NewStandard(), white, black, chess.White, nil)
	require.NoError(t, err)
	require.Equal(t, selfplay.StepLimitReason, res.TerminationReason)
	require.Len(t, res.Experiences, cfg.MaxSteps)

	last := res.Experiences[len(res.Experiences)-1]
	require.True(t, last.Terminal)
	require.GreaterOrEqual(t, int(last.Action), 0)
	require.Nil(t, last.NextLegalActions)
	for _, v := range last.NextState {
		require.Zero(t, v)
	}
}

func TestPlayGameStopStopsBeforeCompletion(t *testing.T) {
	worker := selfplay.New(baseConfig(), &action.Codec{})
	white := opponents.NewHeuristic(nil)
	black := opponents.NewHeuristic(nil)

	called := false
	stop := func() bool {
		called = true
		return true
	}

	res, err := worker.PlayGame(2, chesstest.NewStandard(), white, black, chess.White, stop)
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, selfplay.Manual, res.TerminationReason)
	require.Equal(t, 0, res.Length)
}

func TestOrchestratorRunAlternatesLearnerColorByGameIndex(t *testing.T) {
	worker := selfplay.New(baseConfig(), &action.Codec{})
	orch := selfplay.NewOrchestrator(worker)
	store := replay.New(1000, replay.Uniform, 0, 0, nil)
	seeds := rngstreams.NewSeedConfig(7)

	factory := func(stream *rngstreams.Stream) agent.Agent { return opponents.NewHeuristic(stream.Rand()) }

	results, err := orch.Run(4, 2, factory, factory, func() chess.Position { return chesstest.NewStandard() }, seeds, store, nil)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, r := range results {
		wantWhite := i%2 == 0
		gotWhite := r.LearnerColor == chess.White
		require.Equal(t, wantWhite, gotWhite, "game %d learner color", i)
	}
}

// TestOrchestratorPerGameSequencesDeterministicAcrossRuns pins down that with
// both sides built per game from (master, role, game_index)-derived streams,
// each game's move sequence is reproducible even with parallel workers.
func TestOrchestratorPerGameSequencesDeterministicAcrossRuns(t *testing.T) {
	run := func() []selfplay.GameResult {
		worker := selfplay.New(baseConfig(), &action.Codec{})
		orch := selfplay.NewOrchestrator(worker)
		store := replay.New(1000, replay.Uniform, 0, 0, nil)
		seeds := rngstreams.NewSeedConfig(99)
		factory := func(stream *rngstreams.Stream) agent.Agent { return opponents.NewHeuristic(stream.Rand()) }

		results, err := orch.Run(4, 2, factory, factory, func() chess.Position { return chesstest.NewStandard() }, seeds, store, nil)
		require.NoError(t, err)
		return results
	}

	r1, r2 := run(), run()
	require.Len(t, r2, len(r1))
	for i := range r1 {
		require.Equal(t, len(r1[i].Experiences), len(r2[i].Experiences), "game %d length", i)
		for j := range r1[i].Experiences {
			require.Equal(t, r1[i].Experiences[j].Action, r2[i].Experiences[j].Action, "game %d ply %d action", i, j)
		}
	}
}
