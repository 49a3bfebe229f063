package evaluation_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AnthonyKot/chess-rl/internal/action"
	"github.com/AnthonyKot/chess-rl/internal/chess"
	"github.com/AnthonyKot/chess-rl/internal/chess/chesstest"
	"github.com/AnthonyKot/chess-rl/internal/evaluation"
	"github.com/AnthonyKot/chess-rl/internal/opponents"
	"github.com/AnthonyKot/chess-rl/internal/selfplay"
)

func newWorker() *selfplay.Worker {
	return selfplay.New(selfplay.Config{
		MaxSteps: 20, AdjudicationMaterialDiff: 3,
		WinReward: 1, LossReward: -1, DrawReward: 0, StepLimitPenalty: -0.1,
	}, &action.Codec{})
}

func TestEvaluateAlternatesColorsByGameIndex(t *testing.T) {
	worker := newWorker()
	underTest := opponents.NewHeuristic(nil)
	opponent := opponents.NewHeuristic(nil)

	res, games, err := evaluation.Evaluate(worker, 4, underTest, opponent, func() chess.Position { return chesstest.NewStandard() })
	require.NoError(t, err)
	require.Equal(t, 4, res.Games)
	require.Len(t, games, 4)
	require.Equal(t, 2, res.WhiteGames)
	require.Equal(t, 2, res.BlackGames)
	require.Equal(t, res.Wins+res.Draws+res.Losses, res.Games)
}

func TestEvaluateZeroGamesLeavesRateUnset(t *testing.T) {
	worker := newWorker()
	underTest := opponents.NewHeuristic(nil)
	opponent := opponents.NewHeuristic(nil)

	res, games, err := evaluation.Evaluate(worker, 0, underTest, opponent, func() chess.Position { return chesstest.NewStandard() })
	require.NoError(t, err)
	require.Empty(t, games)
	require.Nil(t, res.CohensH)
	require.Zero(t, res.WinRate)
}

func TestEvaluateWinRateMatchesTallies(t *testing.T) {
	worker := newWorker()
	underTest := opponents.NewHeuristic(nil)
	opponent := opponents.NewHeuristic(nil)

	res, _, err := evaluation.Evaluate(worker, 6, underTest, opponent, func() chess.Position { return chesstest.NewStandard() })
	require.NoError(t, err)
	require.InDelta(t, float64(res.Wins)/float64(res.Games), res.WinRate, 1e-9)
	require.GreaterOrEqual(t, res.WilsonLow, 0.0)
	require.LessOrEqual(t, res.WilsonHigh, 1.0)
	require.LessOrEqual(t, res.WilsonLow, res.WilsonHigh)
}
