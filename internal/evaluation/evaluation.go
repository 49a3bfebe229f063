// Package evaluation plays N games against a fixed reference opponent, alternating
// colors, and reports a Wilson score interval for the win rate plus Cohen's h
// effect size for head-to-head comparisons. The match-running shape (play N
// games, tally outcomes, report a summary) follows the same pattern as a
// standard tournament-match runner; the statistical machinery builds on
// gonum/stat/distuv (also used elsewhere in the ecosystem, e.g.
// github.com/samuelfneumann/GoLearn, for policy and environment sampling) for the
// standard normal quantile the Wilson interval needs.
package evaluation

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/AnthonyKot/chess-rl/internal/agent"
	"github.com/AnthonyKot/chess-rl/internal/chess"
	"github.com/AnthonyKot/chess-rl/internal/selfplay"
)

// zFor95 is Quantile(0.975) of the standard normal, the two-sided 95% critical value
// the Wilson interval is built from.
var zFor95 = distuv.Normal{Mu: 0, Sigma: 1}.Quantile(0.975)

// Result is what Evaluate reports.
type Result struct {
	Games  int
	Wins   int
	Draws  int
	Losses int

	WinRate float64

	// WilsonLow, WilsonHigh bound the 95% Wilson score interval for WinRate.
	WilsonLow, WilsonHigh float64

	// SignificantVsHalf is true when the Wilson interval excludes 0.5 (H0: p=0.5
	// rejected at alpha=0.05).
	SignificantVsHalf bool

	// CohensH is the effect size between this agent's win rate and the opponent's
	// win rate (losses/games from the agent's perspective), nil only if Games==0.
	CohensH *float64

	WhiteGames, BlackGames int
}

// Evaluate plays games games between agentUnderTest and opponent, using worker to
// run each game (so adjudication/reward config is whatever that worker carries;
// the controller passes its evaluation worker, which adjudicates with
// EvalAdjudicationThreshold), alternating colors so agentUnderTest is White exactly on even game indices.
// Both agents are expected to already be wired to their own partitioned RNG
// streams (internal/rngstreams.RoleEvaluation) by the caller, e.g.
// Controller.greedyPolicy/evalOpponent; Evaluate itself draws no randomness.
func Evaluate(
	worker *selfplay.Worker,
	games int,
	agentUnderTest, opponent agent.Agent,
	startFn func() chess.Position,
) (Result, []selfplay.GameResult, error) {
	res := Result{Games: games}
	gameResults := make([]selfplay.GameResult, 0, games)

	for i := 0; i < games; i++ {
		agentIsWhite := i%2 == 0
		var white, black agent.Agent
		var learnerColor chess.Color
		if agentIsWhite {
			white, black = agentUnderTest, opponent
			learnerColor = chess.White
			res.WhiteGames++
		} else {
			white, black = opponent, agentUnderTest
			learnerColor = chess.Black
			res.BlackGames++
		}

		gr, err := worker.PlayGame(int64(i), startFn(), white, black, learnerColor, nil)
		if err != nil {
			return Result{}, nil, err
		}
		gameResults = append(gameResults, gr)

		switch outcomeFor(gr.Outcome, learnerColor) {
		case 1:
			res.Wins++
		case -1:
			res.Losses++
		default:
			res.Draws++
		}
	}

	if games > 0 {
		res.WinRate = float64(res.Wins) / float64(games)
		res.WilsonLow, res.WilsonHigh = wilsonInterval(res.Wins, games)
		res.SignificantVsHalf = res.WilsonHigh < 0.5 || res.WilsonLow > 0.5
		oppRate := float64(res.Losses) / float64(games)
		h := cohensH(res.WinRate, oppRate)
		res.CohensH = &h
	}
	return res, gameResults, nil
}

// outcomeFor returns +1/-1/0 (win/loss/draw) for color.
func outcomeFor(outcome chess.Outcome, color chess.Color) int {
	if outcome == chess.Draw || outcome == chess.Ongoing {
		return 0
	}
	score := outcome.ScoreForWhite()
	if color == chess.Black {
		score = -score
	}
	if score > 0 {
		return 1
	}
	return -1
}

// wilsonInterval computes the Wilson score interval for a binomial proportion
// wins/n at the 95% confidence level. It stays well-behaved near 0 and 1, unlike
// the naive normal approximation.
func wilsonInterval(wins, n int) (low, high float64) {
	if n == 0 {
		return 0, 0
	}
	p := float64(wins) / float64(n)
	z := zFor95
	z2 := z * z
	denom := 1 + z2/float64(n)
	center := p + z2/(2*float64(n))
	margin := z * math.Sqrt(p*(1-p)/float64(n)+z2/(4*float64(n)*float64(n)))
	low = (center - margin) / denom
	high = (center + margin) / denom
	if low < 0 {
		low = 0
	}
	if high > 1 {
		high = 1
	}
	return low, high
}

// cohensH is the arcsine-transformed effect size between two proportions, used
// to report how large a gap separates the two agents' win rates.
func cohensH(p1, p2 float64) float64 {
	return 2*math.Asin(math.Sqrt(clamp01(p1))) - 2*math.Asin(math.Sqrt(clamp01(p2)))
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
