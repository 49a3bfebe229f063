// Package selfplay plays complete games between two agents and emits per-ply
// experiences, then fans that out over a worker pool per training iteration.
// The per-game loop and step-limit adjudication follow the shape of a
// continuously-running game loop with match-result bookkeeping, specialized to
// an explicit Agent-vs-Agent pairing with a material-based adjudication
// threshold read from config rather than hardcoded.
package selfplay

import (
	"github.com/pkg/errors"

	"github.com/AnthonyKot/chess-rl/internal/action"
	"github.com/AnthonyKot/chess-rl/internal/agent"
	"github.com/AnthonyKot/chess-rl/internal/chess"
	"github.com/AnthonyKot/chess-rl/internal/encoding"
	"github.com/AnthonyKot/chess-rl/internal/generics"
	"github.com/AnthonyKot/chess-rl/internal/replay"
)

// TerminationReason is the single tagged reason a game ended.
type TerminationReason int

const (
	Natural TerminationReason = iota
	StepLimitReason
	Manual
)

func (r TerminationReason) String() string {
	switch r {
	case StepLimitReason:
		return "step_limit"
	case Manual:
		return "manual"
	default:
		return "natural"
	}
}

// Config configures a Worker's reward/adjudication options.
type Config struct {
	MaxSteps                 int
	AdjudicationMaterialDiff int
	WinReward                float32
	LossReward               float32
	DrawReward               float32
	StepPenalty              float32
	StepLimitPenalty         float32
	NextStateLegalKnown      bool
}

// GameResult is the single result type a finished or interrupted game reports.
type GameResult struct {
	ID                int64
	Outcome           chess.Outcome
	Length            int
	Experiences       []replay.Experience
	FinalPosition     chess.Position
	TerminationReason TerminationReason
	LearnerColor      chess.Color
	AdjudicatedDraw   bool
}

// Worker is SelfPlayWorker.
type Worker struct {
	cfg   Config
	codec *action.Codec
	enc   encoding.Encoder
}

// New constructs a Worker.
func New(cfg Config, codec *action.Codec) *Worker {
	return &Worker{cfg: cfg, codec: codec}
}

// PlayGame plays one complete game from start, with white and black as the agents
// to move for chess.White and chess.Black respectively. learnerColor only tags the
// returned GameResult (for win/draw/loss bookkeeping against the learner); it does
// not change how rewards are computed, since every experience's reward is relative
// to the color that moved at that ply — the standard self-play convention under
// which a single value function serves both sides symmetrically.
func (w *Worker) PlayGame(gameID int64, start chess.Position, white, black agent.Agent, learnerColor chess.Color, stop func() bool) (GameResult, error) {
	pos := start
	var experiences []replay.Experience
	ply := 0

	for {
		if stop != nil && stop() {
			return GameResult{
				ID: gameID, Outcome: chess.Ongoing, Length: ply, Experiences: experiences,
				FinalPosition: pos, TerminationReason: Manual, LearnerColor: learnerColor,
			}, nil
		}

		if pos.IsTerminal() {
			return GameResult{
				ID: gameID, Outcome: pos.Outcome(), Length: ply, Experiences: experiences,
				FinalPosition: pos, TerminationReason: Natural, LearnerColor: learnerColor,
			}, nil
		}

		legal := pos.LegalMoves()
		if len(legal) == 0 {
			// Contract violation by the engine, but resolve as a draw rather than
			// propagating a panic into the orchestrator.
			return GameResult{
				ID: gameID, Outcome: chess.Draw, Length: ply, Experiences: experiences,
				FinalPosition: pos, TerminationReason: Natural, LearnerColor: learnerColor,
			}, nil
		}

		if ply >= w.cfg.MaxSteps {
			outcome, drawn := w.adjudicate(pos)
			w.sealAdjudicated(experiences, outcome)
			return GameResult{
				ID: gameID, Outcome: outcome, Length: ply, Experiences: experiences,
				FinalPosition: pos, TerminationReason: StepLimitReason, LearnerColor: learnerColor,
				AdjudicatedDraw: drawn,
			}, nil
		}

		mover := white
		if pos.ActiveColor() == chess.Black {
			mover = black
		}

		move, err := mover.SelectAction(pos)
		if err != nil {
			return GameResult{}, errors.Wrapf(err, "selfplay: game %d ply %d: agent %s failed to select an action", gameID, ply, mover.Name())
		}

		before := pos
		after := pos.Apply(move)
		ply++

		idx := w.actionIndexFor(mover, move)
		exp, err := w.stepExperience(gameID, ply, before, idx, after)
		if err != nil {
			return GameResult{}, err
		}
		experiences = append(experiences, exp)
		pos = after
	}
}

// actionIndexFor prefers an agent's own reported ActionIndex (agent.ActionIndexer) to
// avoid re-deriving it from the move, falling back to the shared Codec otherwise.
func (w *Worker) actionIndexFor(a agent.Agent, move chess.Move) action.ActionIndex {
	if indexer, ok := a.(agent.ActionIndexer); ok {
		return indexer.LastAction()
	}
	return w.codec.Encode(move)
}

// stepExperience builds the Experience for a non-final ply: zero reward (optionally
// StepPenalty) unless applying the move immediately ends the game.
func (w *Worker) stepExperience(gameID int64, ply int, before chess.Position, idx action.ActionIndex, after chess.Position) (replay.Experience, error) {
	mover := before.ActiveColor()
	state := w.enc.Encode(before)

	if after.IsTerminal() {
		reward := w.terminalReward(after.Outcome(), mover)
		return replay.Experience{
			State: state, Action: idx, Reward: reward,
			NextState: absorbingTerminalState(), Terminal: true,
			Meta: replay.ExperienceMeta{GameID: gameID, MoveNumber: ply, Quality: 1, ActiveColor: mover},
		}, nil
	}

	next := w.enc.Encode(after)
	var legal []action.ActionIndex
	if w.cfg.NextStateLegalKnown {
		legal = generics.SliceMap(after.LegalMoves(), w.codec.Encode)
	}
	return replay.Experience{
		State: state, Action: idx, Reward: w.cfg.StepPenalty,
		NextState: next, Terminal: false, NextLegalActions: legal,
		Meta: replay.ExperienceMeta{GameID: gameID, MoveNumber: ply, Quality: 1, ActiveColor: mover},
	}, nil
}

// sealAdjudicated converts the last emitted experience into the game's terminal
// transition when the step limit fires: no move is actually played at the
// adjudicated position, so the last real ply carries the adjudicated reward
// (plus StepLimitPenalty) and the absorbing terminal encoding instead of an
// artificial action-less record.
func (w *Worker) sealAdjudicated(experiences []replay.Experience, outcome chess.Outcome) {
	if len(experiences) == 0 {
		return
	}
	last := &experiences[len(experiences)-1]
	last.Reward = w.terminalReward(outcome, last.Meta.ActiveColor) + w.cfg.StepLimitPenalty
	last.Terminal = true
	last.NextState = absorbingTerminalState()
	last.NextLegalActions = nil
	last.Meta.Quality = 0.5
}

// terminalReward converts a finished chess.Outcome into the configured reward,
// from the perspective of color: a terminal-only {+win_r, -win_r, draw_r} signal
// from the mover's perspective, the symmetric self-play convention PlayGame's
// doc comment explains.
func (w *Worker) terminalReward(outcome chess.Outcome, color chess.Color) float32 {
	if outcome == chess.Draw {
		return w.cfg.DrawReward
	}
	score := outcome.ScoreForWhite()
	if color == chess.Black {
		score = -score
	}
	if score > 0 {
		return w.cfg.WinReward
	}
	return w.cfg.LossReward
}

// adjudicate implements fixed material-weight step-limit adjudication: diff >=
// AdjudicationMaterialDiff means the stronger side wins, otherwise a draw.
func (w *Worker) adjudicate(pos chess.Position) (outcome chess.Outcome, drawn bool) {
	whiteMat := materialFor(pos, chess.White)
	blackMat := materialFor(pos, chess.Black)
	diff := whiteMat - blackMat
	if diff < 0 {
		diff = -diff
	}
	if diff < w.cfg.AdjudicationMaterialDiff {
		return chess.Draw, true
	}
	if whiteMat > blackMat {
		return chess.WhiteWins, false
	}
	return chess.BlackWins, false
}

func materialFor(pos chess.Position, c chess.Color) int {
	if mp, ok := pos.(chess.MaterialPosition); ok {
		return mp.Material(c)
	}
	return materialFromFEN(pos.ToFEN(), c)
}

var fenMaterialPiece = map[byte]chess.PieceType{
	'p': chess.Pawn, 'n': chess.Knight, 'b': chess.Bishop,
	'r': chess.Rook, 'q': chess.Queen, 'k': chess.King,
}

func materialFromFEN(fen string, c chess.Color) int {
	placement := fen
	for i := 0; i < len(fen); i++ {
		if fen[i] == ' ' {
			placement = fen[:i]
			break
		}
	}
	total := 0
	for i := 0; i < len(placement); i++ {
		ch := placement[i]
		lower := ch | 0x20
		typ, ok := fenMaterialPiece[lower]
		if !ok {
			continue
		}
		pieceColor := chess.Black
		if ch >= 'A' && ch <= 'Z' {
			pieceColor = chess.White
		}
		if pieceColor == c {
			total += chess.MaterialWeights[typ]
		}
	}
	return total
}

// absorbingTerminalState is the fixed zero vector every terminal Experience's
// NextState holds: the absorbing terminal encoding.
func absorbingTerminalState() encoding.StateVector {
	return make(encoding.StateVector, encoding.VectorSize)
}
