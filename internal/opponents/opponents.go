// Package opponents implements two fixed reference agents: a material-counting
// Heuristic and a fixed-depth Minimax searcher. Both are agent.Agent
// implementations with no learned state, used by EvaluationHarness and, through
// the same interface, by TrainingController's opponent pool as a weak baseline
// below any checkpoint.
//
// Minimax is a negamax alpha-beta search over chess.Position/chess.Move, using
// the same material-count static evaluation Heuristic uses at its leaves, since
// this package has no network.Network dependency of its own.
package opponents

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"github.com/AnthonyKot/chess-rl/internal/agent"
	"github.com/AnthonyKot/chess-rl/internal/chess"
)

// Heuristic selects the legal move whose resulting position maximizes the mover's
// material advantage, the static evaluation both Heuristic itself and Minimax's
// leaf nodes use.
type Heuristic struct {
	rng *rand.Rand
}

var _ agent.Agent = (*Heuristic)(nil)

// NewHeuristic constructs a Heuristic. rng breaks ties uniformly among
// equal-valued moves; a nil rng always takes the first maximizer.
func NewHeuristic(rng *rand.Rand) *Heuristic {
	return &Heuristic{rng: rng}
}

func (h *Heuristic) Name() string { return "heuristic" }

func (h *Heuristic) SelectAction(p chess.Position) (chess.Move, error) {
	moves := p.LegalMoves()
	if len(moves) == 0 {
		return nil, errors.New("opponents: Heuristic.SelectAction called on a position with no legal moves")
	}
	mover := p.ActiveColor()

	best := make([]chess.Move, 0, 1)
	bestScore := 0
	for i, m := range moves {
		after := p.Apply(m)
		score := materialScore(after, mover)
		switch {
		case i == 0 || score > bestScore:
			bestScore = score
			best = best[:0]
			best = append(best, m)
		case score == bestScore:
			best = append(best, m)
		}
	}
	if len(best) == 1 || h.rng == nil {
		return best[0], nil
	}
	return best[h.rng.Intn(len(best))], nil
}

// materialScore is the mover's material total minus the opponent's, the same
// MaterialPosition/FEN fallback selfplay.Worker's adjudication uses.
func materialScore(p chess.Position, mover chess.Color) int {
	if mp, ok := p.(chess.MaterialPosition); ok {
		opponent := chess.White
		if mover == chess.White {
			opponent = chess.Black
		}
		return mp.Material(mover) - mp.Material(opponent)
	}
	return materialFromFENFor(p, mover)
}

var fenMaterialPiece = map[byte]chess.PieceType{
	'p': chess.Pawn, 'n': chess.Knight, 'b': chess.Bishop,
	'r': chess.Rook, 'q': chess.Queen, 'k': chess.King,
}

func materialFromFENFor(p chess.Position, mover chess.Color) int {
	fen := p.ToFEN()
	placement := fen
	for i := 0; i < len(fen); i++ {
		if fen[i] == ' ' {
			placement = fen[:i]
			break
		}
	}
	white, black := 0, 0
	for i := 0; i < len(placement); i++ {
		ch := placement[i]
		typ, ok := fenMaterialPiece[ch|0x20]
		if !ok {
			continue
		}
		if ch >= 'A' && ch <= 'Z' {
			white += chess.MaterialWeights[typ]
		} else {
			black += chess.MaterialWeights[typ]
		}
	}
	if mover == chess.White {
		return white - black
	}
	return black - white
}

// Minimax is a fixed-depth negamax alpha-beta searcher over the material
// Heuristic's static evaluation.
type Minimax struct {
	depth int
	rng   *rand.Rand
}

var _ agent.Agent = (*Minimax)(nil)

// NewMinimax constructs a Minimax searching to depth plies (the "minimax:D"
// evaluation opponent). depth must be >= 1.
func NewMinimax(depth int, rng *rand.Rand) *Minimax {
	if depth < 1 {
		depth = 1
	}
	return &Minimax{depth: depth, rng: rng}
}

func (m *Minimax) Name() string { return "minimax" }

func (m *Minimax) SelectAction(p chess.Position) (chess.Move, error) {
	moves := p.LegalMoves()
	if len(moves) == 0 {
		return nil, errors.New("opponents: Minimax.SelectAction called on a position with no legal moves")
	}
	mover := p.ActiveColor()

	best := make([]chess.Move, 0, 1)
	bestScore := 0
	first := true
	for _, mv := range moves {
		after := p.Apply(mv)
		score := -m.negamax(after, m.depth-1, -math32MaxInt, math32MaxInt, mover)
		switch {
		case first || score > bestScore:
			first = false
			bestScore = score
			best = best[:0]
			best = append(best, mv)
		case score == bestScore:
			best = append(best, mv)
		}
	}
	if len(best) == 1 || m.rng == nil {
		return best[0], nil
	}
	return best[m.rng.Intn(len(best))], nil
}

// math32MaxInt bounds the alpha-beta window; chosen well above any reachable
// material score, comfortably exceeding the largest possible sum of
// chess.MaterialWeights.
const math32MaxInt = 1 << 20

// negamax returns the best score reachable from p, depth plies deep, from the
// perspective of the side to move at p (rootMover is passed down but not read),
// following the standard negamax sign-flip convention: negating the child's
// score for the opponent's turn rather than tracking two separate evaluation
// functions.
func (m *Minimax) negamax(p chess.Position, depth int, alpha, beta int, rootMover chess.Color) int {
	if p.IsTerminal() {
		return terminalScore(p.Outcome(), p.ActiveColor())
	}
	if depth <= 0 {
		return materialScore(p, p.ActiveColor())
	}

	moves := p.LegalMoves()
	if len(moves) == 0 {
		return 0
	}

	best := alpha
	for _, mv := range moves {
		after := p.Apply(mv)
		score := -m.negamax(after, depth-1, -beta, -best, rootMover)
		if score > best {
			best = score
		}
		if best >= beta {
			break
		}
	}
	return best
}

// terminalScore scores a finished position from the perspective of color, using a
// value far outside any material score so checkmate always dominates the search.
func terminalScore(outcome chess.Outcome, color chess.Color) int {
	if outcome == chess.Draw || outcome == chess.Ongoing {
		return 0
	}
	score := outcome.ScoreForWhite()
	if color == chess.Black {
		score = -score
	}
	if score > 0 {
		return math32MaxInt / 2
	}
	return -math32MaxInt / 2
}
