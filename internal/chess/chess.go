// Package chess defines the contract this repository expects from an external chess
// rule engine. Nothing in this package implements chess rules: move generation,
// make/unmake, terminal detection and FEN serialization are assumed to be provided by
// a separate engine. The rest of the core depends only on these interfaces, so any
// conforming engine can be plugged in without touching internal/encoding,
// internal/action, internal/selfplay, etc.
package chess

// Color is the side to move.
type Color uint8

const (
	White Color = iota
	Black
)

// Opposite returns the other color.
func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

func (c Color) String() string {
	if c == White {
		return "white"
	}
	return "black"
}

// Outcome is the single tagged result type used throughout this repository,
// replacing what could otherwise be two competing representations (an enum and
// a separate status string) with exactly one.
type Outcome uint8

const (
	Ongoing Outcome = iota
	WhiteWins
	BlackWins
	Draw
)

func (o Outcome) String() string {
	switch o {
	case WhiteWins:
		return "white_wins"
	case BlackWins:
		return "black_wins"
	case Draw:
		return "draw"
	default:
		return "ongoing"
	}
}

// ScoreForWhite returns +1/-1/0 for a finished Outcome, from White's perspective.
// It panics if called on Ongoing; callers must check IsTerminal first.
func (o Outcome) ScoreForWhite() float32 {
	switch o {
	case WhiteWins:
		return 1
	case BlackWins:
		return -1
	case Draw:
		return 0
	default:
		panic("chess: ScoreForWhite called on a non-terminal Outcome")
	}
}

// Move is an opaque move produced by the external engine. ActionCodec maps it to and
// from a dense ActionIndex; nothing outside the engine needs to know its internal
// shape, so the interface is intentionally minimal.
type Move interface {
	// FromSquare and ToSquare are 0..63 (a1=0 .. h8=63), the layout ActionCodec encodes.
	FromSquare() int
	ToSquare() int

	// IsPromotion reports whether this move promotes a pawn, and PromotionPiece
	// names the piece (one of "q", "r", "b", "n"); the return value is unspecified
	// when IsPromotion is false.
	IsPromotion() bool
	PromotionPiece() string

	// UCI returns the move in UCI notation (e.g. "e2e4", "a7a8q"), used only for
	// logs and experience metadata — never parsed back by this repository.
	UCI() string
}

// Position is an opaque, immutable game state. Positions are expected to be cheap to
// derive from one another via Apply (typically copy-on-write or persistent data
// structures on the engine side); this repository never mutates a Position in place.
type Position interface {
	// LegalMoves returns every legal move from this position. An empty slice combined
	// with IsTerminal()==false is a contract violation by the engine.
	LegalMoves() []Move

	// Apply returns the position after playing move, which must be one of the
	// Moves returned by LegalMoves(). The receiver is left untouched.
	Apply(move Move) Position

	// IsTerminal reports whether the game has ended (checkmate, stalemate, draw by
	// rule, etc.) at this position.
	IsTerminal() bool

	// Outcome is meaningful only when IsTerminal() is true.
	Outcome() Outcome

	// ActiveColor is the side to move at this position.
	ActiveColor() Color

	// ToFEN serializes the position to Forsyth-Edwards Notation, used wherever a
	// position must cross a process boundary (logs, saved games, debugging tools).
	ToFEN() string
}

// PieceType is used by StateEncoder and the material-based step-limit adjudication in
// internal/selfplay. Values match the standard piece set; King is included for
// completeness of the encoding even though its material weight is always zero.
type PieceType uint8

const (
	NoPiece PieceType = iota
	Pawn
	Knight
	Bishop
	Rook
	Queen
	King
)

// MaterialWeights are the fixed piece values used for step-limit adjudication.
// The adjudication threshold itself is policy, not law: it lives in
// config.Config.AdjudicationMaterialDiff, not hardcoded at call sites, but the
// per-piece weights themselves are a chess constant and are declared once, here.
var MaterialWeights = map[PieceType]int{
	NoPiece: 0,
	Pawn:    1,
	Knight:  3,
	Bishop:  3,
	Rook:    5,
	Queen:   9,
	King:    0,
}

// MaterialPosition is an optional extension a Position may implement to let
// internal/selfplay compute step-limit adjudication without re-deriving piece counts
// from FEN parsing. If a Position does not implement it, selfplay.Worker falls back
// to counting pieces from ToFEN().
type MaterialPosition interface {
	// Material returns the total material value (sum of MaterialWeights) for the
	// given color's remaining pieces.
	Material(c Color) int
}
