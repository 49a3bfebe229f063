// Package encoding implements a pure, allocation-minimal, thread-safe map from a
// chess.Position to a fixed-length dense StateVector. The feature table below is
// organized as an ordered list of named planes, each a pure setter writing into
// a preallocated slice at a frozen index: 12 piece/color planes plus game-state
// scalars.
package encoding

import (
	"github.com/AnthonyKot/chess-rl/internal/chess"
)

// Plane layout, frozen for the life of any model trained against it:
//
//	12 piece planes (6 piece types × 2 colors) × 64 squares = 768
//	+ 1 side-to-move scalar
//	+ 4 castling-rights scalars (white king/queen side, black king/queen side)
//	+ 1 en-passant-target-file-present scalar
//	+ 1 halfmove-clock signal (normalized)
//	+ 1 fullmove-number signal (normalized)
//	= 776
const (
	numSquares    = 64
	numPieceTypes = 6
	planesDim     = numPieceTypes * 2 * numSquares // 768

	idxSideToMove    = planesDim
	idxCastleWK      = planesDim + 1
	idxCastleWQ      = planesDim + 2
	idxCastleBK      = planesDim + 3
	idxCastleBQ      = planesDim + 4
	idxEnPassant     = planesDim + 5
	idxHalfmoveClock = planesDim + 6
	idxFullmoveNum   = planesDim + 7

	// VectorSize is frozen at 776.
	VectorSize = planesDim + 8
)

// StateVector is the fixed-length dense feature vector encoded from a position.
type StateVector []float32

// CastlingRights is an optional extension a chess.Position may implement so the
// encoder can populate the four castling-availability scalars and the en-passant
// target square scalar precisely. If a Position does not implement it, those five
// scalars are left at zero — the encoding remains a pure function of the Position,
// just a coarser one, and the invariant that identical observable state implies
// identical vectors still holds because "observable" is bounded by what the
// Position exposes.
type CastlingRights interface {
	CanCastle(c chess.Color, kingside bool) bool
	EnPassantFile() (file int, ok bool)
}

// MoveCounters is an optional extension exposing the 50-move and fullmove counters.
type MoveCounters interface {
	HalfmoveClock() int
	FullmoveNumber() int
}

// Encoder is StateEncoder. It carries no state, so the zero value is ready to use and
// is safe for concurrent use by multiple self-play workers and the learner.
type Encoder struct{}

// Encode returns a freshly allocated StateVector for p.
func (Encoder) Encode(p chess.Position) StateVector {
	v := make(StateVector, VectorSize)
	EncodeInto(p, v)
	return v
}

// EncodeInto writes the encoding of p into dst, which must have length VectorSize.
// Encode calls it on a freshly allocated vector; self-play workers and the learner
// call Encode, so no caller in this repository reuses a buffer.
func EncodeInto(p chess.Position, dst StateVector) {
	if len(dst) != VectorSize {
		panic("encoding: EncodeInto requires a destination of length VectorSize")
	}
	for i := range dst {
		dst[i] = 0
	}

	placer, ok := p.(SquarePlacer)
	if ok {
		encodePlacement(placer, dst)
	} else {
		// Positions that cannot enumerate their own squares still get a best-effort
		// encoding derived from FEN, so Encode never panics on a minimal Position.
		encodePlacementFromFEN(p.ToFEN(), dst)
	}

	if p.ActiveColor() == chess.White {
		dst[idxSideToMove] = 1
	} else {
		dst[idxSideToMove] = -1
	}

	if cr, ok := p.(CastlingRights); ok {
		setBool(dst, idxCastleWK, cr.CanCastle(chess.White, true))
		setBool(dst, idxCastleWQ, cr.CanCastle(chess.White, false))
		setBool(dst, idxCastleBK, cr.CanCastle(chess.Black, true))
		setBool(dst, idxCastleBQ, cr.CanCastle(chess.Black, false))
		if _, has := cr.EnPassantFile(); has {
			dst[idxEnPassant] = 1
		}
	}

	if mc, ok := p.(MoveCounters); ok {
		dst[idxHalfmoveClock] = normalizeCounter(mc.HalfmoveClock(), 100)
		dst[idxFullmoveNum] = normalizeCounter(mc.FullmoveNumber(), 200)
	}
}

func setBool(dst StateVector, idx int, v bool) {
	if v {
		dst[idx] = 1
	}
}

func normalizeCounter(v, max int) float32 {
	if v <= 0 {
		return 0
	}
	if v >= max {
		return 1
	}
	return float32(v) / float32(max)
}

// SquarePlacer is an optional, more efficient extension: a Position that can report
// its own piece placement directly, skipping FEN round-tripping on the hot path.
type SquarePlacer interface {
	// PieceAt returns the piece occupying square sq (0..63, a1=0..h8=63) and
	// whether the square is occupied.
	PieceAt(sq int) (typ chess.PieceType, color chess.Color, ok bool)
}

func encodePlacement(p SquarePlacer, dst StateVector) {
	for sq := 0; sq < numSquares; sq++ {
		typ, color, ok := p.PieceAt(sq)
		if !ok || typ == chess.NoPiece {
			continue
		}
		dst[planeIndex(typ, color, sq)] = 1
	}
}

// planeIndex computes the flat index of the (type, color, square) plane entry. Plane
// order is White{Pawn..King} then Black{Pawn..King}, matching chess.PieceType's
// declaration order (Pawn=1 .. King=6, so typ-1 gives a 0-based plane offset).
func planeIndex(typ chess.PieceType, color chess.Color, sq int) int {
	colorOffset := 0
	if color == chess.Black {
		colorOffset = numPieceTypes
	}
	plane := int(typ-1) + colorOffset
	return plane*numSquares + sq
}

var fenPieceType = map[byte]chess.PieceType{
	'p': chess.Pawn, 'n': chess.Knight, 'b': chess.Bishop,
	'r': chess.Rook, 'q': chess.Queen, 'k': chess.King,
}

// encodePlacementFromFEN parses just the first (piece-placement) field of a FEN
// string. It tolerates a bare placement field too, for Positions with a minimal
// ToFEN implementation.
func encodePlacementFromFEN(fen string, dst StateVector) {
	placement := fen
	for i := 0; i < len(fen); i++ {
		if fen[i] == ' ' {
			placement = fen[:i]
			break
		}
	}
	rank := 7
	file := 0
	for i := 0; i < len(placement); i++ {
		c := placement[i]
		switch {
		case c == '/':
			rank--
			file = 0
		case c >= '1' && c <= '8':
			file += int(c - '0')
		default:
			lower := c | 0x20
			typ, ok := fenPieceType[lower]
			if !ok {
				continue
			}
			color := chess.Black
			if c >= 'A' && c <= 'Z' {
				color = chess.White
			}
			if rank >= 0 && rank < 8 && file >= 0 && file < 8 {
				dst[planeIndex(typ, color, rank*8+file)] = 1
			}
			file++
		}
	}
}
