// Package chesstest provides a minimal, deterministic fake implementing
// chess.Position/chess.Move for unit tests of the core packages. It is not a legal
// chess engine — it plays a simplified, rules-light variant on a standard 8x8 board
// (no check detection, no castling/en-passant) that is just rich enough to exercise
// encoding, action masking, replay and self-play without pulling in a real engine.
package chesstest

import (
	"fmt"
	"strings"

	"github.com/AnthonyKot/chess-rl/internal/chess"
)

// piece is a (type, color) pair; zero value is an empty square.
type piece struct {
	typ   chess.PieceType
	color chess.Color
	there bool
}

// Board is a fake Position. Board values are immutable from the outside: Apply always
// returns a new *Board.
type Board struct {
	squares [64]piece
	active  chess.Color
	ply     int
	maxPly  int
}

var _ chess.Position = (*Board)(nil)
var _ chess.MaterialPosition = (*Board)(nil)

// NewStandard returns the standard chess starting position.
func NewStandard() *Board {
	b := &Board{active: chess.White, maxPly: 400}
	backRank := []chess.PieceType{
		chess.Rook, chess.Knight, chess.Bishop, chess.Queen,
		chess.King, chess.Bishop, chess.Knight, chess.Rook,
	}
	for file := 0; file < 8; file++ {
		b.squares[sq(file, 0)] = piece{backRank[file], chess.White, true}
		b.squares[sq(file, 1)] = piece{chess.Pawn, chess.White, true}
		b.squares[sq(file, 6)] = piece{chess.Pawn, chess.Black, true}
		b.squares[sq(file, 7)] = piece{backRank[file], chess.Black, true}
	}
	return b
}

func sq(file, rank int) int { return rank*8 + file }

func fileRank(s int) (file, rank int) { return s % 8, s / 8 }

// move is the chesstest chess.Move implementation: a plain from/to pair, optionally a
// promotion when a pawn reaches the last rank.
type move struct {
	from, to int
	promo    string
}

var _ chess.Move = move{}

func (m move) FromSquare() int        { return m.from }
func (m move) ToSquare() int          { return m.to }
func (m move) IsPromotion() bool      { return m.promo != "" }
func (m move) PromotionPiece() string { return m.promo }
func (m move) UCI() string {
	squareName := func(s int) string {
		f, r := fileRank(s)
		return fmt.Sprintf("%c%d", 'a'+f, r+1)
	}
	return squareName(m.from) + squareName(m.to) + m.promo
}

// LegalMoves generates pseudo-legal sliding/step moves per piece type, ignoring check.
// It is deliberately simple: enough to generate a rich, non-trivial branching factor
// without needing real chess legality.
func (b *Board) LegalMoves() []chess.Move {
	var moves []move
	for from := 0; from < 64; from++ {
		p := b.squares[from]
		if !p.there || p.color != b.active {
			continue
		}
		moves = append(moves, b.pieceMoves(from, p)...)
	}
	out := make([]chess.Move, len(moves))
	for i, m := range moves {
		out[i] = m
	}
	return out
}

func (b *Board) pieceMoves(from int, p piece) []move {
	ff, fr := fileRank(from)
	var deltas [][2]int
	slide := false
	switch p.typ {
	case chess.Pawn:
		dir := 1
		if p.color == chess.Black {
			dir = -1
		}
		var out []move
		if fr+dir >= 0 && fr+dir < 8 && !b.squares[sq(ff, fr+dir)].there {
			out = append(out, b.pawnMoveOrPromo(from, sq(ff, fr+dir), fr+dir))
		}
		for _, df := range []int{-1, 1} {
			nf := ff + df
			nr := fr + dir
			if nf < 0 || nf > 7 || nr < 0 || nr > 7 {
				continue
			}
			target := b.squares[sq(nf, nr)]
			if target.there && target.color != p.color {
				out = append(out, b.pawnMoveOrPromo(from, sq(nf, nr), nr))
			}
		}
		return out
	case chess.Knight:
		deltas = [][2]int{{1, 2}, {2, 1}, {-1, 2}, {-2, 1}, {1, -2}, {2, -1}, {-1, -2}, {-2, -1}}
	case chess.King:
		deltas = [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}, {1, 1}, {1, -1}, {-1, 1}, {-1, -1}}
	case chess.Bishop:
		deltas = [][2]int{{1, 1}, {1, -1}, {-1, 1}, {-1, -1}}
		slide = true
	case chess.Rook:
		deltas = [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
		slide = true
	case chess.Queen:
		deltas = [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}, {1, 1}, {1, -1}, {-1, 1}, {-1, -1}}
		slide = true
	}

	var out []move
	for _, d := range deltas {
		nf, nr := ff+d[0], fr+d[1]
		for nf >= 0 && nf <= 7 && nr >= 0 && nr <= 7 {
			target := b.squares[sq(nf, nr)]
			if !target.there {
				out = append(out, move{from, sq(nf, nr), ""})
			} else {
				if target.color != p.color {
					out = append(out, move{from, sq(nf, nr), ""})
				}
				break
			}
			if !slide {
				break
			}
			nf += d[0]
			nr += d[1]
		}
	}
	return out
}

func (b *Board) pawnMoveOrPromo(from, to, destRank int) move {
	if destRank == 0 || destRank == 7 {
		return move{from, to, "q"}
	}
	return move{from, to, ""}
}

// Apply plays m (which must be one returned by LegalMoves) and returns the resulting
// Board.
func (b *Board) Apply(m chess.Move) chess.Position {
	nb := *b
	mm := m.(move)
	moved := nb.squares[mm.from]
	nb.squares[mm.from] = piece{}
	if mm.promo == "q" {
		moved.typ = chess.Queen
	}
	nb.squares[mm.to] = moved
	nb.active = nb.active.Opposite()
	nb.ply++
	return &nb
}

// IsTerminal reports a king capture (this fake has no check detection, so the game
// ends the move after a king is actually taken) or the ply limit.
func (b *Board) IsTerminal() bool {
	if b.ply >= b.maxPly {
		return true
	}
	return !b.hasKing(chess.White) || !b.hasKing(chess.Black)
}

func (b *Board) hasKing(c chess.Color) bool {
	for _, p := range b.squares {
		if p.there && p.typ == chess.King && p.color == c {
			return true
		}
	}
	return false
}

func (b *Board) Outcome() chess.Outcome {
	if !b.hasKing(chess.White) {
		return chess.BlackWins
	}
	if !b.hasKing(chess.Black) {
		return chess.WhiteWins
	}
	return chess.Draw
}

func (b *Board) ActiveColor() chess.Color { return b.active }

// PieceAt reports the piece on square s, letting the state encoder skip the FEN
// round-trip.
func (b *Board) PieceAt(s int) (chess.PieceType, chess.Color, bool) {
	p := b.squares[s]
	if !p.there {
		return chess.NoPiece, chess.White, false
	}
	return p.typ, p.color, true
}

func (b *Board) Material(c chess.Color) int {
	total := 0
	for _, p := range b.squares {
		if p.there && p.color == c {
			total += chess.MaterialWeights[p.typ]
		}
	}
	return total
}

var pieceLetters = map[chess.PieceType]string{
	chess.Pawn: "p", chess.Knight: "n", chess.Bishop: "b",
	chess.Rook: "r", chess.Queen: "q", chess.King: "k",
}

// ToFEN emits a simplified FEN: piece placement and side to move only (no castling/
// en-passant/clock fields, since this fake tracks none of them).
func (b *Board) ToFEN() string {
	var sb strings.Builder
	for rank := 7; rank >= 0; rank-- {
		empty := 0
		for file := 0; file < 8; file++ {
			p := b.squares[sq(file, rank)]
			if !p.there {
				empty++
				continue
			}
			if empty > 0 {
				fmt.Fprintf(&sb, "%d", empty)
				empty = 0
			}
			letter := pieceLetters[p.typ]
			if p.color == chess.White {
				letter = strings.ToUpper(letter)
			}
			sb.WriteString(letter)
		}
		if empty > 0 {
			fmt.Fprintf(&sb, "%d", empty)
		}
		if rank > 0 {
			sb.WriteByte('/')
		}
	}
	if b.active == chess.White {
		sb.WriteString(" w")
	} else {
		sb.WriteString(" b")
	}
	return sb.String()
}
