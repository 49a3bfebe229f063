package encoding_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AnthonyKot/chess-rl/internal/chess"
	"github.com/AnthonyKot/chess-rl/internal/chess/chesstest"
	"github.com/AnthonyKot/chess-rl/internal/encoding"
)

func TestEncodeIsPureAndDeterministic(t *testing.T) {
	b1 := chesstest.NewStandard()
	b2 := chesstest.NewStandard()

	var enc encoding.Encoder
	v1 := enc.Encode(b1)
	v2 := enc.Encode(b2)

	require.Len(t, v1, encoding.VectorSize)
	require.Equal(t, v1, v2, "identical positions must yield bitwise-identical vectors")
}

func TestEncodeDistinguishesPositions(t *testing.T) {
	var enc encoding.Encoder
	b := chesstest.NewStandard()
	v0 := enc.Encode(b)

	moves := b.LegalMoves()
	require.NotEmpty(t, moves)
	next := b.Apply(moves[0]).(chess.Position)
	v1 := enc.Encode(next)

	require.NotEqual(t, v0, v1)
}

func TestEncodeIntoRejectsWrongLength(t *testing.T) {
	b := chesstest.NewStandard()
	require.Panics(t, func() {
		encoding.EncodeInto(b, make(encoding.StateVector, 1))
	})
}

func TestSideToMoveFlips(t *testing.T) {
	var enc encoding.Encoder
	b := chesstest.NewStandard()
	v0 := enc.Encode(b)
	moves := b.LegalMoves()
	next := b.Apply(moves[0])
	v1 := enc.Encode(next)

	require.Equal(t, float32(1), v0[768])
	require.Equal(t, float32(-1), v1[768])
}
