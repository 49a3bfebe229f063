package action_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AnthonyKot/chess-rl/internal/action"
	"github.com/AnthonyKot/chess-rl/internal/chess/chesstest"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := chesstest.NewStandard()
	var codec action.Codec

	for _, m := range b.LegalMoves() {
		idx := codec.Encode(m)
		require.True(t, idx >= 0 && idx < action.NumActions)
		decoded, ok := codec.Decode(b, idx)
		require.True(t, ok)
		require.Equal(t, m.FromSquare(), decoded.FromSquare())
		require.Equal(t, m.ToSquare(), decoded.ToSquare())
	}
}

func TestDecodeIllegalIndexFails(t *testing.T) {
	b := chesstest.NewStandard()
	var codec action.Codec

	legal, _ := codec.LegalMask(b)
	for idx := 0; idx < action.NumActions; idx++ {
		if _, ok := legal[action.ActionIndex(idx)]; !ok {
			_, ok := codec.Decode(b, action.ActionIndex(idx))
			require.False(t, ok)
			break
		}
	}
}

func TestSelectLegalPassesThroughLegalProposal(t *testing.T) {
	b := chesstest.NewStandard()
	var codec action.Codec
	_, moves := codec.LegalMask(b)
	legalIdx := codec.Encode(moves[0])

	before := codec.FallbackCount()
	got := codec.SelectLegal(b, legalIdx, nil)
	require.Equal(t, legalIdx, got)
	require.Equal(t, before, codec.FallbackCount())
}

func TestSelectLegalFallsBackAndCounts(t *testing.T) {
	b := chesstest.NewStandard()
	var codec action.Codec
	mask, moves := codec.LegalMask(b)

	// Find an illegal index to propose.
	var illegal action.ActionIndex = -1
	for idx := 0; idx < action.NumActions; idx++ {
		if _, ok := mask[action.ActionIndex(idx)]; !ok {
			illegal = action.ActionIndex(idx)
			break
		}
	}
	require.NotEqual(t, action.ActionIndex(-1), illegal)

	scored := []action.Scored{
		{Action: codec.Encode(moves[0]), Q: 0.1},
		{Action: codec.Encode(moves[1]), Q: 0.9},
	}

	before := codec.FallbackCount()
	got := codec.SelectLegal(b, illegal, scored)
	require.Equal(t, codec.Encode(moves[1]), got)
	require.Equal(t, before+1, codec.FallbackCount())
}
