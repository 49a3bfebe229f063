// Package action implements a fixed bijection-on-legal-moves between chess.Move
// and an integer ActionIndex in [0, 4096), plus the legal-action masking and
// fallback contract required of every action selector in this repository.
//
// The 4096 layout is 64 from-squares × 64 to-squares. Promotion moves share the
// same slot as their non-promoting equivalent (the promotion piece itself is
// recovered from the chess.Move the engine returns for that slot). This choice
// is named by FormatTagDenseFromTo64x64 so a future layout change can never
// silently reinterpret an old model's weights.
package action

import (
	"sync/atomic"

	"github.com/AnthonyKot/chess-rl/internal/chess"
)

// NumActions is the frozen dense action-space size.
const NumActions = 4096

// FormatTagDenseFromTo64x64 identifies this action-space layout. It is recorded in
// every Checkpoint's metadata (internal/checkpoint) so loads can detect a mismatch.
const FormatTagDenseFromTo64x64 = "dense-from-to-64x64-v1"

// ActionIndex is an integer in [0, NumActions).
type ActionIndex int

// Codec converts between chess.Move and ActionIndex. It is stateless except for
// the fallback counter, which is safe for concurrent use across self-play
// workers: a sustained nonzero rate signals encoder drift.
type Codec struct {
	fallbackCount atomic.Int64
}

// Encode is total: every move maps to exactly one slot.
func (c *Codec) Encode(m chess.Move) ActionIndex {
	return ActionIndex(m.FromSquare()*64 + m.ToSquare())
}

// Decode is partial: it returns the legal move at idx in position p, or (nil, false)
// if idx does not correspond to any currently legal move.
func (c *Codec) Decode(p chess.Position, idx ActionIndex) (chess.Move, bool) {
	for _, m := range p.LegalMoves() {
		if c.Encode(m) == idx {
			return m, true
		}
	}
	return nil, false
}

// LegalMask returns, for the legal moves of p, a map from ActionIndex to the move,
// and the raw slice of legal moves in the same order LegalMoves() returned them.
// Callers use the map to restrict argmax/softmax/UCB selection to legal indices.
func (c *Codec) LegalMask(p chess.Position) (map[ActionIndex]chess.Move, []chess.Move) {
	moves := p.LegalMoves()
	mask := make(map[ActionIndex]chess.Move, len(moves))
	for _, m := range moves {
		mask[c.Encode(m)] = m
	}
	return mask, moves
}

// FallbackCount is the encoder-drift metric: how often SelectLegal had to fall
// back from a proposed, now-illegal action.
func (c *Codec) FallbackCount() int64 {
	return c.fallbackCount.Load()
}

// Scored is a (action, value) pair used by SelectLegal's fallback ranking.
type Scored struct {
	Action ActionIndex
	Q      float32
	Policy float32
}

// SelectLegal implements the masking + fallback contract: the learner never
// selects an index outside the legal set at p. If proposed is legal, it
// is returned unchanged. Otherwise the fallback chain picks, in order: the legal
// index with the highest Q, then the highest policy probability, then a
// deterministic "first legal" tiebreaker (scored's order, which callers should make
// match LegalMoves()'s order for true determinism). Every fallback increments
// FallbackCount.
func (c *Codec) SelectLegal(p chess.Position, proposed ActionIndex, scored []Scored) ActionIndex {
	mask, moves := c.LegalMask(p)
	if len(moves) == 0 {
		// Callers resolve terminal positions before selecting; nothing legal
		// exists to fall back to, so hand the proposal back unchanged.
		return proposed
	}
	if _, ok := mask[proposed]; ok {
		return proposed
	}
	c.fallbackCount.Add(1)

	if len(scored) > 0 {
		legalScored := make([]Scored, 0, len(scored))
		for _, s := range scored {
			if _, ok := mask[s.Action]; ok {
				legalScored = append(legalScored, s)
			}
		}
		if len(legalScored) > 0 {
			return bestByQThenPolicy(legalScored)
		}
	}

	// Deterministic "first legal" tiebreaker.
	return c.Encode(moves[0])
}

func bestByQThenPolicy(scored []Scored) ActionIndex {
	best := scored[0]
	for _, s := range scored[1:] {
		if s.Q > best.Q || (s.Q == best.Q && s.Policy > best.Policy) {
			best = s
		}
	}
	return best.Action
}
