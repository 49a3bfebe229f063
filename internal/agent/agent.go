// Package agent defines a flat contract: Agent (anything that can choose a move)
// plus the optional ActionIndexer extension. This avoids a deep adapter hierarchy:
// self-play and evaluation only ever need an Agent, never the concrete type
// behind it.
package agent

import (
	"github.com/AnthonyKot/chess-rl/internal/action"
	"github.com/AnthonyKot/chess-rl/internal/chess"
)

// Agent is the one operation every action selector needs: choose a legal move
// at a position. A DQNLearner implements Agent by delegating to its online
// network; a frozen checkpoint, a material-count heuristic, and a fixed-depth
// minimax searcher all implement it the same way, so SelfPlayWorker and
// EvaluationHarness never need to know which kind of agent they are driving.
type Agent interface {
	// SelectAction picks one of the legal moves at p. Implementations must never
	// return a move absent from p.LegalMoves().
	SelectAction(p chess.Position) (chess.Move, error)

	// Name identifies the agent for logs, metrics, and opponent-pool bookkeeping.
	Name() string
}

// ActionIndexer is an optional extension an Agent may implement to expose the raw
// ActionIndex it selected (not just the decoded chess.Move), so SelfPlayWorker can
// record it on the Experience without re-encoding. DQNLearner implements this;
// heuristic and minimax agents do not need to, since SelfPlayWorker falls back to
// re-encoding the returned Move with the shared action.Codec.
type ActionIndexer interface {
	LastAction() action.ActionIndex
}
