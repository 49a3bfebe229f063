// Package network defines Network: the frozen boundary between internal/dqn and
// the neural-net kernel backend, splitting "score a position" from "learn from
// labeled positions" into a single batched forward/backward/step contract so
// either a real XLA-backed net (network/gomlxnet) or a pure-Go deterministic net
// (network/densenet) can serve DQNLearner interchangeably.
package network

// Params is an opaque, backend-defined snapshot of a Network's learnable state
// (weights, optimizer moments, …), suitable for gob encoding by internal/checkpoint.
// Each backend defines its own concrete type satisfying this interface; dqn never
// inspects its contents.
type Params interface {
	// BackendTag identifies which Network implementation produced this snapshot, so
	// Load can reject a mismatched backend instead of corrupting memory.
	BackendTag() string
}

// Network is the batched forward/backward/optimizer-step contract every backend
// implements. All methods operate on batches (even a batch of one) since that is
// the only shape internal/dqn ever needs: self-play inference uses batches of one
// position's legal-action Q-values, and training uses minibatches.
type Network interface {
	// Forward computes Q-values for each row of batch (a StateVector per row).
	// The returned slice has one row per input row, each of length NumActions.
	Forward(batch [][]float32) (qValues [][]float32, err error)

	// Backward computes gradients for batch given the loss gradient dLoss (same
	// shape as Forward's output), accumulating them internally for the next Step.
	// It returns the pre-clip gradient L2 norm, exposed for numerical-instability
	// detection.
	Backward(batch [][]float32, dLoss [][]float32) (gradNorm float32, err error)

	// Step applies the accumulated gradient via the configured optimizer and
	// clears the accumulator.
	Step() error

	// Snapshot returns the current learnable state, safe to retain after the call
	// (it must not alias mutable internal storage).
	Snapshot() Params

	// Load replaces the current learnable state with p. p must have been produced
	// by Snapshot on a Network of the same backend and topology.
	Load(p Params) error

	// Clone returns a deep, independent copy. internal/dqn does not use it: its
	// target network is seeded and synced via Load(online.Snapshot()).
	Clone() Network
}
