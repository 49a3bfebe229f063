// Package chesserr declares this repository's error taxonomy as sentinel values
// usable with errors.Is, avoiding exception-style control flow. Recoverable
// faults (InvalidMove, InsufficientData) are normal, typed results with
// counters; only NumericInstability, CheckpointFormatMismatch and IO/Persistence
// faults are expected to propagate to the TrainingController.
package chesserr

import "github.com/pkg/errors"

// Sentinel errors, wrapped with context via github.com/pkg/errors at each call site
// (errors.Wrapf(ErrInsufficientData, ...)) so errors.Is still matches after wrapping.
var (
	// ErrConfigInvalid is returned by config validation; the process must refuse to
	// start rather than run with a partially-valid configuration.
	ErrConfigInvalid = errors.New("chesserr: invalid configuration")

	// ErrInvalidMove is returned when ActionCodec.Decode does not yield a legal
	// move; callers fall back per their configured fallback chain and must count it.
	ErrInvalidMove = errors.New("chesserr: action index does not decode to a legal move")

	// ErrInsufficientData is returned by ReplayStore.Sample when batch_size >
	// len(); the caller's training phase is skipped for that iteration, not fatal.
	ErrInsufficientData = errors.New("chesserr: replay store does not have enough entries to sample")

	// ErrNumericInstability is returned when a DQNLearner batch produces NaN/Inf
	// loss or gradients. The offending batch is discarded by the caller.
	ErrNumericInstability = errors.New("chesserr: numeric instability detected (NaN/Inf)")

	// ErrCheckpointFormatMismatch is returned when a checkpoint's format_tag is
	// not one its requested backend can deserialize. Never silently reinterpreted.
	ErrCheckpointFormatMismatch = errors.New("chesserr: checkpoint format tag is not compatible with the requested backend")

	// ErrCancelled is returned along the cooperative-stop shutdown path.
	ErrCancelled = errors.New("chesserr: operation cancelled")
)
