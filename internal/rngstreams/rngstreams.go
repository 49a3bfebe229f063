// Package rngstreams implements a partitioned RNG model: seeds are values owned
// by a SeedConfig, not a process-wide singleton. Each role (nn_init, exploration
// per worker, replay sampling, evaluation) gets its own stream, deterministically
// derived from a single master seed via a documented mixing function. A Stream's
// derivation seed can be saved with Save and rebuilt with Restore; the
// controller's checkpoints store only the master seed.
package rngstreams

import (
	"encoding/binary"
	"hash/fnv"

	"golang.org/x/exp/rand"
)

// SeedConfig is the value the TrainingController owns and hands out partitioned
// streams from at construction time.
type SeedConfig struct {
	Master uint64
}

// NewSeedConfig builds a SeedConfig from a master seed. A nil seed (non-deterministic
// mode) should instead be resolved by the caller to a randomly chosen master seed
// before constructing SeedConfig, so every derived stream stays reproducible within a
// single process lifetime even when the user didn't pin one.
func NewSeedConfig(master uint64) SeedConfig {
	return SeedConfig{Master: master}
}

// mix derives a child seed from the master seed and a role tag plus an optional index
// (e.g. game_index for per-worker exploration streams), via FNV-1a over the role
// string and the two uint64s, the documented mixing function per-worker determinism
// relies on.
func mix(master uint64, role string, index uint64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], master)
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(role))
	binary.LittleEndian.PutUint64(buf[:], index)
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// Stream wraps a *rand.Rand together with the seed it was derived from, so that seed
// can be serialized into a Checkpoint and the stream rebuilt from it.
type Stream struct {
	seed uint64
	rng  *rand.Rand
}

// NewStream derives a stream for the given role name and index from the SeedConfig's
// master seed. Two streams built from the same (master, role, index) are always
// identical, and no role ever shares a stream with another.
func (s SeedConfig) NewStream(role string, index uint64) *Stream {
	seed := mix(s.Master, role, index)
	return &Stream{seed: seed, rng: rand.New(rand.NewSource(seed))}
}

// Rand exposes the underlying generator for callers that need the full rand.Rand API
// (Float64, Intn, Shuffle, ...).
func (s *Stream) Rand() *rand.Rand { return s.rng }

// State captures the stream's derivation seed only. Restore rebuilds the stream at
// the start of its sequence, so draws taken before Save are produced again rather
// than skipped; the position within the sequence is not recorded.
type State struct {
	Seed uint64
}

// Save captures the stream's state for inclusion in a Checkpoint.
func (s *Stream) Save() State { return State{Seed: s.seed} }

// Restore rebuilds a stream from previously saved State.
func Restore(st State) *Stream {
	return &Stream{seed: st.Seed, rng: rand.New(rand.NewSource(st.Seed))}
}

// Well-known role tags, partitioning the RNG space into
// {master, nn_init, exploration_per_worker, replay_sampling, evaluation}.
// No stream is ever shared across roles; the evaluation opponent and the
// controller's opponent-pool draw each get a role of their own so neither can
// collide with the evaluation agent's stream at any iteration index.
const (
	RoleNNInit               = "nn_init"
	RoleExplorationPerWorker = "exploration_per_worker"
	RoleReplaySampling       = "replay_sampling"
	RoleEvaluation           = "evaluation"
	RoleEvaluationOpponent   = "evaluation_opponent"
	RoleSelfPlayWorker       = "self_play_worker"
	RoleSelfPlayOpponent     = "self_play_opponent"
	RoleOpponentPool         = "opponent_pool"
)
