// Package replay implements a bounded, FIFO-eviction experience buffer
// supporting uniform and priority sampling. The rotating-buffer shape is a
// MaxSize-bounded slice that starts overwriting at a running index once full,
// generalized here from bare board/label pairs to full Experience/priority
// entries, with prioritized sampling and importance-sampling weights added.
package replay

import (
	"math"
	"sync"

	"golang.org/x/exp/rand"

	"github.com/pkg/errors"

	"github.com/AnthonyKot/chess-rl/internal/action"
	"github.com/AnthonyKot/chess-rl/internal/chess"
	"github.com/AnthonyKot/chess-rl/internal/chesserr"
	"github.com/AnthonyKot/chess-rl/internal/encoding"
)

// ExperienceMeta carries the per-step metadata recorded alongside each Experience.
type ExperienceMeta struct {
	GameID      int64
	MoveNumber  int
	Quality     float32 // in [0,1]
	ActiveColor chess.Color
}

// Experience is one transition recorded during self-play.
type Experience struct {
	State     encoding.StateVector
	Action    action.ActionIndex
	Reward    float32
	NextState encoding.StateVector
	Terminal  bool
	Meta      ExperienceMeta

	// NextLegalActions is the legal-action set at NextState, populated by
	// SelfPlayWorker only when config.Config.NextStateLegalKnown is true. Nil
	// means "not known"; DQNLearner's double-Q target then bootstraps over all
	// actions instead of masking to legality, degrading cleanly when the
	// next-state legal set is unavailable. Always nil when Terminal is true.
	NextLegalActions []action.ActionIndex
}

// entry is an Experience plus its priority.
type entry struct {
	exp      Experience
	priority float64
}

// Batch is what Sample returns: the sampled experiences, their indices (needed by
// UpdatePriorities), and importance-sampling weights (1.0 for every entry under
// uniform sampling).
type Batch struct {
	Experiences []Experience
	Indices     []int
	Weights     []float64
}

// Kind selects the sampling mode.
type Kind int

const (
	Uniform Kind = iota
	Prioritized
)

// Store is the experience replay buffer. All mutating/reading operations are
// serialized through a single mutex: push/sample/update_priorities must each be
// atomic with respect to one another, though pushes need not block samples or
// vice versa — a single mutex satisfies the atomicity requirement at the cost of
// that extra (unrequired) concurrency, an acceptable and far simpler trade than
// finer-grained locking.
type Store struct {
	mu       sync.Mutex
	entries  []entry
	next     int // next slot to write once capacity is reached
	capacity int
	kind     Kind
	alpha    float64
	beta     float64
	epsilon  float64
	maxPrio  float64
	rng      *rand.Rand
}

// New constructs a Store with the given capacity and sampling kind. rng must be the
// partitioned "replay_sampling" stream (internal/rngstreams), never shared with any
// other role.
func New(capacity int, kind Kind, alpha, beta float64, rng *rand.Rand) *Store {
	if capacity <= 0 {
		panic("replay: capacity must be > 0")
	}
	return &Store{
		entries:  make([]entry, 0, capacity),
		capacity: capacity,
		kind:     kind,
		alpha:    alpha,
		beta:     beta,
		epsilon:  1e-6,
		maxPrio:  1.0,
		rng:      rng,
	}
}

// Push appends exp with priority equal to the running max, so new entries are
// guaranteed sampled at least once. On overflow the oldest entry is evicted
// (FIFO-by-insertion), enforcing the hard capacity bound.
func (s *Store) Push(exp Experience) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{exp: exp, priority: s.maxPrio}
	if len(s.entries) < s.capacity {
		s.entries = append(s.entries, e)
		return
	}
	s.entries[s.next] = e
	s.next = (s.next + 1) % s.capacity
}

// Len returns the number of populated entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear empties the store.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
	s.next = 0
	s.maxPrio = 1.0
}

// Sample draws batchSize entries. It fails with chesserr.ErrInsufficientData if
// batchSize > Len(); callers must gate on a configurable warm-up threshold.
func (s *Store) Sample(batchSize int) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	if batchSize > n {
		return Batch{}, errors.Wrapf(chesserr.ErrInsufficientData,
			"requested batch_size=%d, only %d entries available", batchSize, n)
	}

	switch s.kind {
	case Prioritized:
		return s.samplePrioritizedLocked(batchSize)
	default:
		return s.sampleUniformLocked(batchSize)
	}
}

// sampleUniformLocked draws batchSize distinct indices uniformly without replacement.
func (s *Store) sampleUniformLocked(batchSize int) (Batch, error) {
	n := len(s.entries)
	perm := s.rng.Perm(n)
	idx := perm[:batchSize]

	b := Batch{
		Experiences: make([]Experience, batchSize),
		Indices:     make([]int, batchSize),
		Weights:     make([]float64, batchSize),
	}
	for i, ix := range idx {
		b.Experiences[i] = s.entries[ix].exp
		b.Indices[i] = ix
		b.Weights[i] = 1.0
	}
	return b, nil
}

// samplePrioritizedLocked draws indices with probability proportional to
// priority^alpha, and computes normalized importance-sampling weights
// w_i = (N*P(i))^-beta / max(w).
func (s *Store) samplePrioritizedLocked(batchSize int) (Batch, error) {
	n := len(s.entries)
	weightsRaw := make([]float64, n)
	var total float64
	for i, e := range s.entries {
		w := math.Pow(e.priority, s.alpha)
		weightsRaw[i] = w
		total += w
	}

	b := Batch{
		Experiences: make([]Experience, batchSize),
		Indices:     make([]int, batchSize),
		Weights:     make([]float64, batchSize),
	}

	seen := make(map[int]bool, batchSize)
	isWeights := make([]float64, batchSize)
	maxW := 0.0
	for i := 0; i < batchSize; i++ {
		ix := s.weightedPick(weightsRaw, total, seen)
		seen[ix] = true
		b.Experiences[i] = s.entries[ix].exp
		b.Indices[i] = ix

		p := weightsRaw[ix] / total
		w := math.Pow(float64(n)*p, -s.beta)
		isWeights[i] = w
		if w > maxW {
			maxW = w
		}
	}
	if maxW == 0 {
		maxW = 1
	}
	for i := range isWeights {
		b.Weights[i] = isWeights[i] / maxW
	}
	return b, nil
}

// weightedPick draws a single index proportional to weightsRaw, excluding indices
// already in seen (sampling without replacement). It falls back to a uniform pick
// over the remaining pool if the weighted draw repeatedly lands on an already-seen
// index, to guarantee termination.
func (s *Store) weightedPick(weightsRaw []float64, total float64, seen map[int]bool) int {
	for attempt := 0; attempt < 64; attempt++ {
		r := s.rng.Float64() * total
		var cum float64
		for i, w := range weightsRaw {
			cum += w
			if r <= cum {
				if !seen[i] {
					return i
				}
				break
			}
		}
	}
	for i := range weightsRaw {
		if !seen[i] {
			return i
		}
	}
	panic("replay: weightedPick found no unseen index")
}

// UpdatePriorities sets new priorities for the entries at indices. Callers
// pass |TD_error|; the store adds its own epsilon to each value. Newly
// pushed entries keep taking the running max so they stay eligible
// immediately; this call also raises the running max if any new priority exceeds it.
func (s *Store) UpdatePriorities(indices []int, priorities []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ix := range indices {
		if ix < 0 || ix >= len(s.entries) {
			continue
		}
		p := priorities[i] + s.epsilon
		s.entries[ix].priority = p
		if p > s.maxPrio {
			s.maxPrio = p
		}
	}
}
