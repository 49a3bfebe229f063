// Package densenet implements a dependency-free, deterministic feedforward Network:
// manual backprop, gradient L2 clipping, and Adam or SGD-with-momentum updates
// over an arbitrary stack of tanh-activated hidden layers with a linear
// (unsquashed) output layer sized to the action space, since Q-values are not
// bounded the way a squashed board-evaluation score would be. It exists so
// internal/dqn's determinism and round-trip tests never depend on a GPU/XLA backend.
package densenet

import (
	"encoding/gob"
	"fmt"
	"slices"
	"sync"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"github.com/AnthonyKot/chess-rl/internal/network"
)

// init registers snapshot with encoding/gob so internal/checkpoint can persist a
// network.Params interface value without knowing the concrete backend in advance.
func init() {
	gob.Register(snapshot{})
}

// BackendTag identifies this backend in a saved network.Params.
const BackendTag = "densenet-v1"

// Optimizer selects the update rule applied in Step.
type Optimizer int

const (
	SGDMomentum Optimizer = iota
	Adam
)

// Config configures a new Net.
type Config struct {
	InputDim     int
	OutputDim    int
	HiddenLayers []int
	LearningRate float32
	GradClipNorm float32
	Optimizer    Optimizer
	Seed         uint64

	// Momentum is used when Optimizer == SGDMomentum.
	Momentum float32
	// Beta1, Beta2, Epsilon are used when Optimizer == Adam. Zero values default to
	// the conventional 0.9, 0.999, 1e-8.
	Beta1, Beta2, Epsilon float32
}

type layer struct {
	// W is out x in, B is out.
	W, dW   [][]float32
	B, dB   []float32
	// Adam moments, lazily sized like W/B.
	mW, vW [][]float32
	mB, vB []float32
}

func newLayer(in, out int, rng *rand.Rand) *layer {
	l := &layer{
		W:  make([][]float32, out),
		dW: make([][]float32, out),
		mW: make([][]float32, out),
		vW: make([][]float32, out),
		B:  make([]float32, out),
		dB: make([]float32, out),
		mB: make([]float32, out),
		vB: make([]float32, out),
	}
	// He-ish initialization scaled by fan-in, a small-weight convention that avoids
	// hardcoding a magic constant.
	scale := float32(1.0)
	if in > 0 {
		scale = 1.0 / math32.Sqrt(float32(in))
	}
	for o := 0; o < out; o++ {
		l.W[o] = make([]float32, in)
		l.dW[o] = make([]float32, in)
		l.mW[o] = make([]float32, in)
		l.vW[o] = make([]float32, in)
		for i := 0; i < in; i++ {
			l.W[o][i] = (float32(rng.Float64())*2 - 1) * scale
		}
	}
	return l
}

// Net is the dependency-free Network implementation.
type Net struct {
	cfg    Config
	layers []*layer // len(layers) == len(HiddenLayers)+1; last layer is linear output
	step   int

	muLearning sync.Mutex
}

var _ network.Network = (*Net)(nil)

// New constructs a Net with randomly initialized weights from cfg.Seed.
func New(cfg Config) (*Net, error) {
	if cfg.InputDim <= 0 || cfg.OutputDim <= 0 {
		return nil, errors.New("densenet: InputDim and OutputDim must be > 0")
	}
	if cfg.LearningRate <= 0 {
		return nil, errors.New("densenet: LearningRate must be > 0")
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-8
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	dims := append([]int{cfg.InputDim}, cfg.HiddenLayers...)
	dims = append(dims, cfg.OutputDim)

	n := &Net{cfg: cfg}
	for i := 0; i < len(dims)-1; i++ {
		n.layers = append(n.layers, newLayer(dims[i], dims[i+1], rng))
	}
	return n, nil
}

func tanh(x float32) float32 { return math32.Tanh(x) }

// forwardWithCache runs the full batch forward pass, returning the output layer and
// the per-layer, per-example activations (including the input) needed by backprop.
// cache[l] is the input to layer l (cache[0] is the raw input row).
func (n *Net) forwardWithCache(row []float32) (out []float32, cache [][]float32, preAct [][]float32) {
	cache = make([][]float32, len(n.layers)+1)
	preAct = make([][]float32, len(n.layers))
	cache[0] = row

	cur := row
	for li, l := range n.layers {
		z := make([]float32, len(l.B))
		a := make([]float32, len(l.B))
		for o := range l.W {
			sum := l.B[o]
			w := l.W[o]
			for i, x := range cur {
				sum += w[i] * x
			}
			z[o] = sum
			if li == len(n.layers)-1 {
				a[o] = sum // linear output layer: raw Q-value estimate
			} else {
				a[o] = tanh(sum)
			}
		}
		preAct[li] = z
		cache[li+1] = a
		cur = a
	}
	return cur, cache, preAct
}

// Forward implements network.Network.
func (n *Net) Forward(batch [][]float32) ([][]float32, error) {
	out := make([][]float32, len(batch))
	for i, row := range batch {
		if len(row) != n.cfg.InputDim {
			return nil, errors.Errorf("densenet: row %d has length %d, want %d", i, len(row), n.cfg.InputDim)
		}
		o, _, _ := n.forwardWithCache(row)
		out[i] = o
	}
	return out, nil
}

// Backward implements network.Network. It recomputes the forward pass internally
// (matching linear.Scorer.calculateGradient's shape: gradient computation owns its
// own forward pass rather than relying on externally cached activations) and
// accumulates weight/bias gradients across the batch and across repeated Backward
// calls before the next Step.
func (n *Net) Backward(batch [][]float32, dLoss [][]float32) (float32, error) {
	if len(batch) != len(dLoss) {
		return 0, errors.Errorf("densenet: batch has %d rows, dLoss has %d", len(batch), len(dLoss))
	}
	n.muLearning.Lock()
	defer n.muLearning.Unlock()

	N := float32(len(batch))
	for bi, row := range batch {
		_, cache, preAct := n.forwardWithCache(row)
		delta := slices.Clone(dLoss[bi])

		for li := len(n.layers) - 1; li >= 0; li-- {
			l := n.layers[li]
			in := cache[li]

			if li != len(n.layers)-1 {
				// tanh'(z) = 1 - tanh(z)^2 = 1 - a^2
				for o := range delta {
					a := cache[li+1][o]
					delta[o] *= 1 - a*a
				}
			}
			_ = preAct[li] // preAct kept for symmetry/debuggability, not needed beyond tanh' via cached a

			nextDelta := make([]float32, len(in))
			for o := range l.W {
				d := delta[o] / N
				l.dB[o] += d
				w := l.W[o]
				for i, x := range in {
					l.dW[o][i] += d * x
					nextDelta[i] += w[i] * delta[o]
				}
			}
			delta = nextDelta
		}
	}

	return n.gradNorm(), nil
}

func (n *Net) gradNorm() float32 {
	var sumSq float32
	for _, l := range n.layers {
		for _, row := range l.dW {
			for _, v := range row {
				sumSq += v * v
			}
		}
		for _, v := range l.dB {
			sumSq += v * v
		}
	}
	return math32.Sqrt(sumSq)
}

func (n *Net) clipGrad() {
	if n.cfg.GradClipNorm <= 0 {
		return
	}
	norm := n.gradNorm()
	if norm <= n.cfg.GradClipNorm {
		return
	}
	ratio := n.cfg.GradClipNorm / norm
	for _, l := range n.layers {
		for _, row := range l.dW {
			for i := range row {
				row[i] *= ratio
			}
		}
		for i := range l.dB {
			l.dB[i] *= ratio
		}
	}
}

// Step implements network.Network: applies the accumulated gradient via the
// configured optimizer, then zeros the accumulator.
func (n *Net) Step() error {
	n.muLearning.Lock()
	defer n.muLearning.Unlock()

	n.clipGrad()
	n.step++

	switch n.cfg.Optimizer {
	case Adam:
		n.stepAdam()
	default:
		n.stepSGDMomentum()
	}

	for _, l := range n.layers {
		for o := range l.dW {
			for i := range l.dW[o] {
				l.dW[o][i] = 0
			}
			l.dB[o] = 0
		}
	}
	return nil
}

func (n *Net) stepSGDMomentum() {
	mom := n.cfg.Momentum
	for _, l := range n.layers {
		for o := range l.W {
			for i := range l.W[o] {
				l.mW[o][i] = mom*l.mW[o][i] - n.cfg.LearningRate*l.dW[o][i]
				l.W[o][i] += l.mW[o][i]
			}
			l.mB[o] = mom*l.mB[o] - n.cfg.LearningRate*l.dB[o]
			l.B[o] += l.mB[o]
		}
	}
}

func (n *Net) stepAdam() {
	b1, b2, eps := n.cfg.Beta1, n.cfg.Beta2, n.cfg.Epsilon
	t := float32(n.step)
	bc1 := 1 - math32.Pow(b1, t)
	bc2 := 1 - math32.Pow(b2, t)

	for _, l := range n.layers {
		for o := range l.W {
			for i := range l.W[o] {
				g := l.dW[o][i]
				l.mW[o][i] = b1*l.mW[o][i] + (1-b1)*g
				l.vW[o][i] = b2*l.vW[o][i] + (1-b2)*g*g
				mHat := l.mW[o][i] / bc1
				vHat := l.vW[o][i] / bc2
				l.W[o][i] -= n.cfg.LearningRate * mHat / (math32.Sqrt(vHat) + eps)
			}
			g := l.dB[o]
			l.mB[o] = b1*l.mB[o] + (1-b1)*g
			l.vB[o] = b2*l.vB[o] + (1-b2)*g*g
			mHat := l.mB[o] / bc1
			vHat := l.vB[o] / bc2
			l.B[o] -= n.cfg.LearningRate * mHat / (math32.Sqrt(vHat) + eps)
		}
	}
}

// snapshot is the concrete network.Params for densenet.
type snapshot struct {
	Cfg    Config
	Step   int
	Layers []layerSnapshot
}

type layerSnapshot struct {
	W, MW, VW [][]float32
	B, MB, VB []float32
}

func (snapshot) BackendTag() string { return BackendTag }

// Snapshot implements network.Network.
func (n *Net) Snapshot() network.Params {
	n.muLearning.Lock()
	defer n.muLearning.Unlock()

	s := snapshot{Cfg: n.cfg, Step: n.step, Layers: make([]layerSnapshot, len(n.layers))}
	for li, l := range n.layers {
		s.Layers[li] = layerSnapshot{
			W:  cloneMatrix(l.W),
			MW: cloneMatrix(l.mW),
			VW: cloneMatrix(l.vW),
			B:  slices.Clone(l.B),
			MB: slices.Clone(l.mB),
			VB: slices.Clone(l.vB),
		}
	}
	return s
}

// Load implements network.Network.
func (n *Net) Load(p network.Params) error {
	s, ok := p.(snapshot)
	if !ok {
		return errors.Errorf("densenet: Load got %T, want densenet snapshot (tag %q)", p, p.BackendTag())
	}
	if len(s.Layers) != len(n.layers) {
		return fmt.Errorf("densenet: Load got %d layers, net has %d", len(s.Layers), len(n.layers))
	}

	n.muLearning.Lock()
	defer n.muLearning.Unlock()

	n.step = s.Step
	for li, ls := range s.Layers {
		l := n.layers[li]
		l.W = cloneMatrix(ls.W)
		l.mW = cloneMatrix(ls.MW)
		l.vW = cloneMatrix(ls.VW)
		l.B = slices.Clone(ls.B)
		l.mB = slices.Clone(ls.MB)
		l.vB = slices.Clone(ls.VB)
	}
	return nil
}

// Clone implements network.Network.
func (n *Net) Clone() network.Network {
	n.muLearning.Lock()
	clone := &Net{cfg: n.cfg, step: n.step, layers: make([]*layer, len(n.layers))}
	for li, l := range n.layers {
		clone.layers[li] = &layer{
			W:  cloneMatrix(l.W),
			dW: cloneMatrix(l.dW),
			mW: cloneMatrix(l.mW),
			vW: cloneMatrix(l.vW),
			B:  slices.Clone(l.B),
			dB: slices.Clone(l.dB),
			mB: slices.Clone(l.mB),
			vB: slices.Clone(l.vB),
		}
	}
	n.muLearning.Unlock()
	return clone
}

func cloneMatrix(m [][]float32) [][]float32 {
	out := make([][]float32, len(m))
	for i, row := range m {
		out[i] = slices.Clone(row)
	}
	return out
}
