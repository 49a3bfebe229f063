// Package gomlxnet is the production network.Network backend: it wraps gomlx
// (ml/context, ml/layers/fnn, ml/train/optimizers, ml/context/checkpoints) with a
// configurable feedforward net over the frozen 776-wide chess StateVector,
// producing NumActions Q-values per position.
//
// The Network.Backward(batch, dLoss) contract hands this backend a gradient
// already computed by the caller (internal/dqn already knows dLoss, the gradient
// of the scalar training loss with respect to each output Q-value — e.g. a masked
// Huber-loss gradient) rather than a (inputs, labels) pair to differentiate
// itself. Backward therefore builds its training graph around the surrogate
// scalar ReduceSum(Q * StopGradient(dLoss)): since dLoss is treated as a constant,
// its gradient with respect to the network parameters is, by the chain rule,
// exactly the gradient the caller intended — a standard trick for wiring
// externally computed per-output gradients into a graph-mode autodiff framework
// (the same shape as a policy-gradient surrogate loss).
package gomlxnet

import (
	"encoding/gob"
	"sync"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/AnthonyKot/chess-rl/internal/network"
)

// backend is the process-wide gomlx backend, built once on first use and shared
// by every Net this package constructs.
var backend = sync.OnceValue(func() backends.Backend { return backends.New() })

// init registers snapshot with encoding/gob, mirroring network/densenet's
// registration, so internal/checkpoint can persist either backend behind the same
// network.Params interface value.
func init() {
	gob.Register(snapshot{})
}

// BackendTag identifies this backend in a saved network.Params.
const BackendTag = "gomlxnet-v1"

// Config holds the hyperparameters the production backend exposes.
type Config struct {
	InputDim     int
	OutputDim    int
	HiddenLayers []int
	LearningRate float64
	Optimizer    string // "adam" or "sgd", passed straight to optimizers.ParamOptimizer
	Seed         uint64

	// CheckpointDir, if non-empty, attaches a gomlx checkpoints.Handler for that
	// directory to the net's context at construction. Snapshot/Load do not use it:
	// they always operate in-memory via context variable extraction.
	CheckpointDir string
}

// Net is the gomlx-backed Network implementation.
type Net struct {
	cfg Config
	ctx *context.Context

	scoreExec     *context.Exec
	trainStepExec *context.Exec

	checkpoint *checkpoints.Handler

	mu sync.RWMutex
}

var _ network.Network = (*Net)(nil)

// New constructs a Net against the shared process-wide gomlx backend.
func New(cfg Config) (*Net, error) {
	if cfg.InputDim <= 0 || cfg.OutputDim <= 0 {
		return nil, errors.New("gomlxnet: InputDim and OutputDim must be > 0")
	}
	if cfg.Optimizer == "" {
		cfg.Optimizer = "adam"
	}

	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    cfg.Optimizer,
		optimizers.ParamLearningRate: cfg.LearningRate,
		activations.ParamActivation:  "tanh",
		fnn.ParamNumHiddenLayers:     len(cfg.HiddenLayers),
	})
	if len(cfg.HiddenLayers) > 0 {
		ctx.SetParam(fnn.ParamNumHiddenNodes, cfg.HiddenLayers[0])
	}

	n := &Net{cfg: cfg, ctx: ctx}

	backendVal := backend()

	n.scoreExec = context.NewExec(backendVal, ctx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		ctx = ctx.Checked(false)
		return n.forwardGraph(ctx, inputs[0])
	})

	n.trainStepExec = context.NewExec(backendVal, ctx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		x := inputs[0]
		dLoss := inputs[1]
		g := x.Graph()
		ctx.SetTraining(g, true)

		q := n.forwardGraph(ctx, x)
		surrogate := graph.ReduceAllSum(graph.Mul(q, graph.StopGradient(dLoss)))

		opt := optimizers.FromContext(ctx)
		opt.UpdateGraph(ctx, g, surrogate)
		train.ExecPerStepUpdateGraphFn(ctx, g)
		return surrogate
	})

	if cfg.CheckpointDir != "" {
		handler, err := checkpoints.Build(ctx).Dir(cfg.CheckpointDir).Immediate().Keep(10).Done()
		if err != nil {
			return nil, errors.Wrapf(err, "gomlxnet: failed to build checkpoint at %s", cfg.CheckpointDir)
		}
		n.checkpoint = handler
	}

	return n, nil
}

// forwardGraph builds the feedforward pass: len(cfg.HiddenLayers) tanh-activated
// dense layers, all of width cfg.HiddenLayers[0] (later widths are not used), then
// a linear projection to cfg.OutputDim Q-values, using gomlx's fnn builder.
func (n *Net) forwardGraph(ctx *context.Context, x *graph.Node) *graph.Node {
	builder := fnn.New(ctx, x, n.cfg.OutputDim)
	if len(n.cfg.HiddenLayers) > 0 {
		builder = builder.NumHiddenLayers(len(n.cfg.HiddenLayers), n.cfg.HiddenLayers[0])
	}
	return builder.Done()
}

func toTensor(batch [][]float32) *tensors.Tensor {
	return tensors.FromValue(batch)
}

// Forward implements network.Network.
func (n *Net) Forward(batch [][]float32) ([][]float32, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := n.scoreExec.Call(toTensor(batch))[0]
	flat := out.Value().([][]float32)
	return flat, nil
}

// Backward implements network.Network via the surrogate-loss trick described in
// the package doc comment. The norm it returns is the L2 norm of dLoss, not of the
// parameter gradient, and no gradient clipping is applied.
func (n *Net) Backward(batch [][]float32, dLoss [][]float32) (float32, error) {
	if len(batch) != len(dLoss) {
		return 0, errors.Errorf("gomlxnet: batch has %d rows, dLoss has %d", len(batch), len(dLoss))
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	lossT := n.trainStepExec.Call(toTensor(batch), toTensor(dLoss))[0]
	var norm float32
	for _, row := range dLoss {
		for _, v := range row {
			norm += v * v
		}
	}
	_ = lossT
	return math32.Sqrt(norm), nil
}

// Step implements network.Network. The optimizer update already happened inside
// Backward's compiled trainStepExec (gomlx's graph mode applies forward, backward,
// and the optimizer step as one executed graph), so Step here is a no-op retained
// to satisfy the interface and to keep the call sequence identical across backends
// for internal/dqn.
func (n *Net) Step() error { return nil }

// snapshot is the concrete network.Params for gomlxnet: the raw variable values
// keyed by their context path, portable across a process restart as long as the
// topology (Config) matches.
type snapshot struct {
	Cfg  Config
	Vars map[string]*tensors.Tensor
}

func (snapshot) BackendTag() string { return BackendTag }

// Snapshot implements network.Network.
func (n *Net) Snapshot() network.Params {
	n.mu.RLock()
	defer n.mu.RUnlock()

	vars := make(map[string]*tensors.Tensor)
	n.ctx.EnumerateVariables(func(v *context.Variable) {
		vars[v.ScopeAndName()] = v.Value()
	})
	return snapshot{Cfg: n.cfg, Vars: vars}
}

// Load implements network.Network.
func (n *Net) Load(p network.Params) error {
	s, ok := p.(snapshot)
	if !ok {
		return errors.Errorf("gomlxnet: Load got %T, want gomlxnet snapshot (tag %q)", p, p.BackendTag())
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	n.ctx.EnumerateVariables(func(v *context.Variable) {
		if t, ok := s.Vars[v.ScopeAndName()]; ok {
			v.SetValue(t)
		}
	})
	return nil
}

// Clone implements network.Network: deep-copies the context (so variables are
// independent storage) and rebuilds the compiled executors against the clone.
func (n *Net) Clone() network.Network {
	n.mu.RLock()
	clonedCtx := n.ctx.Clone()
	cfg := n.cfg
	n.mu.RUnlock()

	clone := &Net{cfg: cfg, ctx: clonedCtx}
	backendVal := backend()
	clone.scoreExec = context.NewExec(backendVal, clonedCtx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		ctx = ctx.Checked(false)
		return clone.forwardGraph(ctx, inputs[0])
	})
	clone.trainStepExec = context.NewExec(backendVal, clonedCtx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		x := inputs[0]
		dLoss := inputs[1]
		g := x.Graph()
		ctx.SetTraining(g, true)

		q := clone.forwardGraph(ctx, x)
		surrogate := graph.ReduceAllSum(graph.Mul(q, graph.StopGradient(dLoss)))

		opt := optimizers.FromContext(ctx)
		opt.UpdateGraph(ctx, g, surrogate)
		train.ExecPerStepUpdateGraphFn(ctx, g)
		return surrogate
	})
	return clone
}
