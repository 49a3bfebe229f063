// Command trainer drives the chess self-play training loop. Its flag surface
// and subcommand shape (train/eval/resume/compare) take a single "-config"
// key=value,key=value,... string, parsed with parameters.NewFromConfigString into
// a typed Config, plus profiler flags wired through internal/profilers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/AnthonyKot/chess-rl/internal/agent"
	"github.com/AnthonyKot/chess-rl/internal/chesserr"
	"github.com/AnthonyKot/chess-rl/internal/config"
	"github.com/AnthonyKot/chess-rl/internal/controller"
	"github.com/AnthonyKot/chess-rl/internal/evaluation"
	"github.com/AnthonyKot/chess-rl/internal/parameters"
	"github.com/AnthonyKot/chess-rl/internal/profilers"
)

// Exit codes: 0 success, 1 generic failure, 2 invalid configuration,
// 3 checkpoint format mismatch.
const (
	exitOK             = 0
	exitFailure        = 1
	exitConfigInvalid  = 2
	exitFormatMismatch = 3
)

var flagConfig = flag.String("config", "", "comma-separated key=value configuration overlay, e.g. iterations=50,workers=4")

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	profilers.Setup(ctx)
	defer profilers.OnQuit()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: trainer [-config k=v,...] {train|eval|resume <checkpoint-id>|compare <ckpt-a> <ckpt-b>}")
		os.Exit(exitFailure)
	}

	cfg, err := loadConfig(*flagConfig)
	if err != nil {
		klog.Errorf("trainer: %v", err)
		os.Exit(exitConfigInvalid)
	}

	var runErr error
	switch args[0] {
	case "train":
		runErr = runTrain(ctx, cfg)
	case "eval":
		runErr = runEval(ctx, cfg)
	case "resume":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: trainer resume <checkpoint-id>")
			os.Exit(exitFailure)
		}
		runErr = runResume(ctx, cfg, args[1])
	case "compare":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: trainer compare <checkpoint-id-a> <checkpoint-id-b>")
			os.Exit(exitFailure)
		}
		runErr = runCompare(ctx, cfg, args[1], args[2])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		os.Exit(exitFailure)
	}

	if runErr != nil {
		klog.Errorf("trainer: %v", runErr)
		os.Exit(exitCodeFor(runErr))
	}
}

// loadConfig parses -config (if any) over config.Default, overlaying a
// parameters.Params string onto the base configuration.
func loadConfig(raw string) (config.Config, error) {
	if raw == "" {
		return config.Default(), nil
	}
	params := parameters.Params(parameters.NewFromConfigString(raw))
	cfg, err := config.FromParams(params)
	if err != nil {
		return cfg, err
	}
	if len(params) > 0 {
		return cfg, errors.Errorf("unrecognized config keys: %v", params)
	}
	return cfg, nil
}

// exitCodeFor maps a returned error to the exit code taxonomy above.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, chesserr.ErrConfigInvalid):
		return exitConfigInvalid
	case errors.Is(err, chesserr.ErrCheckpointFormatMismatch):
		return exitFormatMismatch
	default:
		return exitFailure
	}
}

// runTrain runs the full TrainingController loop from a freshly initialized state.
func runTrain(ctx context.Context, cfg config.Config) error {
	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	return drive(ctx, comps, 1)
}

// drive runs comps.ctrl to completion starting at startIteration, wiring ctx
// cancellation into Controller.Stop so the process shuts down cooperatively.
func drive(ctx context.Context, comps *components, startIteration int) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			comps.ctrl.Stop()
		case <-done:
		}
	}()
	defer close(done)

	results, reason, err := comps.ctrl.Run(startIteration)
	if err != nil {
		return err
	}
	klog.Infof("trainer: stopped after %d iterations, reason=%s", len(results), reason)
	if len(results) > 0 {
		last := results[len(results)-1]
		klog.Infof("trainer: last iteration eval win_rate=%.3f checkpoint=%s is_best=%v", last.Eval.WinRate, last.CheckpointID, last.IsBest)
	}
	return nil
}

// runEval loads the current best checkpoint and reports its stored metadata,
// without running any training; it plays no games against cfg.EvalOpponent.
func runEval(ctx context.Context, cfg config.Config) error {
	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	best, ok := comps.checkpoints.Best()
	if !ok {
		return errors.New("eval: no checkpoint available; run train first")
	}
	return loadAndReport(comps, best.ID)
}

// runResume loads checkpointID's learner state and continues the training loop
// from the iteration immediately after the one it was saved at, so the RNG
// streams for opponent selection, self-play, and evaluation pick up where the
// original run left them rather than replaying iterations already consumed.
func runResume(ctx context.Context, cfg config.Config, checkpointID string) error {
	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	res, err := comps.checkpoints.Load(checkpointID, comps.formatTag)
	if err != nil {
		return errors.Wrapf(err, "resume: failed to load checkpoint %s", checkpointID)
	}

	// A resume with no explicit seed adopts the checkpoint's master seed, so
	// every derived stream picks up exactly where the original run's would.
	if cfg.Seed == nil {
		master := res.Payload.RNG.Master
		cfg.Seed = &master
		comps, err = buildComponents(cfg)
		if err != nil {
			return err
		}
		res, err = comps.checkpoints.Load(checkpointID, comps.formatTag)
		if err != nil {
			return errors.Wrapf(err, "resume: failed to reload checkpoint %s", checkpointID)
		}
	}

	if err := comps.learner.Load(res.Payload.Learner); err != nil {
		return errors.Wrapf(err, "resume: failed to restore learner state from %s", checkpointID)
	}
	klog.Infof("trainer: resumed from checkpoint %s (iteration %d)", checkpointID, res.Payload.Iteration)
	return drive(ctx, comps, res.Payload.Iteration+1)
}

// runCompare plays the two checkpoints head-to-head over cfg.EvalGames games,
// colors alternating, and reports the win rate with its Wilson interval,
// significance against an even match, and the Cohen's h effect size between
// the two win rates.
func runCompare(ctx context.Context, cfg config.Config, idA, idB string) error {
	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	agentA, err := loadFrozenAgent(comps, idA)
	if err != nil {
		return err
	}
	agentB, err := loadFrozenAgent(comps, idB)
	if err != nil {
		return err
	}

	res, _, err := evaluation.Evaluate(comps.evalWorker, cfg.EvalGames, agentA, agentB, startPosition)
	if err != nil {
		return errors.Wrap(err, "compare: evaluation failed")
	}

	fmt.Printf("%s vs %s over %d games: +%d =%d -%d\n", idA, idB, res.Games, res.Wins, res.Draws, res.Losses)
	fmt.Printf("win rate %.3f, 95%% Wilson CI [%.3f, %.3f], significant vs even: %v\n",
		res.WinRate, res.WilsonLow, res.WilsonHigh, res.SignificantVsHalf)
	if res.CohensH != nil {
		fmt.Printf("effect size (Cohen's h): %.3f\n", *res.CohensH)
	}
	switch {
	case res.Wins > res.Losses:
		fmt.Printf("winner: %s\n", idA)
	case res.Losses > res.Wins:
		fmt.Printf("winner: %s\n", idB)
	default:
		fmt.Println("winner: none (tied)")
	}
	return nil
}

// loadFrozenAgent materializes checkpoint id as a frozen, greedy agent.
func loadFrozenAgent(comps *components, id string) (agent.Agent, error) {
	res, err := comps.checkpoints.Load(id, comps.formatTag)
	if err != nil {
		return nil, errors.Wrapf(err, "compare: failed to load checkpoint %s", id)
	}
	net, err := newNetwork(comps.cfg, 0)
	if err != nil {
		return nil, errors.Wrap(err, "compare: failed to build network")
	}
	if err := net.Load(res.Payload.Learner.Online); err != nil {
		return nil, errors.Wrapf(err, "compare: failed to load parameters from %s", id)
	}
	return controller.NewFrozenAgent(net, comps.codec, "checkpoint:"+id), nil
}

// loadAndReport loads id into comps.learner and logs its stored evaluation result.
func loadAndReport(comps *components, id string) error {
	res, err := comps.checkpoints.Load(id, comps.formatTag)
	if err != nil {
		return errors.Wrapf(err, "eval: failed to load checkpoint %s", id)
	}
	if err := comps.learner.Load(res.Payload.Learner); err != nil {
		return errors.Wrapf(err, "eval: failed to restore learner state from %s", id)
	}
	klog.Infof("trainer: loaded checkpoint %s, iteration=%d, stored performance=%.3f",
		id, res.Payload.Iteration, res.Metadata.Performance)
	return nil
}
