package pipeline

import (
	"context"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/runner"
)

// Runner ties the pipeline to the process lifecycle: banner, signal
// handling and a bounded drain on shutdown.
type Runner struct {
	lc *runner.LifecycleRunner
}

// DrainerFunc adapts a shutdown closure to runner.Drainer.
type DrainerFunc func() error

func (fn DrainerFunc) Drain() error { return fn() }

// NewDrainRunner wraps drainer with lifecycle hooks and a hard stop
// after timeout.
func NewDrainRunner(drainer runner.Drainer, hooks runner.Hooks, timeout time.Duration) *Runner {
	return &Runner{lc: runner.NewLifecycleRunner(drainer, hooks, timeout)}
}

func (r *Runner) Run(ctx context.Context) error { return r.lc.Run(ctx) }

func (r *Runner) Stop() error { return r.lc.Stop() }
