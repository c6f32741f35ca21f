// Package lifecycle brings a set of dependent subsystems up in order and
// tears them down in reverse.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type State int32

const (
	Uninitialized State = iota
	Ready
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case ShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var ErrShuttingDown = errors.New("runtime is shutting down")

// Step is one subsystem. Fini is only called if Init succeeded, either may
// be nil.
type Step struct {
	Name string
	Init func(ctx context.Context) error
	Fini func() error
}

type Runtime struct {
	// mu serializes Init and Fini, state is readable without it.
	mu    sync.Mutex
	state atomic.Int32
	steps []Step
	up    []Step
	log   *zerolog.Logger
}

// New creates a runtime logging to *logger. The logger is dereferenced for
// every event, so a logging step may replace it during Init.
func New(logger *zerolog.Logger, steps ...Step) *Runtime {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Runtime{
		steps: steps,
		log:   logger,
	}
}

func (r *Runtime) State() State {
	return State(r.state.Load())
}

// Init runs every step in order. Calling it on a Ready runtime does nothing.
// If a step fails the steps before it are finalized in reverse order and the
// runtime stays Uninitialized.
func (r *Runtime) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.State() {
	case Ready:
		return nil
	case ShuttingDown:
		return ErrShuttingDown
	}

	for _, step := range r.steps {
		if step.Init != nil {
			r.log.Debug().Str("step", step.Name).Msg("initializing")
			if err := step.Init(ctx); err != nil {
				r.log.Error().Str("step", step.Name).Err(err).Msg("initialization failed")
				initErr := fmt.Errorf("%s: %w", step.Name, err)
				return errors.Join(initErr, r.unwind())
			}
		}
		r.up = append(r.up, step)
	}

	r.state.Store(int32(Ready))
	r.log.Info().Int("steps", len(r.up)).Msg("runtime ready")
	return nil
}

// unwind finalizes every initialized step, newest first, collecting all
// errors rather than stopping at the first.
func (r *Runtime) unwind() error {
	var errs []error
	for i := len(r.up) - 1; i >= 0; i-- {
		step := r.up[i]
		if step.Fini == nil {
			continue
		}
		if err := step.Fini(); err != nil {
			r.log.Error().Str("step", step.Name).Err(err).Msg("finalization failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
		} else {
			r.log.Debug().Str("step", step.Name).Msg("finalized")
		}
	}
	r.up = nil
	return errors.Join(errs...)
}

// Fini tears down a Ready runtime. It is a no-op in any other state.
func (r *Runtime) Fini() error {
	if !r.state.CompareAndSwap(int32(Ready), int32(ShuttingDown)) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.unwind()
	r.state.Store(int32(Uninitialized))
	r.log.Info().Msg("runtime stopped")
	return err
}
