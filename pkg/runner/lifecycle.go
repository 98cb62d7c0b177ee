package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var ErrInvalidState = errors.New("invalid state transition")

type LifecycleRunner struct {
	state    int32
	ctx      context.Context
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	timeout  time.Duration
	fatal    chan error
	banner   io.Writer
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleRunner{
		state:   int32(StateNew),
		ctx:     ctx,
		cancel:  cancel,
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		fatal:   make(chan error, 1),
	}
}

// WithBanner prints the startup banner to w when Run starts.
func (r *LifecycleRunner) WithBanner(w io.Writer) *LifecycleRunner {
	r.banner = w
	return r
}

// Run starts the hooks and blocks until ctx is cancelled, Stop is called or
// Fail reports an error; it then drains and stops.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return ErrInvalidState
	}
	if r.banner != nil {
		PrintBanner(r.banner, false)
	}
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(); err != nil {
			r.setState(StateStopped)
			r.cancel()
			return fmt.Errorf("start: %w", err)
		}
	}
	r.setState(StateRunning)

	var runErr error
	select {
	case <-r.ctx.Done():
	case runErr = <-r.fatal:
	}
	if err := r.stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Fail stops a running runner with err. Only the first failure is kept.
func (r *LifecycleRunner) Fail(err error) {
	if err == nil {
		return
	}
	select {
	case r.fatal <- err:
	default:
	}
}

func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		if r.drainer != nil {
			done := make(chan struct{})
			go func() {
				_ = r.drainer.Drain()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(r.timeout):
				r.stopErr = errors.New("drain timeout")
			}
		}
		if r.hooks.OnStop != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := r.hooks.OnStop(ctx); err != nil && r.stopErr == nil {
				r.stopErr = err
			}
			cancel()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
