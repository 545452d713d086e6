package wbp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Runner is the interpreter-owning loop. It builds the interpreter,
// polls the session's execution queue and rebuilds the interpreter after
// a soft reset. Run must be the only caller of Session.Step.
type Runner struct {
	s       *Session
	factory InterpreterFactory
	poll    time.Duration
	log     *zap.Logger

	interp Interpreter
}

// NewRunner creates a runner for s using factory to build interpreters
func NewRunner(s *Session, factory InterpreterFactory, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		s:       s,
		factory: factory,
		poll:    s.Config().PollInterval,
		log:     log.Named("runner"),
	}
}

// Run polls until ctx is done. A run still executing when ctx is done
// is interrupted so that Run returns.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.rebuild(); err != nil {
		return err
	}
	defer r.shutdown()

	stopped := make(chan struct{})
	defer close(stopped)
	go r.interruptOnCancel(ctx, stopped)

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			err := r.s.Step()
			if errors.Is(err, ErrSoftReset) {
				if err := r.rebuild(); err != nil {
					return err
				}
				r.s.ReattachOutput()
			} else if err != nil {
				r.log.Error("step failed", zap.Error(err))
			}
			if r.s.Pending() == 0 || ctx.Err() != nil {
				break
			}
		}
	}
}

// interruptOnCancel keeps interrupting the session after ctx is done
// until Run has returned. Repeating covers a request dequeued just
// before the cancellation was seen.
func (r *Runner) interruptOnCancel(ctx context.Context, stopped <-chan struct{}) {
	select {
	case <-stopped:
		return
	case <-ctx.Done():
	}
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		r.s.interrupt()
		select {
		case <-stopped:
			return
		case <-ticker.C:
		}
	}
}

// rebuild discards the current interpreter and binds a fresh one
func (r *Runner) rebuild() error {
	r.shutdown()
	interp, err := r.factory(r.s.Output(), r.s.Stdin())
	if err != nil {
		return fmt.Errorf("create interpreter: %w", err)
	}
	r.interp = interp
	r.s.Bind(interp)
	r.log.Debug("interpreter ready")
	return nil
}

func (r *Runner) shutdown() {
	if r.interp == nil {
		return
	}
	r.s.Bind(nil)
	if c, ok := r.interp.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.log.Warn("close interpreter", zap.Error(err))
		}
	}
	r.interp = nil
}
