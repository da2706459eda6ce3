// Package cancellation stops a run whose client has gone away and observes
// cancellations that happen after the check.
package cancellation

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/authpipe/authpipe/pkg/logger"
	"github.com/authpipe/authpipe/pkg/pipeline"
	"github.com/authpipe/authpipe/pkg/result"
)

const StepName = "cancellation"

// Watch observes a request's abort signal after the cancellation check. When
// the signal fires before Stop, the run's rollbacks are unwound and the
// registered listeners are called.
type Watch struct {
	mu        sync.Mutex
	listeners []func()
	fired     bool
	stop      func() bool
}

// OnCancel registers fn to run if the request is cancelled before Stop.
func (w *Watch) OnCancel(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Cancelled reports whether the watch fired.
func (w *Watch) Cancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// Stop detaches the watch. It reports whether the watch was still armed.
func (w *Watch) Stop() bool {
	if w == nil || w.stop == nil {
		return false
	}
	return w.stop()
}

func (w *Watch) fire() []func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fired = true
	listeners := w.listeners
	w.listeners = nil
	return listeners
}

type Option func(s *step)

func WithLogger(l logger.Logger) Option {
	return func(s *step) {
		s.logger = l
	}
}

type step struct {
	logger logger.Logger
}

// New returns a step that fails with CANCELLED when the request has already
// been aborted, and otherwise patches a *Watch into the cancel watch slot.
// The watch is stopped when the run fails or when StopWatch is called.
// The abort signal is the context.Context in the cancel token slot, falling
// back to the run's context.
func New(opts ...Option) pipeline.Step {
	s := &step{logger: logger.NewNoopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *step) Name() string {
	return StepName
}

func (s *step) Run(ctx context.Context, pc pipeline.Context) pipeline.Outcome {
	token := ctx
	if t, ok := pipeline.Value[context.Context](pc, pipeline.SlotCancelToken); ok && t != nil {
		token = t
	}

	if token.Err() != nil || ctx.Err() != nil {
		return pipeline.Abort(result.CodeCancelled, "Request cancelled")
	}

	if existing, ok := pipeline.Value[*Watch](pc, pipeline.SlotCancelWatch); ok && existing != nil {
		return pipeline.Continue{}
	}

	rollbacks, _ := pipeline.Value[*pipeline.Rollbacks](pc, pipeline.SlotRollback)
	meta := pc.Meta()

	w := &Watch{}
	w.stop = context.AfterFunc(token, func() {
		s.logger.Warn("request cancelled after admission",
			zap.String("request_id", meta.ID),
			zap.String("path", meta.Path),
		)
		if rollbacks != nil {
			_ = rollbacks.Unwind(context.WithoutCancel(ctx), s.logger)
		}
		for _, fn := range w.fire() {
			fn()
		}
	})

	// A failed run unwinds before the request context is cancelled.
	pipeline.RegisterRollback(pc, "cancelWatch", func(context.Context) error {
		w.Stop()
		return nil
	})

	return pipeline.Next(pipeline.Patch{pipeline.SlotCancelWatch: w})
}

// StopWatch stops the watch stored in pc, if any. Callers use it once the
// request has been fully handled.
func StopWatch(pc pipeline.Context) {
	if w, ok := pipeline.Value[*Watch](pc, pipeline.SlotCancelWatch); ok {
		w.Stop()
	}
}
