// Package asynctrace traces tasks that suspend while they wait.
//
// A suspended task keeps its frames: they are parked rather than popped,
// and only the time the task actually runs is recorded in the call graph.
// Every start, suspend, resume and end is logged in the graph's timeline,
// which is what await times and concurrency statistics are derived from.
package asynctrace

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/getsentry/calltrace/internal/callgraph"
	"github.com/getsentry/calltrace/internal/frame"
	"github.com/getsentry/calltrace/internal/interceptor"
)

type (
	// TaskFunc is the body of a task. It marks its suspension points with
	// t.Await, t.Sleep or t.Suspend and t.Resume.
	TaskFunc func(ctx context.Context, t *Task) error

	// Binder makes the running task's current frame the caller of calls
	// traced on the task's goroutine by other means, such as call-site
	// hooks. *interceptor.Interceptor is a Binder.
	Binder interface {
		Bind(f frame.Frame) interceptor.Token
		Unbind(tok interceptor.Token) error
	}

	Tracer struct {
		graph  *callgraph.AsyncGraph
		logger zerolog.Logger
		caller func() frame.Frame
		binder Binder

		mu     sync.Mutex
		tasks  map[uint64]*Task
		closed bool
	}

	Option func(*Tracer)
)

func WithLogger(logger zerolog.Logger) Option {
	return func(tr *Tracer) {
		tr.logger = logger
	}
}

// WithCaller sets how the caller of a task started outside of any other
// task is found. Without it such tasks are top-level calls.
func WithCaller(caller func() frame.Frame) Option {
	return func(tr *Tracer) {
		tr.caller = caller
	}
}

func WithBinder(b Binder) Option {
	return func(tr *Tracer) {
		tr.binder = b
	}
}

func New(g *callgraph.AsyncGraph, opts ...Option) *Tracer {
	tr := &Tracer{
		graph:  g,
		logger: log.Logger,
		tasks:  make(map[uint64]*Task),
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

func (tr *Tracer) Graph() *callgraph.AsyncGraph {
	return tr.graph
}

// WrapTask returns fn instrumented as a task named after f. Errors and
// panics of fn, cancellations included, reach the caller unchanged once the
// task has been finalized.
func (tr *Tracer) WrapTask(f frame.Frame, fn TaskFunc) func(ctx context.Context) error {
	return func(ctx context.Context) (err error) {
		t := tr.start(ctx, f)
		defer func() {
			r := recover()
			t.finish(r == nil && isCancellation(ctx, err))
			tr.forget(t)
			if r != nil {
				panic(r)
			}
		}()
		defer t.bind(f)()
		return fn(withCaller(ctx, f), t)
	}
}

// GatherTraced runs tasks concurrently and waits for all of them. It
// returns the first error.
func (tr *Tracer) GatherTraced(ctx context.Context, tasks ...func(ctx context.Context) error) error {
	if _, ok := callerFromContext(ctx); !ok && tr.caller != nil {
		// resolved here, the tasks run on other goroutines
		ctx = withCaller(ctx, tr.caller())
	}
	var g errgroup.Group
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return task(ctx)
		})
	}
	return g.Wait()
}

// Close finalizes every task still running: a pending suspension is
// resumed, the end event logged and the open frames recorded as dropped.
func (tr *Tracer) Close() {
	tr.mu.Lock()
	tr.closed = true
	tasks := make([]*Task, 0, len(tr.tasks))
	for _, t := range tr.tasks {
		tasks = append(tasks, t)
	}
	tr.tasks = make(map[uint64]*Task)
	tr.mu.Unlock()

	for _, t := range tasks {
		t.teardown()
	}
	if len(tasks) > 0 {
		tr.logger.Warn().Int("tasks", len(tasks)).Msg("tasks still running at scope teardown")
	}
}

func (tr *Tracer) start(ctx context.Context, f frame.Frame) *Task {
	t := &Task{
		id:     tr.graph.NextTaskID(),
		fn:     f,
		tracer: tr,
		state:  StateRunning,
	}
	caller, ok := callerFromContext(ctx)
	if !ok {
		caller = frame.Root
		if tr.caller != nil {
			caller = tr.caller()
		}
	}

	tr.mu.Lock()
	closed := tr.closed
	if !closed {
		tr.tasks[t.id] = t
	}
	tr.mu.Unlock()
	if closed {
		t.detached = true
		return t
	}

	ev, err := tr.graph.Record(t.id, f.ID(), callgraph.EventStart)
	if err != nil {
		t.detach(err)
		tr.forget(t)
		return t
	}
	t.stack.Push(f, "", ev.Timestamp, false)
	// the root frame of a task is attributed to the caller that spawned it
	t.stack.SetCaller(1, caller)
	t.depth = 1
	return t
}

func (tr *Tracer) forget(t *Task) {
	tr.mu.Lock()
	delete(tr.tasks, t.id)
	tr.mu.Unlock()
}

func (tr *Tracer) record(c callgraph.Call) {
	err := tr.graph.RecordCall(c)
	if err == nil {
		return
	}
	if errors.Is(err, callgraph.ErrFrozen) {
		tr.logger.Debug().Str("function", c.Callee.ID()).Msg("task returned after its session ended")
		return
	}
	tr.logger.Err(err).Str("function", c.Callee.ID()).Msg("can't record task")
}

func isCancellation(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
}
