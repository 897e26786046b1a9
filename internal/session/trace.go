package session

import (
	"context"

	"github.com/getsentry/calltrace/internal/asynctrace"
	"github.com/getsentry/calltrace/internal/frame"
)

type (
	// Traceable is something whose invocations can be recorded: a plain
	// function or a task.
	Traceable interface {
		Identity() frame.Frame
		InvokeAndRecord(ctx context.Context, c *Coordinator) error
	}

	FuncTraceable struct {
		Frame frame.Frame
		Fn    func() error
		// Args is the argument snapshot recorded with the call, see
		// frame.ArgumentsSnapshot.
		Args string
	}

	TaskTraceable struct {
		Frame frame.Frame
		Fn    asynctrace.TaskFunc
	}
)

var noop = func() {}

// Trace is the call-site hook. Functions opt in with
//
//	defer c.Trace(args...)()
//
// It records a call of the function calling it, returning when the deferred
// function runs. It does nothing while no scope is active.
func (c *Coordinator) Trace(args ...any) func() {
	return c.trace(2, args)
}

// TraceSkip is Trace for helpers calling it on behalf of their caller:
// skip is the number of such helpers between the traced function and
// TraceSkip.
func (c *Coordinator) TraceSkip(skip int, args ...any) func() {
	return c.trace(skip+2, args)
}

func (c *Coordinator) trace(skip int, args []any) func() {
	if c.installed.Load() == nil {
		return noop
	}
	return c.traceFrame(frame.Caller(skip), args)
}

// TraceFrame is Trace with an explicit identity.
func (c *Coordinator) TraceFrame(f frame.Frame, args ...any) func() {
	return c.traceFrame(f, args)
}

func (c *Coordinator) traceFrame(f frame.Frame, args []any) func() {
	s := c.installed.Load()
	if s == nil || !s.interceptor.Traced(f) {
		return noop
	}
	tok := s.interceptor.Enter(f, frame.ArgumentsSnapshot(args...), false)
	return func() {
		_ = s.interceptor.Exit(tok)
	}
}

// Wrap instruments fn as a call of f. Inside an active scope the call is
// recorded once, even if fn also carries the call-site hook. With no scope,
// each call runs in an implicit scope recording into the ambient graph.
//
// The wrapper does not see fn's arguments, so calls recorded only through
// it have empty last arguments. Run a FuncTraceable with Args set, or use
// the call-site hook, to record them.
func (c *Coordinator) Wrap(f frame.Frame, fn func() error) func() error {
	return func() error {
		return c.Run(context.Background(), FuncTraceable{Frame: f, Fn: fn})
	}
}

// WrapFunc is Wrap with the identity of fn itself.
func (c *Coordinator) WrapFunc(fn func() error) func() error {
	return c.Wrap(frame.FromFunc(fn), fn)
}

// WrapTask instruments a task. Its suspension points are marked through
// the *asynctrace.Task handed to fn.
func (c *Coordinator) WrapTask(f frame.Frame, fn asynctrace.TaskFunc) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return c.Run(ctx, TaskTraceable{Frame: f, Fn: fn})
	}
}

// GatherTraced runs tasks concurrently in the active scope, or in an
// implicit one, and returns the first error once all of them are done.
func (c *Coordinator) GatherTraced(ctx context.Context, tasks ...func(ctx context.Context) error) error {
	h := c.begin(true)
	defer c.EndScope(h)
	return h.scope.tracer.GatherTraced(ctx, tasks...)
}

// Run invokes t inside the active scope, joining it for the duration of the
// call, or inside an implicit scope.
func (c *Coordinator) Run(ctx context.Context, t Traceable) error {
	return t.InvokeAndRecord(ctx, c)
}

func (t FuncTraceable) Identity() frame.Frame {
	return t.Frame
}

func (t FuncTraceable) InvokeAndRecord(_ context.Context, c *Coordinator) error {
	h := c.begin(true)
	defer c.EndScope(h)
	i := h.scope.interceptor
	tok := i.Enter(t.Frame, t.Args, true)
	defer func() {
		_ = i.Exit(tok)
	}()
	return t.Fn()
}

func (t TaskTraceable) Identity() frame.Frame {
	return t.Frame
}

func (t TaskTraceable) InvokeAndRecord(ctx context.Context, c *Coordinator) error {
	h := c.begin(true)
	defer c.EndScope(h)
	return h.scope.tracer.WrapTask(t.Frame, t.Fn)(ctx)
}
