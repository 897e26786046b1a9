// Package calltrace records the calls a program makes while a recording
// scope is active into a weighted call graph.
//
// Functions opt in with a call-site hook:
//
//	func handle(req Request) error {
//		defer calltrace.Trace(req.ID)()
//		...
//	}
//
// and a recording scope collects their calls:
//
//	h := calltrace.BeginScope()
//	run()
//	g, err := calltrace.EndScope(h)
//	doc := calltrace.ToDict(g)
//
// Functions without the hook can be instrumented with Wrap, tasks that
// suspend while waiting with WrapTask. Outside of any scope, wrapped
// functions record into the ambient graph.
package calltrace

import (
	"context"

	"github.com/getsentry/calltrace/internal/asynctrace"
	"github.com/getsentry/calltrace/internal/callgraph"
	"github.com/getsentry/calltrace/internal/export"
	"github.com/getsentry/calltrace/internal/frame"
	"github.com/getsentry/calltrace/internal/session"
)

type (
	Graph    = callgraph.AsyncGraph
	Handle   = session.Handle
	Document = export.Document
	Task     = asynctrace.Task
	TaskFunc = asynctrace.TaskFunc
	Frame    = frame.Frame
)

// BeginScope starts recording, or joins the recording already running.
func BeginScope() *Handle {
	return session.Default().BeginScope()
}

// EndScope stops recording if h started it and returns the recorded graph.
// An error means the call stacks got corrupted and recording was aborted.
func EndScope(h *Handle) (*Graph, error) {
	return session.Default().EndScope(h)
}

// Trace is the call-site hook, see the package documentation.
func Trace(args ...any) func() {
	return session.Default().TraceSkip(1, args...)
}

// Wrap instruments a function that does not carry the call-site hook.
func Wrap(fn func() error) func() error {
	return session.Default().WrapFunc(fn)
}

// WrapNamed is Wrap with an explicit identity, for closures.
func WrapNamed(module, function string, fn func() error) func() error {
	return session.Default().Wrap(Frame{Module: module, Function: function}, fn)
}

// WrapTask instruments a task. The task marks its suspension points with
// the *Task it is handed.
func WrapTask(module, function string, fn TaskFunc) func(ctx context.Context) error {
	return session.Default().WrapTask(Frame{Module: module, Function: function}, fn)
}

// GatherTraced runs tasks concurrently and returns the first error.
func GatherTraced(ctx context.Context, tasks ...func(ctx context.Context) error) error {
	return session.Default().GatherTraced(ctx, tasks...)
}

// Ambient returns the graph wrapped functions record into outside of any
// scope.
func Ambient() *Graph {
	return session.Default().Ambient()
}

func ToDict(g *Graph) Document {
	return export.ToDictAsync(g)
}

func FromDict(doc Document) (*Graph, error) {
	return export.FromDict(doc)
}
