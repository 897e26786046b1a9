package asynctrace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/calltrace/internal/callgraph"
	"github.com/getsentry/calltrace/internal/frame"
	"github.com/getsentry/calltrace/internal/interceptor"
)

const (
	StateRunning State = iota + 1
	StateSuspended
	StateCompleted
)

// ErrInvalidState is returned when a task is suspended twice or resumed
// while running.
var ErrInvalidState = fmt.Errorf("asynctrace: invalid task state transition")

type (
	State uint8

	// Task is the tracing state of one running task. A Task belongs to the
	// goroutine running its function.
	Task struct {
		id     uint64
		fn     frame.Frame
		tracer *Tracer

		mu       sync.Mutex
		stack    interceptor.Stack
		depth    int
		state    State
		detached bool
	}

	callerKey struct{}
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

func (t *Task) ID() uint64 {
	return t.id
}

func (t *Task) Function() frame.Frame {
	return t.fn
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Suspend marks a suspension point: the active interval since the last
// resume is credited to every open frame of the task and a suspend event is
// logged.
func (t *Task) Suspend() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return fmt.Errorf("%w: suspend while %s", ErrInvalidState, t.state)
	}
	if t.detached {
		t.state = StateSuspended
		return nil
	}
	ev, err := t.tracer.graph.Record(t.id, t.fn.ID(), callgraph.EventSuspend)
	if err != nil {
		t.detach(err)
		t.state = StateSuspended
		return nil
	}
	t.stack.Park(ev.Timestamp)
	t.state = StateSuspended
	return nil
}

// Resume marks the task running again.
func (t *Task) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateSuspended {
		return fmt.Errorf("%w: resume while %s", ErrInvalidState, t.state)
	}
	t.resumeLocked()
	return nil
}

func (t *Task) resumeLocked() {
	t.state = StateRunning
	if t.detached {
		return
	}
	ev, err := t.tracer.graph.Record(t.id, t.fn.ID(), callgraph.EventResume)
	if err != nil {
		t.detach(err)
		return
	}
	t.stack.Unpark(ev.Timestamp)
}

// Await suspends the task while wait runs. The task is resumed before Await
// returns, also when wait fails because ctx was cancelled.
func (t *Task) Await(ctx context.Context, wait func(ctx context.Context) error) error {
	if err := t.Suspend(); err != nil {
		return err
	}
	err := wait(ctx)
	if rerr := t.Resume(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// Sleep suspends the task for d or until ctx is done.
func (t *Task) Sleep(ctx context.Context, d time.Duration) error {
	return t.Await(ctx, func(ctx context.Context) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	})
}

// Call runs fn as a nested call of the task. Its time is recorded as active
// time only, like the task's own.
func (t *Task) Call(ctx context.Context, f frame.Frame, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	traced := !t.detached && t.state == StateRunning
	var depth int
	if traced {
		depth = t.stack.Push(f, "", t.tracer.graph.Now(), false)
	}
	t.mu.Unlock()
	if !traced {
		return fn(ctx)
	}

	defer func() {
		t.mu.Lock()
		if t.detached {
			t.mu.Unlock()
			return
		}
		call, err := t.stack.Pop(depth, f, t.tracer.graph.Now())
		t.mu.Unlock()
		if err != nil {
			t.tracer.logger.Err(err).Uint64("task_id", t.id).Msg("nested task call returned out of order")
			return
		}
		t.tracer.record(call)
	}()
	defer t.bind(f)()
	return fn(withCaller(ctx, f))
}

// bind exposes f to the tracer's binder while the task runs it on the
// current goroutine. The returned function unbinds it.
func (t *Task) bind(f frame.Frame) func() {
	t.mu.Lock()
	detached := t.detached
	t.mu.Unlock()
	b := t.tracer.binder
	if b == nil || detached {
		return func() {}
	}
	tok := b.Bind(f)
	return func() {
		if err := b.Unbind(tok); err != nil {
			t.tracer.logger.Err(err).Uint64("task_id", t.id).Msg("call still open when the task frame returned")
		}
	}
}

// finish closes the task: a pending suspension is resumed, the remaining
// active interval is flushed and the end event logged.
func (t *Task) finish(cancelled bool) {
	t.mu.Lock()
	if t.state == StateSuspended {
		t.resumeLocked()
	}
	t.state = StateCompleted
	if t.detached {
		t.mu.Unlock()
		return
	}
	t.detached = true
	ev, err := t.tracer.graph.RecordEnd(t.id, t.fn.ID(), cancelled)
	if err != nil {
		t.mu.Unlock()
		t.tracer.logger.Debug().Err(err).Uint64("task_id", t.id).Msg("task ended after its session")
		return
	}
	calls := t.stack.DrainTo(t.depth, ev.Timestamp)
	call, err := t.stack.Pop(t.depth, t.fn, ev.Timestamp)
	t.mu.Unlock()
	for _, c := range calls {
		t.tracer.record(c)
	}
	if err != nil {
		t.tracer.logger.Err(err).Uint64("task_id", t.id).Msg("task frame lost")
		return
	}
	t.tracer.record(call)
}

// teardown finalizes a task whose session ends while it still runs. Open
// frames are recorded as dropped and the task stops being traced.
func (t *Task) teardown() {
	t.mu.Lock()
	if t.detached || t.state == StateCompleted {
		t.mu.Unlock()
		return
	}
	if t.state == StateSuspended {
		// the task itself still resumes later, untraced
		if _, err := t.tracer.graph.Record(t.id, t.fn.ID(), callgraph.EventResume); err != nil {
			t.detach(err)
			t.mu.Unlock()
			return
		}
	}
	t.detached = true
	ev, err := t.tracer.graph.RecordEnd(t.id, t.fn.ID(), true)
	if err != nil {
		t.mu.Unlock()
		return
	}
	calls := t.stack.Drain(ev.Timestamp)
	t.mu.Unlock()
	for _, c := range calls {
		t.tracer.record(c)
	}
}

func (t *Task) detach(err error) {
	t.detached = true
	t.tracer.logger.Debug().Err(err).Uint64("task_id", t.id).Msg("task is no longer traced")
}

func withCaller(ctx context.Context, f frame.Frame) context.Context {
	return context.WithValue(ctx, callerKey{}, f)
}

func callerFromContext(ctx context.Context) (frame.Frame, bool) {
	f, ok := ctx.Value(callerKey{}).(frame.Frame)
	return f, ok
}
