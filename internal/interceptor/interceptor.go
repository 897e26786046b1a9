// Package interceptor turns call and return events into timed calls in a
// call graph.
//
// Every goroutine gets its own Stack. A call event pushes a frame, the
// matching return event pops it and records the call. Return events must
// come back in LIFO order; anything else means the bookkeeping is corrupted
// and the interceptor stops recording for good.
package interceptor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/calltrace/internal/callgraph"
	"github.com/getsentry/calltrace/internal/frame"
)

type (
	Interceptor struct {
		graph    *callgraph.Graph
		denylist []string
		logger   zerolog.Logger
		hub      *sentry.Hub
		now      func() time.Time

		stacks  sync.Map // goroutine id -> *goroutineStack
		closed  atomic.Bool
		aborted atomic.Bool

		mu  sync.Mutex
		err error
	}

	goroutineStack struct {
		mu      sync.Mutex
		gid     uint64
		stack   Stack
		drained bool
	}

	// Token pairs a return event with its call event. The zero Token is
	// returned for calls that are not traced and its Exit is a no-op.
	Token struct {
		stack  *goroutineStack
		depth  int
		callee frame.Frame
	}

	Option func(*Interceptor)
)

// WithDenylist sets the modules that are never traced.
func WithDenylist(modules []string) Option {
	return func(i *Interceptor) {
		i.denylist = modules
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(i *Interceptor) {
		i.logger = logger
	}
}

// WithHub sets the Sentry hub stack discipline errors are reported to.
func WithHub(hub *sentry.Hub) Option {
	return func(i *Interceptor) {
		i.hub = hub
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) {
		i.now = now
	}
}

func New(g *callgraph.Graph, opts ...Option) *Interceptor {
	i := &Interceptor{
		graph:  g,
		logger: log.Logger,
		now:    g.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Interceptor) Graph() *callgraph.Graph {
	return i.graph
}

// Traced reports whether calls to f would be recorded.
func (i *Interceptor) Traced(f frame.Frame) bool {
	return !i.closed.Load() && !i.aborted.Load() && !f.IsZero() && !f.InModules(i.denylist)
}

// Enter handles a call event for f on the current goroutine.
//
// A claimable frame is pushed by instrumentation wrappers. When the wrapped
// function also carries a call-site hook, the hook finds the wrapper's frame
// on top of the stack and claims it rather than pushing a duplicate.
func (i *Interceptor) Enter(f frame.Frame, args string, claimable bool) Token {
	if !i.Traced(f) {
		return Token{}
	}
	gs := i.currentStack()

	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.drained {
		return Token{}
	}
	if !claimable && gs.stack.Claim(f, args) {
		return Token{}
	}
	depth := gs.stack.Push(f, args, i.now(), claimable)
	return Token{stack: gs, depth: depth, callee: f}
}

// Bind pushes an anchor frame for f on the current goroutine's stack until
// Unbind. Calls made meanwhile are attributed to f, which is recorded by
// whoever bound it and never by the interceptor. Task tracers bind the
// running task's frames so call-site hooks in task bodies find them.
func (i *Interceptor) Bind(f frame.Frame) Token {
	if !i.Traced(f) {
		return Token{}
	}
	gs := i.currentStack()

	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.drained {
		return Token{}
	}
	depth := gs.stack.PushAnchor(f, i.now())
	return Token{stack: gs, depth: depth, callee: f}
}

// Unbind pops the anchor frame of tok. Like Exit, a frame still open above
// it aborts the interceptor.
func (i *Interceptor) Unbind(tok Token) error {
	_, err := i.pop(tok)
	return err
}

func (i *Interceptor) currentStack() *goroutineStack {
	gid := goroutineID()
	v, _ := i.stacks.LoadOrStore(gid, &goroutineStack{gid: gid})
	return v.(*goroutineStack)
}

// Exit handles the return event matching tok, whether the call returned,
// panicked or the goroutine exited.
func (i *Interceptor) Exit(tok Token) error {
	call, err := i.pop(tok)
	if err != nil || call == nil {
		return err
	}
	i.record(*call)
	return nil
}

func (i *Interceptor) pop(tok Token) (*callgraph.Call, error) {
	gs := tok.stack
	if gs == nil {
		return nil, nil
	}
	gs.mu.Lock()
	if gs.drained || i.aborted.Load() {
		gs.mu.Unlock()
		return nil, nil
	}
	call, err := gs.stack.Pop(tok.depth, tok.callee, i.now())
	if err == nil && gs.stack.Len() == 0 {
		// the goroutine may be short lived, forget its stack
		i.stacks.Delete(gs.gid)
		gs.drained = true
	}
	gs.mu.Unlock()

	if err != nil {
		i.abort(err)
		return nil, err
	}
	return &call, nil
}

// Call runs fn between a call and a return event for f. The return event
// fires on every exit path; a panic is recorded and then re-raised.
func (i *Interceptor) Call(f frame.Frame, args string, fn func() error) error {
	tok := i.Enter(f, args, false)
	defer func() {
		_ = i.Exit(tok)
	}()
	return fn()
}

// Caller returns the function on top of the current goroutine's stack.
func (i *Interceptor) Caller() frame.Frame {
	v, ok := i.stacks.Load(goroutineID())
	if !ok {
		return frame.Root
	}
	gs := v.(*goroutineStack)
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.stack.Caller()
}

// Close tears the interceptor down. Frames that are still open are closed
// with the time elapsed until now and recorded as dropped. Return events
// arriving later are ignored.
func (i *Interceptor) Close() {
	if !i.closed.CompareAndSwap(false, true) {
		return
	}
	now := i.now()
	var calls []callgraph.Call
	i.stacks.Range(func(key, v any) bool {
		gs := v.(*goroutineStack)
		gs.mu.Lock()
		calls = append(calls, gs.stack.Drain(now)...)
		gs.drained = true
		gs.mu.Unlock()
		i.stacks.Delete(key)
		return true
	})
	if i.aborted.Load() {
		return
	}
	for _, c := range calls {
		i.record(c)
	}
	if len(calls) > 0 {
		i.logger.Warn().
			Int("dropped_frames", len(calls)).
			Str("session_id", i.graph.Metadata().SessionID).
			Msg("frames still open at scope teardown")
	}
}

// Err returns the error that aborted the interceptor, if any.
func (i *Interceptor) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

func (i *Interceptor) Aborted() bool {
	return i.aborted.Load()
}

func (i *Interceptor) record(c callgraph.Call) {
	err := i.graph.RecordCall(c)
	if err == nil {
		return
	}
	if errors.Is(err, callgraph.ErrFrozen) {
		i.logger.Debug().Str("function", c.Callee.ID()).Msg("call returned after its session ended")
		return
	}
	i.logger.Err(err).Str("function", c.Callee.ID()).Msg("can't record call")
}

func (i *Interceptor) abort(err error) {
	if !i.aborted.CompareAndSwap(false, true) {
		return
	}
	i.mu.Lock()
	i.err = err
	i.mu.Unlock()

	i.graph.Abort(err.Error())
	i.logger.Error().
		Err(err).
		Str("session_id", i.graph.Metadata().SessionID).
		Msg("call tracing stopped, the session's call stacks are corrupted")
	if i.hub != nil {
		i.hub.CaptureException(err)
	}
}
