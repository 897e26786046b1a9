// Package session arbitrates recording scopes.
//
// Only one interceptor can be installed at a time. The first BeginScope
// installs one and owns it; scopes begun while it is installed share its
// graph and leave it alone when they end. Wrappers used with no scope open
// an implicit scope recording into the ambient graph, which accumulates
// over the life of the process.
package session

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/calltrace/internal/asynctrace"
	"github.com/getsentry/calltrace/internal/callgraph"
	"github.com/getsentry/calltrace/internal/errorutil"
	"github.com/getsentry/calltrace/internal/interceptor"
)

// DefaultDenylist holds the engine's own packages, which are never traced.
var DefaultDenylist = []string{
	"github.com/getsentry/calltrace/internal/asynctrace",
	"github.com/getsentry/calltrace/internal/callgraph",
	"github.com/getsentry/calltrace/internal/export",
	"github.com/getsentry/calltrace/internal/frame",
	"github.com/getsentry/calltrace/internal/interceptor",
	"github.com/getsentry/calltrace/internal/session",
	"reflect",
	"runtime",
	"sync",
}

var (
	defaultCoordinator *Coordinator
	defaultOnce        sync.Once
)

type (
	Coordinator struct {
		denylist []string
		logger   zerolog.Logger
		hub      *sentry.Hub
		now      func() time.Time

		// active is the compare-and-set flag deciding ownership, installed
		// is published once the owner has built the scope.
		active    atomic.Bool
		installed atomic.Pointer[scope]

		mu      sync.Mutex
		ambient *callgraph.AsyncGraph
	}

	scope struct {
		graph       *callgraph.AsyncGraph
		interceptor *interceptor.Interceptor
		tracer      *asynctrace.Tracer
		implicit    bool

		mu     sync.Mutex
		refs   int
		closed bool
	}

	// Handle is one participant of a recording scope.
	Handle struct {
		coordinator *Coordinator
		scope       *scope
		owner       bool
		ended       atomic.Bool
	}

	Option func(*Coordinator)
)

func WithDenylist(modules []string) Option {
	return func(c *Coordinator) {
		c.denylist = modules
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithHub sets the Sentry hub corrupted sessions are reported to.
func WithHub(hub *sentry.Hub) Option {
	return func(c *Coordinator) {
		c.hub = hub
	}
}

// WithClock sets the clock of every graph the coordinator creates.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		denylist: DefaultDenylist,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ambient = c.newGraph()
	return c
}

// Default returns the process-wide coordinator.
func Default() *Coordinator {
	defaultOnce.Do(func() {
		defaultCoordinator = NewCoordinator(WithHub(sentry.CurrentHub()))
	})
	return defaultCoordinator
}

func (c *Coordinator) newGraph() *callgraph.AsyncGraph {
	var opts []callgraph.Option
	if c.now != nil {
		opts = append(opts, callgraph.WithClock(c.now))
	}
	return callgraph.NewAsync(opts...)
}

func (c *Coordinator) newScope(g *callgraph.AsyncGraph, implicit bool) *scope {
	logger := c.logger.With().Str("session_id", g.Metadata().SessionID).Logger()
	opts := []interceptor.Option{
		interceptor.WithDenylist(c.denylist),
		interceptor.WithLogger(logger),
	}
	if c.hub != nil {
		opts = append(opts, interceptor.WithHub(c.hub))
	}
	i := interceptor.New(g.Graph, opts...)
	return &scope{
		graph:       g,
		interceptor: i,
		tracer: asynctrace.New(g,
			asynctrace.WithLogger(logger),
			asynctrace.WithCaller(i.Caller),
			asynctrace.WithBinder(i),
		),
		implicit: implicit,
		refs:     1,
	}
}

// BeginScope starts recording. The returned handle owns the session if no
// other scope was active, otherwise it shares the active one.
func (c *Coordinator) BeginScope() *Handle {
	return c.begin(false)
}

func (c *Coordinator) begin(implicit bool) *Handle {
	for {
		if c.active.CompareAndSwap(false, true) {
			var g *callgraph.AsyncGraph
			if implicit {
				g = c.Ambient()
			} else {
				g = c.newGraph()
			}
			s := c.newScope(g, implicit)
			c.installed.Store(s)
			return &Handle{coordinator: c, scope: s, owner: true}
		}
		s := c.installed.Load()
		if s != nil && s.join() {
			return &Handle{coordinator: c, scope: s}
		}
		// the owner is still installing, or tearing down
		runtime.Gosched()
	}
}

// EndScope ends h's participation. Ending the owning handle uninstalls the
// interceptor and freezes the graph; other handles only let go of it.
// The error wraps errorutil.ErrSessionAborted and the cause when the
// session's call stacks were corrupted. Ending a handle twice does nothing.
func (c *Coordinator) EndScope(h *Handle) (*callgraph.AsyncGraph, error) {
	if h == nil {
		return nil, nil
	}
	s := h.scope
	if !h.ended.CompareAndSwap(false, true) {
		return s.graph, nil
	}
	last := s.leave()
	if s.implicit && !last {
		return s.graph, nil
	}
	if !s.implicit && !h.owner {
		return s.graph, nil
	}
	c.teardown(s)
	if err := s.interceptor.Err(); err != nil {
		return s.graph, fmt.Errorf("%w: %w", errorutil.ErrSessionAborted, err)
	}
	return s.graph, nil
}

func (c *Coordinator) teardown(s *scope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	c.installed.Store(nil)
	c.active.Store(false)

	s.interceptor.Close()
	s.tracer.Close()
	if !s.implicit {
		s.graph.Freeze()
	}
	meta := s.graph.Metadata()
	c.logger.Debug().
		Str("session_id", meta.SessionID).
		Bool("implicit", s.implicit).
		Uint64("dropped_frames", meta.DroppedFrames).
		Msg("recording scope ended")
}

// Active reports whether a scope is installed.
func (c *Coordinator) Active() bool {
	return c.installed.Load() != nil
}

// Ambient returns the graph wrappers record into when no scope is active.
func (c *Coordinator) Ambient() *callgraph.AsyncGraph {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ambient
}

// ResetAmbient replaces the ambient graph with an empty one and returns the
// previous graph. An implicit scope still running keeps recording into the
// previous graph.
func (c *Coordinator) ResetAmbient() *callgraph.AsyncGraph {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.ambient
	c.ambient = c.newGraph()
	return prev
}

func (s *scope) join() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.refs++
	return true
}

// leave drops a reference and reports whether it was the last one.
func (s *scope) leave() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	return s.refs <= 0
}

// Graph returns the graph the handle records into.
func (h *Handle) Graph() *callgraph.AsyncGraph {
	return h.scope.graph
}

// Owner reports whether ending h ends the session.
func (h *Handle) Owner() bool {
	return h.owner && !h.scope.implicit
}

func (h *Handle) SessionID() string {
	return h.scope.graph.Metadata().SessionID
}
