package interceptor

import (
	"fmt"
	"time"

	"github.com/getsentry/calltrace/internal/callgraph"
	"github.com/getsentry/calltrace/internal/errorutil"
	"github.com/getsentry/calltrace/internal/frame"
)

// ErrStackDiscipline is returned when a return event does not match the
// frame on top of the stack.
var ErrStackDiscipline = fmt.Errorf("interceptor: %w: stack discipline violated", errorutil.ErrDataIntegrity)

type (
	// Frame is one active call. Frames are stored by value in a Stack, a
	// recursive call is just another entry for the same callee.
	Frame struct {
		Callee frame.Frame
		Caller frame.Frame
		Start  time.Time
		Args   string

		// Active accumulates running time up to ActiveSince; a parked
		// frame has a zero ActiveSince.
		Active      time.Duration
		ActiveSince time.Time
		// Children is the time spent in calls made by this frame.
		Children time.Duration
		// Claimable marks a frame pushed by an instrumentation wrapper: the
		// function's own call-site hook may take it over instead of pushing
		// a second frame for the same call.
		Claimable bool
		// Anchor marks a frame recorded elsewhere, by a task tracer. It only
		// gives calls made under it their caller and is never recorded from
		// this stack.
		Anchor bool
	}

	// Stack is an arena of frames indexed by depth. A Stack belongs to a
	// single goroutine or task and is not safe for concurrent use.
	Stack struct {
		frames []Frame
	}
)

func (s *Stack) Len() int {
	return len(s.frames)
}

// Top returns the innermost frame.
func (s *Stack) Top() (Frame, bool) {
	if len(s.frames) == 0 {
		return Frame{}, false
	}
	return s.frames[len(s.frames)-1], true
}

// Caller is the function a new call would be attributed to.
func (s *Stack) Caller() frame.Frame {
	if top, ok := s.Top(); ok {
		return top.Callee
	}
	return frame.Root
}

// Push opens a frame and returns its depth, starting at 1.
func (s *Stack) Push(callee frame.Frame, args string, now time.Time, claimable bool) int {
	if n := len(s.frames); n > 0 {
		s.frames[n-1].Claimable = false
	}
	s.frames = append(s.frames, Frame{
		Callee:      callee,
		Caller:      s.Caller(),
		Start:       now,
		Args:        args,
		ActiveSince: now,
		Claimable:   claimable,
	})
	return len(s.frames)
}

// PushAnchor opens an anchor frame for callee. A call-site hook for callee
// itself may claim it.
func (s *Stack) PushAnchor(callee frame.Frame, now time.Time) int {
	depth := s.Push(callee, "", now, true)
	s.frames[depth-1].Anchor = true
	return depth
}

// SetCaller changes who the frame at depth is attributed to.
func (s *Stack) SetCaller(depth int, caller frame.Frame) {
	if depth < 1 || depth > len(s.frames) {
		return
	}
	s.frames[depth-1].Caller = caller
}

// Claim takes over the top frame if it is a claimable frame for callee. A
// non-empty args replaces the frame's argument snapshot.
func (s *Stack) Claim(callee frame.Frame, args string) bool {
	n := len(s.frames)
	if n == 0 || !s.frames[n-1].Claimable || s.frames[n-1].Callee != callee {
		return false
	}
	s.frames[n-1].Claimable = false
	if args != "" {
		s.frames[n-1].Args = args
	}
	return true
}

// Pop closes the frame at depth, which must be the top frame and belong to
// callee, and returns the finished call.
func (s *Stack) Pop(depth int, callee frame.Frame, now time.Time) (callgraph.Call, error) {
	n := len(s.frames)
	if n == 0 {
		return callgraph.Call{}, fmt.Errorf("%w: return from %s on an empty stack", ErrStackDiscipline, callee)
	}
	top := s.frames[n-1]
	if depth != n || top.Callee != callee {
		return callgraph.Call{}, fmt.Errorf("%w: return from %s at depth %d but %s is on top at depth %d", ErrStackDiscipline, callee, depth, top.Callee, n)
	}
	s.frames = s.frames[:n-1]
	return s.finish(top, now, false), nil
}

func (s *Stack) finish(f Frame, now time.Time, dropped bool) callgraph.Call {
	if !f.ActiveSince.IsZero() {
		f.Active += now.Sub(f.ActiveSince)
	}
	if n := len(s.frames); n > 0 {
		s.frames[n-1].Children += f.Active
	}
	return callgraph.Call{
		Caller:    f.Caller,
		Callee:    f.Callee,
		Elapsed:   f.Active,
		Own:       f.Active - f.Children,
		Timestamp: now,
		Args:      f.Args,
		Dropped:   dropped,
	}
}

// Park stops the running clock of every open frame, the whole stack is
// suspended at once.
func (s *Stack) Park(now time.Time) {
	for i := range s.frames {
		f := &s.frames[i]
		if !f.ActiveSince.IsZero() {
			f.Active += now.Sub(f.ActiveSince)
			f.ActiveSince = time.Time{}
		}
	}
}

// Unpark restarts the running clock of every open frame.
func (s *Stack) Unpark(now time.Time) {
	for i := range s.frames {
		if s.frames[i].ActiveSince.IsZero() {
			s.frames[i].ActiveSince = now
		}
	}
}

// Drain closes every open frame, innermost first, as if each returned at
// now. The calls are flagged as dropped.
func (s *Stack) Drain(now time.Time) []callgraph.Call {
	return s.DrainTo(0, now)
}

// DrainTo is Drain for the frames above depth. Anchor frames are closed
// but not returned.
func (s *Stack) DrainTo(depth int, now time.Time) []callgraph.Call {
	if depth < 0 {
		depth = 0
	}
	var calls []callgraph.Call
	for len(s.frames) > depth {
		n := len(s.frames)
		f := s.frames[n-1]
		s.frames = s.frames[:n-1]
		call := s.finish(f, now, true)
		if !f.Anchor {
			calls = append(calls, call)
		}
	}
	return calls
}
