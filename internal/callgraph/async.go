package callgraph

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/calltrace/internal/errorutil"
)

const (
	EventStart EventKind = iota + 1
	EventSuspend
	EventResume
	EventEnd
)

// ErrTimelineOrder is returned when an event does not follow
// start (suspend resume)* end for its task.
var ErrTimelineOrder = fmt.Errorf("callgraph: %w: invalid timeline transition", errorutil.ErrDataIntegrity)

type (
	EventKind uint8

	TimelineEvent struct {
		TaskID     uint64
		FunctionID string
		Kind       EventKind
		Timestamp  time.Time
		// Cancelled is only set on end events of cancelled tasks.
		Cancelled bool
	}

	// AsyncGraph is a Graph that also keeps the ordered log of task
	// scheduling events.
	AsyncGraph struct {
		*Graph

		mu       sync.Mutex
		timeline []TimelineEvent
		state    map[uint64]EventKind // last event kind per task
		// lastTaskID is the largest task id handed out or seen in an event.
		lastTaskID uint64
	}
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventSuspend:
		return "suspend"
	case EventResume:
		return "resume"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, error) {
	switch s {
	case "start":
		return EventStart, nil
	case "suspend":
		return EventSuspend, nil
	case "resume":
		return EventResume, nil
	case "end":
		return EventEnd, nil
	}
	return 0, fmt.Errorf("callgraph: unknown event kind %q", s)
}

func NewAsync(opts ...Option) *AsyncGraph {
	return &AsyncGraph{
		Graph: New(opts...),
		state: make(map[uint64]EventKind),
	}
}

// validTransition reports whether next may follow prev for a task; prev is
// zero for a task without events.
func validTransition(prev, next EventKind) bool {
	switch next {
	case EventStart:
		return prev == 0
	case EventSuspend:
		return prev == EventStart || prev == EventResume
	case EventResume:
		return prev == EventSuspend
	case EventEnd:
		return prev == EventStart || prev == EventResume
	}
	return false
}

// NextTaskID allocates a task id that is unused in this graph. Every tracer
// recording into the graph takes its ids from here, so tasks of successive
// scopes sharing one graph never collide.
func (g *AsyncGraph) NextTaskID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastTaskID++
	return g.lastTaskID
}

// Record appends an event stamped with the graph clock. The timestamp is read
// under the timeline lock, so the log is ordered by time.
func (g *AsyncGraph) Record(taskID uint64, functionID string, kind EventKind) (TimelineEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev := TimelineEvent{
		TaskID:     taskID,
		FunctionID: functionID,
		Kind:       kind,
		Timestamp:  g.now(),
	}
	return ev, g.appendLocked(ev)
}

// RecordEnd appends the end event of a task.
func (g *AsyncGraph) RecordEnd(taskID uint64, functionID string, cancelled bool) (TimelineEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev := TimelineEvent{
		TaskID:     taskID,
		FunctionID: functionID,
		Kind:       EventEnd,
		Timestamp:  g.now(),
		Cancelled:  cancelled,
	}
	return ev, g.appendLocked(ev)
}

// Append adds an event with its own timestamp.
func (g *AsyncGraph) Append(ev TimelineEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.appendLocked(ev)
}

func (g *AsyncGraph) appendLocked(ev TimelineEvent) error {
	if g.Frozen() {
		return ErrFrozen
	}
	prev := g.state[ev.TaskID]
	if !validTransition(prev, ev.Kind) {
		return fmt.Errorf("%w: task %d %s after %s", ErrTimelineOrder, ev.TaskID, ev.Kind, prev)
	}
	if ev.Kind != EventEnd {
		ev.Cancelled = false
	}
	g.state[ev.TaskID] = ev.Kind
	if ev.TaskID > g.lastTaskID {
		g.lastTaskID = ev.TaskID
	}
	g.timeline = append(g.timeline, ev)
	return nil
}

// Timeline returns a copy of the event log.
func (g *AsyncGraph) Timeline() []TimelineEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]TimelineEvent, len(g.timeline))
	copy(out, g.timeline)
	return out
}

// OpenTasks returns the ids of tasks that started and did not end yet.
func (g *AsyncGraph) OpenTasks() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []uint64
	for id, k := range g.state {
		if k != EventEnd {
			ids = append(ids, id)
		}
	}
	return ids
}

func (g *AsyncGraph) Freeze() {
	// taken so no append can race the freeze
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Graph.Freeze()
}

// MergeAsync merges both the graphs and the timelines. Events are
// interleaved by timestamp. Task ids of other are shifted past the largest
// id of g, so two captures numbering their tasks from 1 merge cleanly.
func (g *AsyncGraph) MergeAsync(other *AsyncGraph) (*AsyncGraph, error) {
	merged := &AsyncGraph{
		Graph: g.Graph.Merge(other.Graph),
		state: make(map[uint64]EventKind),
	}
	frozen := merged.frozen.Load()
	merged.frozen.Store(false)
	a, b := g.Timeline(), other.Timeline()
	offset := g.maxTaskID()
	for i := range b {
		b[i].TaskID += offset
	}
	for len(a) > 0 || len(b) > 0 {
		var ev TimelineEvent
		if len(b) == 0 || (len(a) > 0 && !b[0].Timestamp.Before(a[0].Timestamp)) {
			ev, a = a[0], a[1:]
		} else {
			ev, b = b[0], b[1:]
		}
		if err := merged.appendLocked(ev); err != nil {
			return nil, err
		}
	}
	merged.frozen.Store(frozen)
	return merged, nil
}

func (g *AsyncGraph) maxTaskID() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastTaskID
}

// RestoreAsync builds a frozen async graph from a snapshot and a timeline.
func RestoreAsync(s Snapshot, timeline []TimelineEvent) (*AsyncGraph, error) {
	if err := s.CheckEdgeSums(); err != nil {
		return nil, err
	}
	g := NewAsync(WithSessionID(s.Metadata.SessionID), WithStartTime(s.Metadata.StartTime))
	for _, ev := range timeline {
		if err := g.appendLocked(ev); err != nil {
			return nil, err
		}
	}
	g.load(s)
	return g, nil
}
