package callgraph

import (
	"time"

	"github.com/getsentry/calltrace/internal/frame"
)

type (
	// Node aggregates every invocation of one function.
	Node struct {
		ID            string
		Name          string
		Module        string
		CallCount     uint64
		TotalTime     time.Duration
		OwnTime       time.Duration
		FirstSeen     time.Time
		LastSeen      time.Time
		LastArguments string
	}

	// Edge aggregates the invocations of Callee made directly by Caller.
	Edge struct {
		CallerID  string
		CalleeID  string
		CallCount uint64
		TotalTime time.Duration
	}

	// EdgeKey identifies an edge.
	EdgeKey struct {
		CallerID string
		CalleeID string
	}

	// Call is a single finished invocation.
	Call struct {
		Caller    frame.Frame
		Callee    frame.Frame
		Elapsed   time.Duration
		Own       time.Duration
		Timestamp time.Time
		Args      string
		// Dropped is set when the call was still running when its
		// session ended and Elapsed was measured up to the teardown.
		Dropped bool
	}

	Metadata struct {
		SessionID     string
		StartTime     time.Time
		EndTime       time.Time
		Duration      time.Duration
		DroppedFrames uint64
		Aborted       bool
		AbortReason   string
	}
)

func (n Node) AvgTime() time.Duration {
	if n.CallCount == 0 {
		return 0
	}
	return n.TotalTime / time.Duration(n.CallCount)
}

func (n Node) Frame() frame.Frame {
	return frame.Frame{Module: n.Module, Function: n.Name}
}

func (e Edge) Key() EdgeKey {
	return EdgeKey{CallerID: e.CallerID, CalleeID: e.CalleeID}
}

func newNode(c Call) *Node {
	return &Node{
		ID:        c.Callee.ID(),
		Name:      c.Callee.Function,
		Module:    c.Callee.Module,
		FirstSeen: c.Timestamp,
	}
}

func (n *Node) add(c Call) {
	n.CallCount++
	n.TotalTime += c.Elapsed
	n.OwnTime += c.Own
	if n.FirstSeen.IsZero() || c.Timestamp.Before(n.FirstSeen) {
		n.FirstSeen = c.Timestamp
	}
	if !c.Timestamp.Before(n.LastSeen) {
		n.LastSeen = c.Timestamp
		n.LastArguments = frame.Truncate(c.Args, frame.MaxArgumentsLength)
	}
}

// merge folds o into n. Counters add up, the observation window widens and
// the arguments of the most recent observation win.
func (n *Node) merge(o Node) {
	n.CallCount += o.CallCount
	n.TotalTime += o.TotalTime
	n.OwnTime += o.OwnTime
	if n.FirstSeen.IsZero() || (!o.FirstSeen.IsZero() && o.FirstSeen.Before(n.FirstSeen)) {
		n.FirstSeen = o.FirstSeen
	}
	if o.LastSeen.After(n.LastSeen) {
		n.LastSeen = o.LastSeen
		n.LastArguments = o.LastArguments
	}
}
