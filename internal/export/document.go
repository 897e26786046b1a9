// Package export converts call graphs to and from a versioned document
// consumed by visualizers and analyzers.
//
// Durations are encoded as seconds and timestamps as RFC 3339 strings with
// nanoseconds, so a document decodes back into the graph it was made from.
package export

import (
	"fmt"
	"time"

	"github.com/getsentry/calltrace/internal/callgraph"
	"github.com/getsentry/calltrace/internal/errorutil"
	"github.com/getsentry/calltrace/internal/frame"
	"github.com/getsentry/calltrace/internal/timeutil"
)

// Version is the version of the documents produced by this package.
const Version = 1

var (
	ErrUnsupportedVersion = fmt.Errorf("export: %w: unsupported document version", errorutil.ErrDataIntegrity)
	ErrInvalidDocument    = fmt.Errorf("export: %w: invalid document", errorutil.ErrDataIntegrity)
)

type (
	Document struct {
		Version  int      `json:"version"`
		Nodes    []Node   `json:"nodes"`
		Edges    []Edge   `json:"edges"`
		Timeline []Event  `json:"timeline,omitempty"`
		Metadata Metadata `json:"metadata"`
	}

	Node struct {
		ID            string           `json:"id"`
		Name          string           `json:"name"`
		Module        string           `json:"module"`
		CallCount     uint64           `json:"call_count"`
		TotalTime     timeutil.Seconds `json:"total_time"`
		OwnTime       timeutil.Seconds `json:"own_time"`
		AvgTime       timeutil.Seconds `json:"avg_time"`
		FirstSeen     timeutil.Time    `json:"first_seen"`
		LastSeen      timeutil.Time    `json:"last_seen"`
		LastArguments string           `json:"last_arguments,omitempty"`
	}

	Edge struct {
		CallerID  string           `json:"caller_id"`
		CalleeID  string           `json:"callee_id"`
		CallCount uint64           `json:"call_count"`
		TotalTime timeutil.Seconds `json:"total_time"`
	}

	Event struct {
		TaskID     uint64        `json:"task_id"`
		FunctionID string        `json:"function_id"`
		Kind       string        `json:"kind"`
		Timestamp  timeutil.Time `json:"ts"`
		Cancelled  bool          `json:"cancelled,omitempty"`
	}

	Metadata struct {
		SessionID     string           `json:"session_id"`
		StartTime     timeutil.Time    `json:"start_time"`
		EndTime       timeutil.Time    `json:"end_time"`
		Duration      timeutil.Seconds `json:"duration"`
		DroppedFrames uint64           `json:"dropped_frames"`
		Aborted       bool             `json:"aborted,omitempty"`
		AbortReason   string           `json:"abort_reason,omitempty"`
	}
)

// ToDict converts a graph without a timeline.
func ToDict(g *callgraph.Graph) Document {
	return fromSnapshot(g.Snapshot(), nil)
}

// ToDictAsync converts a graph and its timeline.
func ToDictAsync(g *callgraph.AsyncGraph) Document {
	return fromSnapshot(g.Snapshot(), g.Timeline())
}

func fromSnapshot(s callgraph.Snapshot, timeline []callgraph.TimelineEvent) Document {
	doc := Document{
		Version: Version,
		Nodes:   make([]Node, 0, len(s.Nodes)),
		Edges:   make([]Edge, 0, len(s.Edges)),
		Metadata: Metadata{
			SessionID:     s.Metadata.SessionID,
			StartTime:     timeutil.Time(s.Metadata.StartTime),
			EndTime:       timeutil.Time(s.Metadata.EndTime),
			Duration:      timeutil.Seconds(s.Metadata.Duration),
			DroppedFrames: s.Metadata.DroppedFrames,
			Aborted:       s.Metadata.Aborted,
			AbortReason:   s.Metadata.AbortReason,
		},
	}
	for _, n := range s.Nodes {
		doc.Nodes = append(doc.Nodes, Node{
			ID:            n.ID,
			Name:          n.Name,
			Module:        n.Module,
			CallCount:     n.CallCount,
			TotalTime:     timeutil.Seconds(n.TotalTime),
			OwnTime:       timeutil.Seconds(n.OwnTime),
			AvgTime:       timeutil.Seconds(n.AvgTime()),
			FirstSeen:     timeutil.Time(n.FirstSeen),
			LastSeen:      timeutil.Time(n.LastSeen),
			LastArguments: n.LastArguments,
		})
	}
	for _, e := range s.Edges {
		doc.Edges = append(doc.Edges, Edge{
			CallerID:  e.CallerID,
			CalleeID:  e.CalleeID,
			CallCount: e.CallCount,
			TotalTime: timeutil.Seconds(e.TotalTime),
		})
	}
	for _, ev := range timeline {
		doc.Timeline = append(doc.Timeline, Event{
			TaskID:     ev.TaskID,
			FunctionID: ev.FunctionID,
			Kind:       ev.Kind.String(),
			Timestamp:  timeutil.Time(ev.Timestamp),
			Cancelled:  ev.Cancelled,
		})
	}
	return doc
}

// FromDict rebuilds a frozen graph from a document. The document is
// validated: its version, the call counts of nodes against their incoming
// edges and the order of the timeline.
func FromDict(doc Document) (*callgraph.AsyncGraph, error) {
	if doc.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}
	s := callgraph.Snapshot{
		Nodes: make([]callgraph.Node, 0, len(doc.Nodes)),
		Edges: make([]callgraph.Edge, 0, len(doc.Edges)),
		Metadata: callgraph.Metadata{
			SessionID:     doc.Metadata.SessionID,
			StartTime:     doc.Metadata.StartTime.Time(),
			EndTime:       doc.Metadata.EndTime.Time(),
			Duration:      doc.Metadata.Duration.Duration(),
			DroppedFrames: doc.Metadata.DroppedFrames,
			Aborted:       doc.Metadata.Aborted,
			AbortReason:   doc.Metadata.AbortReason,
		},
	}
	seen := make(map[string]struct{}, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if err := n.validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[n.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate node %s", ErrInvalidDocument, n.ID)
		}
		seen[n.ID] = struct{}{}
		name, module := n.Name, n.Module
		if name == "" && module == "" {
			f := frame.Parse(n.ID)
			name, module = f.Function, f.Module
		}
		s.Nodes = append(s.Nodes, callgraph.Node{
			ID:            n.ID,
			Name:          name,
			Module:        module,
			CallCount:     n.CallCount,
			TotalTime:     n.TotalTime.Duration(),
			OwnTime:       n.OwnTime.Duration(),
			FirstSeen:     n.FirstSeen.Time(),
			LastSeen:      n.LastSeen.Time(),
			LastArguments: n.LastArguments,
		})
	}
	for _, e := range doc.Edges {
		if e.TotalTime < 0 {
			return nil, fmt.Errorf("%w: edge %s -> %s has a negative total time", ErrInvalidDocument, e.CallerID, e.CalleeID)
		}
		s.Edges = append(s.Edges, callgraph.Edge{
			CallerID:  e.CallerID,
			CalleeID:  e.CalleeID,
			CallCount: e.CallCount,
			TotalTime: e.TotalTime.Duration(),
		})
	}
	timeline := make([]callgraph.TimelineEvent, 0, len(doc.Timeline))
	for _, ev := range doc.Timeline {
		kind, err := callgraph.ParseEventKind(ev.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, err.Error())
		}
		timeline = append(timeline, callgraph.TimelineEvent{
			TaskID:     ev.TaskID,
			FunctionID: ev.FunctionID,
			Kind:       kind,
			Timestamp:  ev.Timestamp.Time(),
			Cancelled:  ev.Cancelled,
		})
	}
	return callgraph.RestoreAsync(s, timeline)
}

func (n Node) validate() error {
	switch {
	case n.ID == "":
		return fmt.Errorf("%w: node without an id", ErrInvalidDocument)
	case n.CallCount == 0:
		return fmt.Errorf("%w: node %s was never called", ErrInvalidDocument, n.ID)
	case n.TotalTime < 0 || n.OwnTime < 0:
		return fmt.Errorf("%w: node %s has a negative time", ErrInvalidDocument, n.ID)
	case n.LastSeen.Time().Before(n.FirstSeen.Time()):
		return fmt.Errorf("%w: node %s was last seen before it was first seen", ErrInvalidDocument, n.ID)
	}
	return nil
}

// Wall returns the duration covered by the document.
func (m Metadata) Wall() time.Duration {
	if d := m.Duration.Duration(); d > 0 {
		return d
	}
	return m.EndTime.Time().Sub(m.StartTime.Time())
}
