package callgraph

import (
	"github.com/google/uuid"
)

// Merge combines two graphs recorded over disjoint or overlapping time
// ranges into a new graph. Matching nodes and edges have their counters
// summed, everything else is carried over. The result is frozen when both
// inputs are.
func (g *Graph) Merge(other *Graph) *Graph {
	a, b := g.Snapshot(), other.Snapshot()
	merged := mergeSnapshots(a, b)

	out := New(WithClock(g.now), WithSessionID(merged.Metadata.SessionID), WithStartTime(merged.Metadata.StartTime))
	out.load(merged)
	if !g.Frozen() || !other.Frozen() {
		out.frozen.Store(false)
	}
	return out
}

func mergeSnapshots(a, b Snapshot) Snapshot {
	nodes := make(map[string]Node, len(a.Nodes)+len(b.Nodes))
	for _, n := range a.Nodes {
		nodes[n.ID] = n
	}
	for _, n := range b.Nodes {
		if existing, ok := nodes[n.ID]; ok {
			existing.merge(n)
			nodes[n.ID] = existing
		} else {
			nodes[n.ID] = n
		}
	}

	edges := make(map[EdgeKey]Edge, len(a.Edges)+len(b.Edges))
	for _, e := range a.Edges {
		edges[e.Key()] = e
	}
	for _, e := range b.Edges {
		if existing, ok := edges[e.Key()]; ok {
			existing.CallCount += e.CallCount
			existing.TotalTime += e.TotalTime
			edges[e.Key()] = existing
		} else {
			edges[e.Key()] = e
		}
	}

	var s Snapshot
	for _, n := range nodes {
		s.Nodes = append(s.Nodes, n)
	}
	for _, e := range edges {
		s.Edges = append(s.Edges, e)
	}
	sortNodes(s.Nodes)
	sortEdges(s.Edges)
	s.Metadata = mergeMetadata(a.Metadata, b.Metadata)
	return s
}

func mergeMetadata(a, b Metadata) Metadata {
	m := Metadata{
		SessionID:     uuid.New().String(),
		StartTime:     a.StartTime,
		EndTime:       a.EndTime,
		DroppedFrames: a.DroppedFrames + b.DroppedFrames,
		Aborted:       a.Aborted || b.Aborted,
		AbortReason:   a.AbortReason,
	}
	if m.StartTime.IsZero() || (!b.StartTime.IsZero() && b.StartTime.Before(m.StartTime)) {
		m.StartTime = b.StartTime
	}
	if b.EndTime.After(m.EndTime) {
		m.EndTime = b.EndTime
	}
	if !m.EndTime.IsZero() {
		m.Duration = m.EndTime.Sub(m.StartTime)
	}
	if m.AbortReason == "" {
		m.AbortReason = b.AbortReason
	}
	return m
}
