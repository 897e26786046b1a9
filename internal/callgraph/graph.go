// Package callgraph holds the weighted call graph built while a recording
// session runs.
//
// A Graph owns its nodes and edges. They are only ever handed out as copies,
// and the only way to change them is RecordCall or Merge, so all of the
// synchronization lives here. Nodes and the edges pointing at them are
// sharded by callee: recording a call takes exactly one shard lock and
// updates the node together with its incoming edge.
package callgraph

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/getsentry/calltrace/internal/errorutil"
	"github.com/getsentry/calltrace/internal/frame"
)

const numShards = 32

var (
	// ErrFrozen is returned when recording into a graph whose session ended.
	ErrFrozen = fmt.Errorf("callgraph: graph is frozen")

	errEdgeSum = fmt.Errorf("callgraph: %w: node call count differs from its incoming edges", errorutil.ErrDataIntegrity)
)

type (
	shard struct {
		mu    sync.Mutex
		nodes map[string]*Node
		edges map[EdgeKey]*Edge
	}

	Graph struct {
		shards [numShards]shard

		mu      sync.Mutex // guards meta
		meta    Metadata
		frozen  atomic.Bool
		dropped atomic.Uint64
		now     func() time.Time
	}

	Option func(*Graph)

	// Snapshot is a consistent copy of a graph.
	Snapshot struct {
		Nodes    []Node
		Edges    []Edge
		Metadata Metadata
	}
)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) {
		g.now = now
	}
}

func WithSessionID(id string) Option {
	return func(g *Graph) {
		g.meta.SessionID = id
	}
}

// WithStartTime sets the session start instead of reading the clock.
func WithStartTime(t time.Time) Option {
	return func(g *Graph) {
		g.meta.StartTime = t
	}
}

func New(opts ...Option) *Graph {
	g := &Graph{now: time.Now}
	for i := range g.shards {
		g.shards[i].nodes = make(map[string]*Node)
		g.shards[i].edges = make(map[EdgeKey]*Edge)
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.meta.SessionID == "" {
		g.meta.SessionID = uuid.New().String()
	}
	if g.meta.StartTime.IsZero() {
		g.meta.StartTime = g.now()
	}
	return g
}

func (g *Graph) shardFor(calleeID string) *shard {
	return &g.shards[xxh3.HashString(calleeID)%numShards]
}

// Now reads the graph's clock.
func (g *Graph) Now() time.Time {
	return g.now()
}

// RecordCall adds one finished call to the callee's node and to the
// caller->callee edge as a single update.
func (g *Graph) RecordCall(c Call) error {
	if g.frozen.Load() {
		return ErrFrozen
	}
	if c.Caller.IsZero() {
		c.Caller = frame.Root
	}
	if c.Elapsed < 0 {
		c.Elapsed = 0
	}
	if c.Own < 0 || c.Own > c.Elapsed {
		c.Own = c.Elapsed
	}
	calleeID := c.Callee.ID()
	key := EdgeKey{CallerID: c.Caller.ID(), CalleeID: calleeID}
	s := g.shardFor(calleeID)

	s.mu.Lock()
	// checked again under the lock, Freeze takes every shard lock
	if g.frozen.Load() {
		s.mu.Unlock()
		return ErrFrozen
	}
	n, ok := s.nodes[calleeID]
	if !ok {
		n = newNode(c)
		s.nodes[calleeID] = n
	}
	n.add(c)
	e, ok := s.edges[key]
	if !ok {
		e = &Edge{CallerID: key.CallerID, CalleeID: key.CalleeID}
		s.edges[key] = e
	}
	e.CallCount++
	e.TotalTime += c.Elapsed
	s.mu.Unlock()

	if c.Dropped {
		g.dropped.Add(1)
	}
	return nil
}

func (g *Graph) lockAll() {
	for i := range g.shards {
		g.shards[i].mu.Lock()
	}
}

func (g *Graph) unlockAll() {
	for i := len(g.shards) - 1; i >= 0; i-- {
		g.shards[i].mu.Unlock()
	}
}

// Freeze ends the session: the end time is stamped and every later
// RecordCall fails with ErrFrozen. Freezing twice is a no-op.
func (g *Graph) Freeze() {
	g.lockAll()
	defer g.unlockAll()
	if g.frozen.Load() {
		return
	}
	g.mu.Lock()
	g.meta.EndTime = g.now()
	g.meta.Duration = g.meta.EndTime.Sub(g.meta.StartTime)
	g.mu.Unlock()
	g.frozen.Store(true)
}

func (g *Graph) Frozen() bool {
	return g.frozen.Load()
}

// Abort flags the session as untrustworthy. Only the first reason is kept.
func (g *Graph) Abort(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.meta.Aborted {
		return
	}
	g.meta.Aborted = true
	g.meta.AbortReason = reason
}

func (g *Graph) Metadata() Metadata {
	g.mu.Lock()
	m := g.meta
	g.mu.Unlock()
	m.DroppedFrames = g.dropped.Load()
	return m
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	s := g.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Edge returns a copy of the edge between two functions.
func (g *Graph) Edge(callerID, calleeID string) (Edge, bool) {
	s := g.shardFor(calleeID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[EdgeKey{CallerID: callerID, CalleeID: calleeID}]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// Snapshot copies the whole graph while holding every shard lock, so no
// call is observed half recorded.
func (g *Graph) Snapshot() Snapshot {
	g.lockAll()
	var s Snapshot
	for i := range g.shards {
		for _, n := range g.shards[i].nodes {
			s.Nodes = append(s.Nodes, *n)
		}
		for _, e := range g.shards[i].edges {
			s.Edges = append(s.Edges, *e)
		}
	}
	g.unlockAll()
	s.Metadata = g.Metadata()
	sortNodes(s.Nodes)
	sortEdges(s.Edges)
	return s
}

func (g *Graph) Nodes() []Node {
	return g.Snapshot().Nodes
}

func (g *Graph) Edges() []Edge {
	return g.Snapshot().Edges
}

// CheckEdgeSums verifies that every node was called exactly as many times
// as its incoming edges say.
func (g *Graph) CheckEdgeSums() error {
	return g.Snapshot().CheckEdgeSums()
}

func (s Snapshot) CheckEdgeSums() error {
	sums := make(map[string]uint64, len(s.Nodes))
	for _, e := range s.Edges {
		sums[e.CalleeID] += e.CallCount
	}
	for _, n := range s.Nodes {
		if sums[n.ID] != n.CallCount {
			return fmt.Errorf("%w: %s has %d calls and %d incoming", errEdgeSum, n.ID, n.CallCount, sums[n.ID])
		}
		delete(sums, n.ID)
	}
	for id := range sums {
		return fmt.Errorf("%w: edges target unknown node %s", errEdgeSum, id)
	}
	return nil
}

// Restore builds a frozen graph from a snapshot.
func Restore(s Snapshot) (*Graph, error) {
	if err := s.CheckEdgeSums(); err != nil {
		return nil, err
	}
	g := New(WithSessionID(s.Metadata.SessionID), WithStartTime(s.Metadata.StartTime))
	g.load(s)
	return g, nil
}

func (g *Graph) load(s Snapshot) {
	for _, n := range s.Nodes {
		n := n
		g.shardFor(n.ID).nodes[n.ID] = &n
	}
	for _, e := range s.Edges {
		e := e
		g.shardFor(e.CalleeID).edges[e.Key()] = &e
	}
	g.meta = s.Metadata
	g.meta.DroppedFrames = 0
	g.dropped.Store(s.Metadata.DroppedFrames)
	g.frozen.Store(true)
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].CallerID != edges[j].CallerID {
			return edges[i].CallerID < edges[j].CallerID
		}
		return edges[i].CalleeID < edges[j].CalleeID
	})
}
