package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"

	"github.com/getsentry/calltrace/internal/callgraph"
	"github.com/getsentry/calltrace/internal/errorutil"
	"github.com/getsentry/calltrace/internal/frame"
	"github.com/getsentry/calltrace/internal/storageutil"
	"github.com/getsentry/calltrace/internal/testutil"
	"github.com/getsentry/calltrace/internal/timeutil"
)

var (
	start   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fnMain  = frame.Frame{Module: "example.com/app", Function: "main"}
	fnAdd   = frame.Frame{Module: "example.com/app", Function: "add"}
	fnFetch = frame.Frame{Module: "example.com/app", Function: "(*Client).fetch"}
)

func at(ms int) time.Time {
	return start.Add(time.Duration(ms)*time.Millisecond + 17)
}

func syncGraph(t *testing.T) *callgraph.AsyncGraph {
	g := callgraph.NewAsync(callgraph.WithClock(testutil.Clock(start, 333*time.Microsecond)))
	calls := []callgraph.Call{
		{Caller: fnMain, Callee: fnAdd, Elapsed: time.Millisecond + 3, Own: time.Millisecond + 3, Timestamp: at(1), Args: "1 2"},
		{Caller: fnMain, Callee: fnAdd, Elapsed: 2 * time.Millisecond, Own: 2 * time.Millisecond, Timestamp: at(3), Args: "3 4"},
		{Caller: frame.Root, Callee: fnMain, Elapsed: 5 * time.Millisecond, Own: 2 * time.Millisecond, Timestamp: at(5)},
		{Caller: fnMain, Callee: fnFetch, Elapsed: time.Millisecond, Own: time.Millisecond, Timestamp: at(6), Dropped: true},
	}
	for _, c := range calls {
		if err := g.RecordCall(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	return g
}

func asyncGraph(t *testing.T) *callgraph.AsyncGraph {
	g := syncGraph(t)
	events := []struct {
		task uint64
		kind callgraph.EventKind
	}{
		{1, callgraph.EventStart},
		{2, callgraph.EventStart},
		{1, callgraph.EventSuspend},
		{2, callgraph.EventSuspend},
		{1, callgraph.EventResume},
		{1, callgraph.EventEnd},
		{2, callgraph.EventResume},
	}
	for _, ev := range events {
		if _, err := g.Record(ev.task, fnFetch.ID(), ev.kind); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := g.RecordEnd(2, fnFetch.ID(), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g
}

func assertSameGraph(t *testing.T, got, want *callgraph.AsyncGraph) {
	t.Helper()
	if diff := testutil.Diff(got.Snapshot(), want.Snapshot()); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if diff := testutil.Diff(got.Timeline(), want.Timeline()); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		graph func(t *testing.T) *callgraph.AsyncGraph
	}{
		{
			name: "empty graph",
			graph: func(t *testing.T) *callgraph.AsyncGraph {
				return callgraph.NewAsync(callgraph.WithClock(testutil.Clock(start, time.Millisecond)))
			},
		},
		{
			name:  "graph without timeline",
			graph: syncGraph,
		},
		{
			name:  "graph with timeline",
			graph: asyncGraph,
		},
		{
			name: "aborted graph",
			graph: func(t *testing.T) *callgraph.AsyncGraph {
				g := syncGraph(t)
				g.Abort("stack discipline violated")
				return g
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := test.graph(t)
			g.Freeze()

			restored, err := FromDict(ToDictAsync(g))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			assertSameGraph(t, restored, g)
			if !restored.Frozen() {
				t.Fatal("a restored graph should be frozen")
			}

			b, err := Marshal(ToDictAsync(g))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			doc, err := Unmarshal(b)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			decoded, err := FromDict(doc)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			assertSameGraph(t, decoded, g)
		})
	}
}

func TestToDict(t *testing.T) {
	g := syncGraph(t)
	g.Freeze()
	doc := ToDict(g.Graph)

	if doc.Version != Version {
		t.Fatalf("expected version %d, got %d", Version, doc.Version)
	}
	if doc.Timeline != nil {
		t.Fatal("a plain graph has no timeline")
	}
	if doc.Metadata.DroppedFrames != 1 {
		t.Fatalf("expected 1 dropped frame, got %d", doc.Metadata.DroppedFrames)
	}
	var add Node
	for _, n := range doc.Nodes {
		if n.ID == fnAdd.ID() {
			add = n
		}
	}
	want := Node{
		ID:            "example.com/app.add",
		Name:          "add",
		Module:        "example.com/app",
		CallCount:     2,
		TotalTime:     timeutil.Seconds(3*time.Millisecond + 3),
		OwnTime:       timeutil.Seconds(3*time.Millisecond + 3),
		AvgTime:       timeutil.Seconds((3*time.Millisecond + 3) / 2),
		FirstSeen:     timeutil.Time(at(1)),
		LastSeen:      timeutil.Time(at(3)),
		LastArguments: "3 4",
	}
	if diff := testutil.Diff(add, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestMarshalFormat(t *testing.T) {
	doc := Document{
		Version: Version,
		Nodes: []Node{
			{ID: "example.com/app.add", Name: "add", Module: "example.com/app", CallCount: 1, TotalTime: timeutil.Seconds(1500 * time.Microsecond), OwnTime: timeutil.Seconds(1500 * time.Microsecond), AvgTime: timeutil.Seconds(1500 * time.Microsecond), FirstSeen: timeutil.Time(start), LastSeen: timeutil.Time(start)},
		},
		Edges: []Edge{
			{CallerID: "<root>", CalleeID: "example.com/app.add", CallCount: 1, TotalTime: timeutil.Seconds(1500 * time.Microsecond)},
		},
		Metadata: Metadata{SessionID: "s", StartTime: timeutil.Time(start), EndTime: timeutil.Time(start.Add(2 * time.Second)), Duration: timeutil.Seconds(2 * time.Second)},
	}
	b, err := Marshal(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"version":1,` +
		`"nodes":[{"id":"example.com/app.add","name":"add","module":"example.com/app","call_count":1,"total_time":0.0015,"own_time":0.0015,"avg_time":0.0015,"first_seen":"2024-03-01T12:00:00Z","last_seen":"2024-03-01T12:00:00Z"}],` +
		`"edges":[{"caller_id":"<root>","callee_id":"example.com/app.add","call_count":1,"total_time":0.0015}],` +
		`"metadata":{"session_id":"s","start_time":"2024-03-01T12:00:00Z","end_time":"2024-03-01T12:00:02Z","duration":2,"dropped_frames":0}}`
	if diff := testutil.Diff(string(b), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestFromDictValidates(t *testing.T) {
	valid := func() Document {
		g := asyncGraph(t)
		g.Freeze()
		return ToDictAsync(g)
	}
	tests := []struct {
		name   string
		mutate func(doc *Document)
		want   error
	}{
		{
			name:   "unsupported version",
			mutate: func(doc *Document) { doc.Version = 2 },
			want:   ErrUnsupportedVersion,
		},
		{
			name:   "call count differs from incoming edges",
			mutate: func(doc *Document) { doc.Nodes[0].CallCount++ },
			want:   errorutil.ErrDataIntegrity,
		},
		{
			name:   "node never called",
			mutate: func(doc *Document) { doc.Nodes[0].CallCount = 0 },
			want:   ErrInvalidDocument,
		},
		{
			name:   "duplicate node",
			mutate: func(doc *Document) { doc.Nodes = append(doc.Nodes, doc.Nodes[0]) },
			want:   ErrInvalidDocument,
		},
		{
			name:   "unknown event kind",
			mutate: func(doc *Document) { doc.Timeline[0].Kind = "yield" },
			want:   ErrInvalidDocument,
		},
		{
			name:   "resume before suspend",
			mutate: func(doc *Document) { doc.Timeline[2].Kind = "resume" },
			want:   callgraph.ErrTimelineOrder,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			doc := valid()
			test.mutate(&doc)
			if _, err := FromDict(doc); !errors.Is(err, test.want) {
				t.Fatalf("expected %v, got %v", test.want, err)
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	g := asyncGraph(t)
	g.Freeze()
	name := StoragePath(42, g.Metadata().SessionID)
	if err := Save(ctx, bucket, name, ToDictAsync(g)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc, err := Load(ctx, bucket, name)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	restored, err := FromDict(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertSameGraph(t, restored, g)

	if _, err := Load(ctx, bucket, StoragePath(42, "missing")); !errors.Is(err, storageutil.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}
