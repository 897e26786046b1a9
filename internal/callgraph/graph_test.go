package callgraph

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/calltrace/internal/errorutil"
	"github.com/getsentry/calltrace/internal/frame"
	"github.com/getsentry/calltrace/internal/testutil"
)

var (
	start  = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fnMain = frame.Frame{Module: "example.com/app", Function: "main"}
	fnAdd  = frame.Frame{Module: "example.com/app", Function: "add"}
	fnLoop = frame.Frame{Module: "example.com/app", Function: "countdown"}
)

func at(ms int) time.Time {
	return start.Add(time.Duration(ms) * time.Millisecond)
}

func TestRecordCall(t *testing.T) {
	tests := []struct {
		name  string
		calls []Call
		want  Snapshot
	}{
		{
			name: "fan out",
			calls: []Call{
				{Caller: fnMain, Callee: fnAdd, Elapsed: 1 * time.Millisecond, Own: 1 * time.Millisecond, Timestamp: at(1), Args: "1 2"},
				{Caller: fnMain, Callee: fnAdd, Elapsed: 2 * time.Millisecond, Own: 2 * time.Millisecond, Timestamp: at(3), Args: "3 4"},
				{Caller: fnMain, Callee: fnAdd, Elapsed: 3 * time.Millisecond, Own: 3 * time.Millisecond, Timestamp: at(6), Args: "5 6"},
				{Caller: frame.Root, Callee: fnMain, Elapsed: 7 * time.Millisecond, Own: 1 * time.Millisecond, Timestamp: at(7)},
			},
			want: Snapshot{
				Nodes: []Node{
					{
						ID:            "example.com/app.add",
						Name:          "add",
						Module:        "example.com/app",
						CallCount:     3,
						TotalTime:     6 * time.Millisecond,
						OwnTime:       6 * time.Millisecond,
						FirstSeen:     at(1),
						LastSeen:      at(6),
						LastArguments: "5 6",
					},
					{
						ID:        "example.com/app.main",
						Name:      "main",
						Module:    "example.com/app",
						CallCount: 1,
						TotalTime: 7 * time.Millisecond,
						OwnTime:   1 * time.Millisecond,
						FirstSeen: at(7),
						LastSeen:  at(7),
					},
				},
				Edges: []Edge{
					{CallerID: "<root>", CalleeID: "example.com/app.main", CallCount: 1, TotalTime: 7 * time.Millisecond},
					{CallerID: "example.com/app.main", CalleeID: "example.com/app.add", CallCount: 3, TotalTime: 6 * time.Millisecond},
				},
			},
		},
		{
			name: "recursion",
			calls: []Call{
				{Caller: fnLoop, Callee: fnLoop, Elapsed: 1 * time.Millisecond, Timestamp: at(1)},
				{Caller: fnLoop, Callee: fnLoop, Elapsed: 2 * time.Millisecond, Timestamp: at(2)},
				{Caller: fnLoop, Callee: fnLoop, Elapsed: 3 * time.Millisecond, Timestamp: at(3)},
				{Callee: fnLoop, Elapsed: 4 * time.Millisecond, Timestamp: at(4)},
			},
			want: Snapshot{
				Nodes: []Node{
					{
						ID:        "example.com/app.countdown",
						Name:      "countdown",
						Module:    "example.com/app",
						CallCount: 4,
						TotalTime: 10 * time.Millisecond,
						FirstSeen: at(1),
						LastSeen:  at(4),
					},
				},
				Edges: []Edge{
					{CallerID: "<root>", CalleeID: "example.com/app.countdown", CallCount: 1, TotalTime: 4 * time.Millisecond},
					{CallerID: "example.com/app.countdown", CalleeID: "example.com/app.countdown", CallCount: 3, TotalTime: 6 * time.Millisecond},
				},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := New(WithClock(testutil.Clock(start, time.Millisecond)))
			for _, c := range test.calls {
				if err := g.RecordCall(c); err != nil {
					t.Fatalf("we should be able to record: %v", err)
				}
			}
			s := g.Snapshot()
			if diff := testutil.Diff(s.Nodes, test.want.Nodes); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
			if diff := testutil.Diff(s.Edges, test.want.Edges); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
			if err := s.CheckEdgeSums(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestRecordCallClampsTimes(t *testing.T) {
	g := New()
	err := g.RecordCall(Call{Callee: fnAdd, Elapsed: -time.Second, Own: time.Second, Timestamp: at(0)})
	if err != nil {
		t.Fatal(err)
	}
	n, ok := g.Node(fnAdd.ID())
	if !ok {
		t.Fatal("node should exist")
	}
	if n.TotalTime != 0 || n.OwnTime != 0 {
		t.Fatalf("times should be clamped, got %v and %v", n.TotalTime, n.OwnTime)
	}
	if n.AvgTime() != 0 {
		t.Fatalf("unexpected average %v", n.AvgTime())
	}
}

func TestConcurrentRecordCallKeepsEdgeSums(t *testing.T) {
	g := New()
	const (
		workers = 16
		calls   = 500
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			caller := frame.Frame{Module: "example.com/app", Function: fmt.Sprintf("worker%d", w%4)}
			for i := 0; i < calls; i++ {
				callee := frame.Frame{Module: "example.com/app", Function: fmt.Sprintf("leaf%d", i%7)}
				_ = g.RecordCall(Call{Caller: caller, Callee: callee, Elapsed: time.Microsecond, Timestamp: time.Now()})
			}
		}(w)
	}

	// readers run while writers are busy and must never see a node
	// without its edge
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if err := g.CheckEdgeSums(); err != nil {
				t.Errorf("edge sums should hold during writes: %v", err)
				return
			}
		}
	}()
	wg.Wait()
	<-done

	var total uint64
	for _, n := range g.Nodes() {
		total += n.CallCount
	}
	if total != workers*calls {
		t.Fatalf("expected %d calls, got %d", workers*calls, total)
	}
	if err := g.CheckEdgeSums(); err != nil {
		t.Fatal(err)
	}
}

func TestFreeze(t *testing.T) {
	g := New(WithClock(testutil.Clock(start, time.Second)))
	if err := g.RecordCall(Call{Callee: fnMain, Timestamp: at(0)}); err != nil {
		t.Fatal(err)
	}
	g.Freeze()
	g.Freeze()
	if !g.Frozen() {
		t.Fatal("graph should be frozen")
	}
	err := g.RecordCall(Call{Callee: fnMain, Timestamp: at(0)})
	if !errors.Is(err, ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
	m := g.Metadata()
	if m.Duration != time.Second {
		t.Fatalf("expected a one second session, got %v", m.Duration)
	}
	if m.SessionID == "" {
		t.Fatal("session id should be set")
	}
}

func TestDroppedAndAbort(t *testing.T) {
	g := New()
	_ = g.RecordCall(Call{Callee: fnMain, Timestamp: at(0), Dropped: true})
	_ = g.RecordCall(Call{Callee: fnAdd, Timestamp: at(0), Dropped: true})
	g.Abort("first")
	g.Abort("second")
	m := g.Metadata()
	if m.DroppedFrames != 2 {
		t.Fatalf("expected 2 dropped frames, got %d", m.DroppedFrames)
	}
	if !m.Aborted || m.AbortReason != "first" {
		t.Fatalf("unexpected abort state: %+v", m)
	}
}

func TestCheckEdgeSumsDetectsCorruption(t *testing.T) {
	s := Snapshot{
		Nodes: []Node{{ID: "a", CallCount: 2}},
		Edges: []Edge{{CallerID: "<root>", CalleeID: "a", CallCount: 1}},
	}
	if err := s.CheckEdgeSums(); !errors.Is(err, errorutil.ErrDataIntegrity) {
		t.Fatalf("expected a data integrity error, got %v", err)
	}
	s = Snapshot{Edges: []Edge{{CallerID: "<root>", CalleeID: "ghost", CallCount: 1}}}
	if err := s.CheckEdgeSums(); !errors.Is(err, errorutil.ErrDataIntegrity) {
		t.Fatalf("expected a data integrity error, got %v", err)
	}
	if _, err := Restore(s); err == nil {
		t.Fatal("restoring a corrupted snapshot should fail")
	}
}

func TestMerge(t *testing.T) {
	a := New(WithStartTime(at(0)), WithClock(func() time.Time { return at(10) }))
	_ = a.RecordCall(Call{Caller: fnMain, Callee: fnAdd, Elapsed: time.Millisecond, Timestamp: at(2), Args: "a"})
	_ = a.RecordCall(Call{Callee: fnMain, Elapsed: 3 * time.Millisecond, Timestamp: at(3), Dropped: true})
	a.Freeze()

	b := New(WithStartTime(at(5)), WithClock(func() time.Time { return at(20) }))
	_ = b.RecordCall(Call{Caller: fnMain, Callee: fnAdd, Elapsed: 2 * time.Millisecond, Timestamp: at(1), Args: "b-early"})
	_ = b.RecordCall(Call{Caller: fnMain, Callee: fnAdd, Elapsed: 2 * time.Millisecond, Timestamp: at(7), Args: "b"})
	_ = b.RecordCall(Call{Caller: fnAdd, Callee: fnLoop, Elapsed: time.Millisecond, Timestamp: at(8)})
	b.Freeze()

	m := a.Merge(b)
	if !m.Frozen() {
		t.Fatal("merging frozen graphs should produce a frozen graph")
	}
	if err := m.CheckEdgeSums(); err != nil {
		t.Fatal(err)
	}
	add, _ := m.Node(fnAdd.ID())
	want := Node{
		ID:            fnAdd.ID(),
		Name:          "add",
		Module:        "example.com/app",
		CallCount:     3,
		TotalTime:     5 * time.Millisecond,
		FirstSeen:     at(1),
		LastSeen:      at(7),
		LastArguments: "b",
	}
	if diff := testutil.Diff(add, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	e, _ := m.Edge(fnMain.ID(), fnAdd.ID())
	if e.CallCount != 3 || e.TotalTime != 5*time.Millisecond {
		t.Fatalf("unexpected edge %+v", e)
	}
	if _, ok := m.Node(fnLoop.ID()); !ok {
		t.Fatal("nodes only present in one graph should be kept")
	}
	meta := m.Metadata()
	if !meta.StartTime.Equal(at(0)) || !meta.EndTime.Equal(at(20)) || meta.Duration != 20*time.Millisecond {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if meta.DroppedFrames != 1 {
		t.Fatalf("expected 1 dropped frame, got %d", meta.DroppedFrames)
	}
	if len(a.Nodes()) != 2 {
		t.Fatal("merge should not change its inputs")
	}
}
