package callgraph

import "time"

type (
	TaskStats struct {
		FunctionID  string
		Active      time.Duration
		Await       time.Duration
		Wall        time.Duration
		Suspensions int
		Completed   bool
		Cancelled   bool
	}

	// AsyncStats is derived from the timeline alone.
	AsyncStats struct {
		TotalAwaitTime     time.Duration
		ActiveTime         time.Duration
		WallTime           time.Duration
		Efficiency         float64
		MaxConcurrentTasks int
		Tasks              map[uint64]TaskStats
	}
)

func (g *AsyncGraph) Stats() AsyncStats {
	return ComputeStats(g.Timeline())
}

// ComputeStats walks a timeline once. Tasks that have not ended only count
// the intervals that are closed.
func ComputeStats(timeline []TimelineEvent) AsyncStats {
	stats := AsyncStats{Tasks: make(map[uint64]TaskStats)}
	last := make(map[uint64]time.Time)
	started := make(map[uint64]time.Time)
	concurrent := 0

	for _, ev := range timeline {
		ts := stats.Tasks[ev.TaskID]
		ts.FunctionID = ev.FunctionID
		switch ev.Kind {
		case EventStart:
			started[ev.TaskID] = ev.Timestamp
			concurrent++
			if concurrent > stats.MaxConcurrentTasks {
				stats.MaxConcurrentTasks = concurrent
			}
		case EventSuspend:
			ts.Active += ev.Timestamp.Sub(last[ev.TaskID])
			ts.Suspensions++
		case EventResume:
			ts.Await += ev.Timestamp.Sub(last[ev.TaskID])
		case EventEnd:
			ts.Active += ev.Timestamp.Sub(last[ev.TaskID])
			ts.Wall = ev.Timestamp.Sub(started[ev.TaskID])
			ts.Completed = true
			ts.Cancelled = ev.Cancelled
			concurrent--
		}
		last[ev.TaskID] = ev.Timestamp
		stats.Tasks[ev.TaskID] = ts
	}

	var completedActive time.Duration
	for _, ts := range stats.Tasks {
		stats.ActiveTime += ts.Active
		stats.TotalAwaitTime += ts.Await
		if ts.Completed {
			stats.WallTime += ts.Wall
			completedActive += ts.Active
		}
	}
	if stats.WallTime > 0 {
		stats.Efficiency = float64(completedActive) / float64(stats.WallTime)
	}
	return stats
}

func (s TaskStats) Efficiency() float64 {
	if s.Wall <= 0 {
		return 0
	}
	return float64(s.Active) / float64(s.Wall)
}
