package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/calltrace/internal/asynctrace"
	"github.com/getsentry/calltrace/internal/frame"
	"github.com/getsentry/calltrace/internal/session"
)

var errRisky = errors.New("risky always fails")

type workload func(ctx context.Context, c *session.Coordinator) error

var workloads = map[string]workload{
	"countdown": func(_ context.Context, c *session.Coordinator) error {
		countdown(c, 3)
		return nil
	},
	"fanout": func(_ context.Context, c *session.Coordinator) error {
		fanOut(c)
		return nil
	},
	"risky": func(_ context.Context, c *session.Coordinator) error {
		if err := callRisky(c); !errors.Is(err, errRisky) {
			return fmt.Errorf("expected the risky call to fail, got %v", err)
		}
		return nil
	},
	"gather": func(ctx context.Context, c *session.Coordinator) error {
		return gather(ctx, c, 5, 50*time.Millisecond)
	},
}

func countdown(c *session.Coordinator, n int) {
	defer c.Trace(n)()
	if n > 0 {
		countdown(c, n-1)
	}
}

func add(c *session.Coordinator, a, b int) int {
	defer c.Trace(a, b)()
	return a + b
}

func fanOut(c *session.Coordinator) int {
	defer c.Trace()()
	return add(c, 1, 2) + add(c, 3, 4) + add(c, 5, 6)
}

func risky(c *session.Coordinator) {
	defer c.Trace()()
	panic(errRisky)
}

func callRisky(c *session.Coordinator) (err error) {
	defer c.Trace()()
	defer func() {
		if r := recover(); r != nil {
			err = r.(error)
		}
	}()
	risky(c)
	return nil
}

func gather(ctx context.Context, c *session.Coordinator, tasks int, sleep time.Duration) error {
	defer c.Trace(tasks)()
	fetch := c.WrapTask(frame.Frame{Module: "main", Function: "fetch"}, func(ctx context.Context, t *asynctrace.Task) error {
		return t.Sleep(ctx, sleep)
	})
	fns := make([]func(context.Context) error, tasks)
	for i := range fns {
		fns[i] = fetch
	}
	return c.GatherTraced(ctx, fns...)
}
