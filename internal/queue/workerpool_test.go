package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPoolDispatchesToHandler(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]bool)

	pool := New(Config{
		Size:       4,
		QueueDepth: 16,
		Handler: func(task Task) {
			mu.Lock()
			seen[task.FD] = true
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	for fd := 0; fd < 10; fd++ {
		pool.Submit(Task{FD: fd})
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 10 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d/10 tasks were dispatched", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPoolStopWaitsForWorkers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	pool := New(Config{
		Size: 1,
		Handler: func(task Task) {
			close(started)
			<-release
		},
	})

	ctx := context.Background()
	pool.Start(ctx)
	pool.Submit(Task{FD: 1})

	<-started
	close(release)
	pool.Stop() // must return once the in-flight handler finishes
}
