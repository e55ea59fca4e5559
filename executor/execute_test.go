package executor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRun(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	got, err := Run(context.Background(), p, func(context.Context) (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Errorf("Run() = %d, %v; want 42, nil", got, err)
	}

	wantErr := errors.New("boom")
	if _, err := Run(context.Background(), p, func(context.Context) (int, error) { return 0, wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("Run() error = %v, want %v", err, wantErr)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	_, err := Run(context.Background(), p, func(context.Context) (string, error) { panic("bad job") })
	if err == nil || !strings.Contains(err.Error(), "bad job") {
		t.Errorf("Run() error = %v, want panic error", err)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const workers = 3
	p := NewPool(workers)
	defer p.Close()

	var running, peak atomic.Int32
	results := make([]<-chan Result[struct{}], 0, 12)
	for i := 0; i < 12; i++ {
		results = append(results, Submit(context.Background(), p, func(context.Context) (struct{}, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return struct{}{}, nil
		}))
	}
	for _, r := range results {
		if res := <-r; res.Err != nil {
			t.Fatalf("job error = %v", res.Err)
		}
	}
	if peak.Load() > workers {
		t.Errorf("peak concurrency = %d, want <= %d", peak.Load(), workers)
	}
}

func TestSubmitCancelledWhileQueued(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	first := Submit(context.Background(), p, func(context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	second := Submit(ctx, p, func(context.Context) (int, error) {
		ran.Store(true)
		return 2, nil
	})
	cancel()

	if res := <-second; !errors.Is(res.Err, context.Canceled) {
		t.Errorf("queued job error = %v, want context.Canceled", res.Err)
	}
	close(release)
	if res := <-first; res.Value != 1 {
		t.Errorf("first job = %d, want 1", res.Value)
	}
	if ran.Load() {
		t.Error("cancelled job ran")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	p := NewPool(1)
	p.Close()

	res := <-Submit(context.Background(), p, func(context.Context) (int, error) { return 1, nil })
	if !errors.Is(res.Err, ErrClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrClosed", res.Err)
	}
}
