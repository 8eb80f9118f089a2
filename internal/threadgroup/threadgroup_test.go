package threadgroup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestThreadgroup(t *testing.T) {
	tg := New()

	for i := 0; i < 10; i++ {
		done, err := tg.Add()
		if err != nil {
			t.Fatal(err)
		}
		time.AfterFunc(100*time.Millisecond, done)
	}
	start := time.Now()
	tg.Stop()
	if time.Since(start) < 100*time.Millisecond {
		t.Fatal("expected stop to wait for all threads to complete")
	}

	if _, err := tg.Add(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	} else if err := tg.Go(context.Background(), func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDoneIdempotent(t *testing.T) {
	tg := New()
	done, err := tg.Add()
	if err != nil {
		t.Fatal(err)
	}
	done()
	done() // a second call must not panic the wait group
	tg.Stop()
}

func TestThreadgroupContext(t *testing.T) {
	tg := New()

	t.Run("context cancel", func(t *testing.T) {
		ctx, cancel, err := tg.AddContext(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		defer cancel()

		time.AfterFunc(100*time.Millisecond, cancel)

		select {
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.Canceled) {
				t.Fatalf("expected Canceled, got %v", ctx.Err())
			}
		case <-time.After(time.Second):
			t.Fatal("expected context to be cancelled")
		}
	})

	t.Run("parent cancel", func(t *testing.T) {
		parentCtx, parentCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer parentCancel()

		ctx, cancel, err := tg.AddContext(parentCtx)
		if err != nil {
			t.Fatal(err)
		}
		defer cancel()

		select {
		case <-ctx.Done():
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				t.Fatalf("expected DeadlineExceeded, got %v", ctx.Err())
			}
		case <-time.After(time.Second):
			t.Fatal("expected context to be cancelled")
		}
	})

	t.Run("stop", func(t *testing.T) {
		var finished atomic.Int32
		for i := 0; i < 10; i++ {
			err := tg.Go(context.Background(), func(ctx context.Context) {
				<-ctx.Done()
				time.Sleep(50 * time.Millisecond)
				finished.Add(1)
			})
			if err != nil {
				t.Fatal(err)
			}
		}

		tg.Stop()
		if n := finished.Load(); n != 10 {
			t.Fatalf("expected stop to wait for all threads, %d finished", n)
		}
	})
}

func TestStopContext(t *testing.T) {
	tg := New()
	release := make(chan struct{})
	if err := tg.Go(context.Background(), func(context.Context) { <-release }); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tg.StopContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	close(release)
	if err := tg.StopContext(context.Background()); err != nil {
		t.Fatal(err)
	}
}
