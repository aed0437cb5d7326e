package utils

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestFollowResubscribesAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscribes := 0
	subscribe := func(context.Context) (<-chan int, error) {
		subscribes++
		ch := make(chan int, 1)
		if subscribes == 1 {
			ch <- 1
			close(ch)
			return ch, nil
		}
		if subscribes == 2 {
			return nil, errors.New("listen failed")
		}
		ch <- 3
		return ch, nil
	}

	var got []int
	err := Follow(ctx, quiet, NewExponentialBackoff(time.Millisecond, 3), subscribe, func(n int) {
		got = append(got, n)
		if n == 3 {
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("Follow() = %v, want nil after cancel", err)
	}
	if subscribes != 3 || len(got) != 2 || got[1] != 3 {
		t.Errorf("subscribes = %d, items = %v", subscribes, got)
	}
}

func TestFollowGivesUp(t *testing.T) {
	boom := errors.New("listen failed")
	calls := 0
	err := Follow(context.Background(), quiet, NewExponentialBackoff(time.Millisecond, 2),
		func(context.Context) (<-chan int, error) {
			calls++
			return nil, boom
		},
		func(int) {})
	if !errors.Is(err, boom) {
		t.Fatalf("Follow() = %v, want wrapped listen error", err)
	}
	if calls != 3 {
		t.Errorf("subscribe called %d times, want 1 + 2 retries", calls)
	}
}

func TestFollowItemResetsBackoff(t *testing.T) {
	b := NewExponentialBackoff(time.Millisecond, 1)
	calls := 0
	err := Follow(context.Background(), quiet, b,
		func(context.Context) (<-chan int, error) {
			calls++
			ch := make(chan int, 1)
			if calls <= 3 {
				ch <- calls
			}
			close(ch)
			return ch, nil
		},
		func(int) {})
	if err == nil {
		t.Fatal("Follow() should give up once subscriptions stop producing")
	}
	// three productive subscriptions, then an empty one spends the single retry
	if calls != 4 {
		t.Errorf("subscribe called %d times, want 4", calls)
	}
}
