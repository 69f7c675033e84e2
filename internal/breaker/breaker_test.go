package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

var errUpstream = errors.New("upstream 500")

func failing(_ context.Context) error { return errUpstream }
func succeeding(_ context.Context) error { return nil }

func newTestRegistry(cfg Config) *Registry {
	return NewRegistry(cfg, zap.NewNop())
}

func TestOpensAfterThresholdAndFailsFast(t *testing.T) {
	r := newTestRegistry(Config{FailureThreshold: 3, Cooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Call(ctx, "anthropic", failing); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: expected upstream error, got %v", i+1, err)
		}
	}
	if got := r.StateOf("anthropic"); got != Open {
		t.Fatalf("expected Open after threshold, got %s", got)
	}

	// Subsequent calls are rejected without invoking fn.
	var invoked int32
	err := r.Call(ctx, "anthropic", func(context.Context) error {
		atomic.AddInt32(&invoked, 1)
		return nil
	})
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if oe.Provider != "anthropic" || oe.RetryAfter <= 0 {
		t.Errorf("unexpected OpenError fields: %+v", oe)
	}
	if atomic.LoadInt32(&invoked) != 0 {
		t.Error("wrapped fn was invoked while circuit open")
	}
}

func TestHalfOpenTrialSuccessCloses(t *testing.T) {
	r := newTestRegistry(Config{FailureThreshold: 2, Cooldown: 20 * time.Millisecond})
	ctx := context.Background()

	r.Call(ctx, "google", failing)
	r.Call(ctx, "google", failing)
	if r.StateOf("google") != Open {
		t.Fatal("expected open")
	}

	time.Sleep(30 * time.Millisecond)

	if err := r.Call(ctx, "google", succeeding); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	snap := r.SnapshotOf("google")
	if snap.State != Closed || snap.Failures != 0 {
		t.Errorf("expected closed with zero failures, got %+v", snap)
	}
}

func TestHalfOpenTrialFailureReopensWithBackoff(t *testing.T) {
	r := newTestRegistry(Config{
		FailureThreshold: 1,
		Cooldown:         20 * time.Millisecond,
		BackoffFactor:    2,
		MaxCooldown:      time.Minute,
	})
	ctx := context.Background()

	r.Call(ctx, "openai", failing)
	if r.StateOf("openai") != Open {
		t.Fatal("expected open")
	}

	time.Sleep(30 * time.Millisecond)

	if err := r.Call(ctx, "openai", failing); !errors.Is(err, errUpstream) {
		t.Fatalf("expected trial to run and fail, got %v", err)
	}

	snap := r.SnapshotOf("openai")
	if snap.State != Open {
		t.Fatalf("expected reopened, got %s", snap.State)
	}
	// Cooldown doubled: next attempt is at least ~40ms out.
	if until := time.Until(snap.NextAttemptAt); until < 25*time.Millisecond {
		t.Errorf("expected grown cooldown, next attempt only %s away", until)
	}
}

func TestHalfOpenAllowsExactlyOneTrial(t *testing.T) {
	r := newTestRegistry(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})
	ctx := context.Background()

	r.Call(ctx, "anthropic", failing)
	time.Sleep(20 * time.Millisecond)

	var invoked int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	rejections := int32(0)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Call(ctx, "anthropic", func(context.Context) error {
				atomic.AddInt32(&invoked, 1)
				<-release
				return nil
			})
			var oe *OpenError
			if errors.As(err, &oe) {
				atomic.AddInt32(&rejections, 1)
			}
		}()
	}

	// Let every goroutine hit the breaker, then release the trial.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&invoked); n != 1 {
		t.Errorf("expected exactly 1 trial invocation, got %d", n)
	}
	if n := atomic.LoadInt32(&rejections); n != 9 {
		t.Errorf("expected 9 rejections, got %d", n)
	}
	if r.StateOf("anthropic") != Closed {
		t.Error("expected closed after successful trial")
	}
}

func TestProvidersAreIsolated(t *testing.T) {
	r := newTestRegistry(Config{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	r.Call(ctx, "anthropic", failing)
	if r.StateOf("anthropic") != Open {
		t.Fatal("expected anthropic open")
	}
	if err := r.Call(ctx, "google", succeeding); err != nil {
		t.Errorf("google should be unaffected: %v", err)
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	r := newTestRegistry(Config{FailureThreshold: 3, Cooldown: time.Minute})
	ctx := context.Background()

	r.Call(ctx, "anthropic", failing)
	r.Call(ctx, "anthropic", failing)
	r.Call(ctx, "anthropic", succeeding)
	r.Call(ctx, "anthropic", failing)
	r.Call(ctx, "anthropic", failing)

	if got := r.StateOf("anthropic"); got != Closed {
		t.Errorf("non-consecutive failures should not open circuit, got %s", got)
	}
}

func TestTransitionsNotifyObserver(t *testing.T) {
	r := newTestRegistry(Config{FailureThreshold: 2, Cooldown: 20 * time.Millisecond})
	ctx := context.Background()

	type transition struct {
		provider string
		from, to State
		failures int
	}
	var mu sync.Mutex
	var seen []transition
	r.OnTransition(func(provider string, from, to State, failures int) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, transition{provider, from, to, failures})
	})

	r.Call(ctx, "anthropic", failing)
	r.Call(ctx, "anthropic", failing)
	time.Sleep(30 * time.Millisecond)
	r.Call(ctx, "anthropic", succeeding)

	want := []transition{
		{"anthropic", Closed, Open, 2},
		{"anthropic", Open, HalfOpen, 2},
		{"anthropic", HalfOpen, Closed, 0},
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), seen)
	}
	for i, w := range want {
		if seen[i] != w {
			t.Errorf("transition %d = %+v, want %+v", i, seen[i], w)
		}
	}
}

func TestInFlightFailureWhileOpenNotCounted(t *testing.T) {
	r := newTestRegistry(Config{FailureThreshold: 2, Cooldown: time.Minute})
	ctx := context.Background()

	// A slow call enters while the circuit is closed, then fails after two
	// other failures have already tripped it.
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Call(ctx, "anthropic", func(context.Context) error {
			close(entered)
			<-release
			return errUpstream
		})
	}()
	<-entered

	r.Call(ctx, "anthropic", failing)
	r.Call(ctx, "anthropic", failing)
	if r.StateOf("anthropic") != Open {
		t.Fatal("expected open")
	}

	close(release)
	<-done

	snap := r.SnapshotOf("anthropic")
	if snap.State != Open {
		t.Errorf("state = %s", snap.State)
	}
	if snap.Failures != 2 {
		t.Errorf("failure count inflated past threshold: %d", snap.Failures)
	}
}

func TestSnapshotListsAllProviders(t *testing.T) {
	r := newTestRegistry(Config{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	r.Call(ctx, "anthropic", failing)
	r.Call(ctx, "google", succeeding)

	snaps := r.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	byProvider := map[string]Snapshot{}
	for _, s := range snaps {
		byProvider[s.Provider] = s
	}
	if byProvider["anthropic"].State != Open {
		t.Error("anthropic should be open")
	}
	if byProvider["google"].State != Closed {
		t.Error("google should be closed")
	}
	if byProvider["anthropic"].NextAttemptAt.IsZero() {
		t.Error("open breaker should report next attempt time")
	}
}
