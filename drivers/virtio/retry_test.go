package virtio

import (
	"context"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		policy  BackoffRetry
		attempt int
		want    time.Duration
	}{
		{BackoffRetry{Initial: time.Millisecond, Max: 20 * time.Millisecond}, 0, time.Millisecond},
		{BackoffRetry{Initial: time.Millisecond, Max: 20 * time.Millisecond}, 1, 2 * time.Millisecond},
		{BackoffRetry{Initial: time.Millisecond, Max: 20 * time.Millisecond}, 4, 16 * time.Millisecond},
		{BackoffRetry{Initial: time.Millisecond, Max: 20 * time.Millisecond}, 5, 20 * time.Millisecond},
		{BackoffRetry{Initial: time.Millisecond, Max: 20 * time.Millisecond}, 100, 20 * time.Millisecond},
		{BackoffRetry{Initial: time.Second, Max: 5 * time.Millisecond}, 0, 5 * time.Millisecond},
		{BackoffRetry{Max: 5 * time.Millisecond}, 3, 5 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := tt.policy.delay(tt.attempt); got != tt.want {
			t.Errorf("%+v delay(%d) = %s, want %s", tt.policy, tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffWaits(t *testing.T) {
	b := BackoffRetry{Initial: 2 * time.Millisecond, Max: 2 * time.Millisecond}

	start := time.Now()
	if err := b.Wait(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 2*time.Millisecond {
		t.Fatalf("returned after %s", elapsed)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, p := range []RetryPolicy{SpinRetry{}, BackoffRetry{Initial: time.Hour, Max: time.Hour}} {
		if err := p.Wait(ctx, 0); err != context.Canceled {
			t.Fatalf("%T: %v", p, err)
		}
	}
}

func TestFormatNameUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := uint32(0); i < 26*27+26; i++ {
		name := FormatName(i)
		if seen[name] {
			t.Fatalf("duplicate name %s at %d", name, i)
		}
		seen[name] = true
	}
}
