package virtio

import (
	"context"
	"math"
	"runtime"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// RetryPolicy decides how the driver thread waits when the hardware queue
// has no room for a request. Wait is called after each failed attempt,
// counting from zero, without the hardware lock held.
type RetryPolicy interface {
	Wait(ctx context.Context, attempt int) error
}

// SpinRetry retries immediately, only yielding the processor. It keeps
// submission latency minimal while the device drains.
type SpinRetry struct{}

func (SpinRetry) Wait(ctx context.Context, _ int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.Gosched()
	return nil
}

// BackoffRetry sleeps Initial, doubling per attempt up to Max.
type BackoffRetry struct {
	Initial time.Duration
	Max     time.Duration
}

func (b BackoffRetry) backoff() wait.Backoff {
	initial := b.Initial
	if initial <= 0 || initial > b.Max {
		initial = b.Max
	}
	return wait.Backoff{Duration: initial, Factor: 2, Cap: b.Max, Steps: math.MaxInt32}
}

func (b BackoffRetry) delay(attempt int) time.Duration {
	if b.Max <= 0 {
		return 0
	}

	bo := b.backoff()
	d := bo.Step()
	for i := 0; i < attempt; i++ {
		// Steps drops to zero once the cap is reached; Step then keeps
		// returning the cap.
		if bo.Steps == 0 {
			return bo.Step()
		}
		d = bo.Step()
	}
	return d
}

func (b BackoffRetry) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.delay(attempt))
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
