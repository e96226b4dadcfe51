package httpclient

import (
	"context"
	"time"
)

// Clock abstracts time for deterministic tests. The real clock sleeps on
// the wall; test clocks advance instantly and record requested waits.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// realClock is the production Clock backed by the time package.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewRealClock returns a Clock backed by the system clock.
func NewRealClock() Clock { return realClock{} }
