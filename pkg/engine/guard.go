package engine

import (
	"context"
	"time"
)

// PendingGuardFunc adapts a function to PendingGuard.
type PendingGuardFunc func(ctx context.Context, p *TransferProcess) bool

// Hold calls f.
func (f PendingGuardFunc) Hold(ctx context.Context, p *TransferProcess) bool {
	return f(ctx, p)
}

// HoldAlways keeps pending processes excluded until a command clears the flag.
func HoldAlways() PendingGuard {
	return PendingGuardFunc(func(context.Context, *TransferProcess) bool { return true })
}

// HoldFor keeps a pending process excluded for timeout after its last update.
func HoldFor(timeout time.Duration, clock Clock) PendingGuard {
	if clock == nil {
		clock = systemClock{}
	}
	return PendingGuardFunc(func(_ context.Context, p *TransferProcess) bool {
		return clock.Now().Sub(p.UpdatedAt) < timeout
	})
}

// AnyGuard holds a process when any of the guards holds it.
func AnyGuard(guards ...PendingGuard) PendingGuard {
	return PendingGuardFunc(func(ctx context.Context, p *TransferProcess) bool {
		for _, g := range guards {
			if g != nil && g.Hold(ctx, p) {
				return true
			}
		}
		return false
	})
}
