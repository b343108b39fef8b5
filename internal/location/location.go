// Package location defines the boundary to the platform's position-fix
// provider. The daemon never talks to GPS hardware itself; it consumes fixes
// from whatever implementation the host wires in.
package location

import (
	"context"
	"errors"
	"time"
)

var ErrNoFix = errors.New("no location fix available")

// Priority hints how much power the provider may spend on a fresh fix.
type Priority int

const (
	PriorityBalanced Priority = iota
	PriorityHighAccuracy
)

// Fix is a single resolved device position.
type Fix struct {
	Lat      float64
	Lon      float64
	Accuracy float64 // meters, 0 when unknown
	At       time.Time
}

// Provider supplies position fixes.
//
// LastKnown must return quickly (cached value or nothing). Request may block
// on hardware; callers bound it with a context deadline.
type Provider interface {
	LastKnown(ctx context.Context) (Fix, bool)
	Request(ctx context.Context, p Priority) (Fix, error)
}

// Resolve fetches a fix best-effort: the last known fix if one exists,
// otherwise a fresh balanced-power request bounded by timeout. It never
// blocks past the timeout; any failure maps to ErrNoFix so callers have a
// single conservative fallback path.
func Resolve(ctx context.Context, p Provider, timeout time.Duration) (Fix, error) {
	if p == nil {
		return Fix{}, ErrNoFix
	}
	if fix, ok := p.LastKnown(ctx); ok {
		return fix, nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	fix, err := p.Request(rctx, PriorityBalanced)
	if err != nil {
		return Fix{}, ErrNoFix
	}
	return fix, nil
}
