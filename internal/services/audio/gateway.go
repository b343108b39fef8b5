// Package audio is the single choke point for ringer-profile changes.
// Both the event triggers and the position classifier go through the
// gateway, which serializes actuation and enforces the do-not-disturb
// access downgrade.
package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"silentmate/internal/eventbus"
	"silentmate/internal/model"
	logx "silentmate/pkg/logx"
)

var ErrNoRinger = errors.New("no ringer backend configured")

// Ringer is the platform ringer control.
type Ringer interface {
	Mode(ctx context.Context) (model.RingerMode, error)
	SetMode(ctx context.Context, mode model.RingerMode) error
	// DNDAccessGranted reports whether the process may switch to SILENT.
	// Platforms gate silent mode behind a notification-policy permission.
	DNDAccessGranted(ctx context.Context) bool
}

// Origin tags who asked for the change.
type Origin string

const (
	OriginEvent  Origin = "event"
	OriginSensor Origin = "sensor"
	OriginManual Origin = "manual"
)

// Change is one requested ringer transition.
type Change struct {
	Mode   model.RingerMode
	Origin Origin
	Reason string
}

// ChangeEvent is the bus payload published after a successful transition.
type ChangeEvent struct {
	From       model.RingerMode `json:"from"`
	To         model.RingerMode `json:"to"`
	Requested  model.RingerMode `json:"requested"`
	Downgraded bool             `json:"downgraded"`
	Origin     Origin           `json:"origin"`
	Reason     string           `json:"reason,omitempty"`
	At         time.Time        `json:"at"`
}

// Snapshot is the gateway state for the status endpoint.
type Snapshot struct {
	Mode       model.RingerMode `json:"mode"`
	LastOrigin Origin           `json:"last_origin,omitempty"`
	LastReason string           `json:"last_reason,omitempty"`
	LastChange time.Time        `json:"last_change,omitzero"`
	Changes    int64            `json:"changes"`
}

type Gateway struct {
	mu     sync.Mutex
	ringer Ringer
	log    logx.Logger
	bus    eventbus.Bus

	last    Snapshot
	haveLast bool
}

func NewGateway(r Ringer, log logx.Logger, bus eventbus.Bus) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{ringer: r, log: log, bus: bus}
}

// Apply transitions the ringer to ch.Mode and returns the mode actually set.
//
// SILENT without do-not-disturb access is downgraded to VIBRATE rather than
// failed; the caller still gets a nil error and the applied mode. A request
// matching the current mode is a no-op.
func (g *Gateway) Apply(ctx context.Context, ch Change) (model.RingerMode, error) {
	if g.ringer == nil {
		return "", ErrNoRinger
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	requested := ch.Mode
	target := requested
	downgraded := false
	if target == model.RingerSilent && !g.ringer.DNDAccessGranted(ctx) {
		target = model.RingerVibrate
		downgraded = true
		g.log.Warn("silent mode unavailable without dnd access; using vibrate",
			logx.String("origin", string(ch.Origin)),
			logx.String("reason", ch.Reason))
	}

	current, err := g.ringer.Mode(ctx)
	if err != nil {
		return "", err
	}
	if current == target {
		g.log.Debug("ringer already in target mode",
			logx.String("mode", string(target)),
			logx.String("origin", string(ch.Origin)))
		return target, nil
	}

	if err := g.ringer.SetMode(ctx, target); err != nil {
		g.log.Error("ringer change failed",
			logx.String("from", string(current)),
			logx.String("to", string(target)),
			logx.String("origin", string(ch.Origin)),
			logx.Err(err))
		return "", err
	}

	now := time.Now()
	g.last = Snapshot{
		Mode:       target,
		LastOrigin: ch.Origin,
		LastReason: ch.Reason,
		LastChange: now,
		Changes:    g.last.Changes + 1,
	}
	g.haveLast = true

	g.log.Info("ringer changed",
		logx.String("from", string(current)),
		logx.String("to", string(target)),
		logx.Bool("downgraded", downgraded),
		logx.String("origin", string(ch.Origin)),
		logx.String("reason", ch.Reason))

	if g.bus != nil {
		g.bus.Publish(eventbus.Event{
			Type: eventbus.TypeRingerChanged,
			Time: now,
			Data: ChangeEvent{
				From:       current,
				To:         target,
				Requested:  requested,
				Downgraded: downgraded,
				Origin:     ch.Origin,
				Reason:     ch.Reason,
				At:         now,
			},
		})
	}
	return target, nil
}

// Current returns the live ringer mode.
func (g *Gateway) Current(ctx context.Context) (model.RingerMode, error) {
	if g.ringer == nil {
		return "", ErrNoRinger
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ringer.Mode(ctx)
}

func (g *Gateway) Snapshot(ctx context.Context) Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.last
	if !g.haveLast && g.ringer != nil {
		if m, err := g.ringer.Mode(ctx); err == nil {
			out.Mode = m
		}
	}
	return out
}
