// Package geofence watches registered circular regions and fires a one-shot
// callback when the device enters one.
package geofence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"silentmate/internal/eventbus"
	"silentmate/internal/geo"
	"silentmate/internal/location"
	logx "silentmate/pkg/logx"
)

var (
	ErrNoProvider = errors.New("no location provider configured")
	ErrExpired    = errors.New("registration already expired")
)

// DefaultRadiusMeters matches the fixed event-arrival fence size.
const DefaultRadiusMeters = 100.0

type Config struct {
	// PollInterval bounds how often registered regions are checked against a
	// fresh fix. Default 30s.
	PollInterval time.Duration
	// FixTimeout bounds each per-sweep fix request. Default 10s.
	FixTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.FixTimeout <= 0 {
		c.FixTimeout = 10 * time.Second
	}
	return c
}

// Registration is a circular enter-watch keyed by event id.
// At most one registration is active per id; re-registering replaces.
type Registration struct {
	ID           int64     `json:"id"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	RadiusMeters float64   `json:"radius_m"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// EnterFunc is invoked once when a registered region is entered. The
// registration is removed before the callback runs, so a re-entry never
// double-fires.
type EnterFunc func(ctx context.Context, id int64)

type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	provider location.Provider
	cfg      Config

	regs    map[int64]Registration
	handler EnterFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, provider location.Provider, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		bus:      bus,
		provider: provider,
		cfg:      cfg.withDefaults(),
		regs:     map[int64]Registration{},
	}
}

// SetHandler installs the enter callback. Must be called before Start.
func (s *Service) SetHandler(fn EnterFunc) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// Register arms (or replaces) the enter-watch for the given id.
// Failures are terminal: the caller logs and moves on, there is no retry.
func (s *Service) Register(r Registration) error {
	if s.provider == nil {
		return ErrNoProvider
	}
	now := time.Now()
	if !r.ExpiresAt.After(now) {
		return ErrExpired
	}
	if r.RadiusMeters <= 0 {
		r.RadiusMeters = DefaultRadiusMeters
	}
	s.mu.Lock()
	_, replaced := s.regs[r.ID]
	s.regs[r.ID] = r
	s.mu.Unlock()

	s.log.Debug("geofence registered",
		logx.Int64("id", r.ID),
		logx.Float64("radius_m", r.RadiusMeters),
		logx.Time("expires", r.ExpiresAt),
		logx.Bool("replaced", replaced))
	return nil
}

// Unregister drops the watch for id. Unknown ids are a no-op.
func (s *Service) Unregister(id int64) {
	s.mu.Lock()
	_, ok := s.regs[id]
	delete(s.regs, id)
	s.mu.Unlock()
	if ok {
		s.log.Debug("geofence unregistered", logx.Int64("id", id))
	}
}

// Snapshot returns the active registrations sorted by id.
func (s *Service) Snapshot() []Registration {
	s.mu.Lock()
	out := make([]Registration, 0, len(s.regs))
	for _, r := range s.regs {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.cfg.PollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-t.C:
				s.sweep(ctx, time.Now())
			}
		}
	}()
	s.log.Info("geofence watcher started", logx.Duration("poll", s.cfg.PollInterval))
}

func (s *Service) Stop(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("geofence watcher stopped")
}

// sweep expires stale registrations and checks the rest against one fix.
func (s *Service) sweep(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var expired []int64
	active := make([]Registration, 0, len(s.regs))
	for id, r := range s.regs {
		if !r.ExpiresAt.After(now) {
			expired = append(expired, id)
			continue
		}
		active = append(active, r)
	}
	for _, id := range expired {
		delete(s.regs, id)
	}
	handler := s.handler
	s.mu.Unlock()

	for _, id := range expired {
		s.log.Debug("geofence expired", logx.Int64("id", id))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeGeofenceExpired, Data: id})
		}
	}
	if len(active) == 0 {
		return
	}

	fix, err := location.Resolve(ctx, s.provider, s.cfg.FixTimeout)
	if err != nil {
		// No fix this round; the next sweep tries again.
		s.log.Debug("geofence sweep without fix", logx.Err(err))
		return
	}

	for _, r := range active {
		if !geo.WithinRadius(fix.Lat, fix.Lon, r.Lat, r.Lon, r.RadiusMeters) {
			continue
		}
		// One-shot: drop the registration before dispatching so a racing
		// sweep can't fire it twice.
		s.mu.Lock()
		_, still := s.regs[r.ID]
		delete(s.regs, r.ID)
		s.mu.Unlock()
		if !still {
			continue
		}
		s.log.Info("geofence entered", logx.Int64("id", r.ID))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeGeofenceEntered, Data: r.ID})
		}
		if handler != nil {
			id := r.ID
			go handler(ctx, id)
		}
	}
}
