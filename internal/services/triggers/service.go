// Package triggers owns the per-event trigger lifecycle: durable start and
// end timers, the location check at event start, geofence fallback, revert
// at event end and self-perpetuating recurrence.
package triggers

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"silentmate/internal/eventbus"
	"silentmate/internal/geofence"
	"silentmate/internal/location"
	"silentmate/internal/services/audio"
	"silentmate/internal/services/notify"
	"silentmate/internal/storage"
	logx "silentmate/pkg/logx"
)

// Notifier is the slice of the notify pipeline the scheduler needs.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

type task struct {
	key     string
	kind    string
	eventID int64
	run     func(ctx context.Context) error
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config
	loc *time.Location

	store    storage.Store
	provider location.Provider
	fences   *geofence.Service
	gw       *audio.Gateway
	ntf      Notifier

	parser cron.Parser
	c      *cron.Cron

	queue  chan task
	stopCh chan struct{}

	// one-shot trigger timers, keyed by trigger key
	tmu     sync.Mutex
	timers  map[string]*time.Timer
	vers    map[string]uint64
	pending map[string]storage.Trigger

	lastResync time.Time
	fired      atomic.Int64
	failed     atomic.Int64
}

func New(cfg Config, store storage.Store, provider location.Provider, fences *geofence.Service, gw *audio.Gateway, ntf Notifier, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		store:    store,
		provider: provider,
		fences:   fences,
		gw:       gw,
		ntf:      ntf,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timers:   map[string]*time.Timer{},
		vers:     map[string]uint64{},
		pending:  map[string]storage.Trigger{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// EventAudio reports the global event-audio switch.
func (s *Service) EventAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.EventAudio
}

// SetEventAudio flips the global switch at runtime. Bookkeeping (flags,
// geofences, recurrence chains) continues either way.
func (s *Service) SetEventAudio(enabled bool) {
	s.mu.Lock()
	s.cfg.EventAudio = enabled
	s.mu.Unlock()
	s.log.Info("event audio switching", logx.Bool("enabled", enabled))
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	oldSpec := s.cfg.ResyncSpec
	s.cfg = cfg.withDefaults()

	if s.stopCh == nil {
		return
	}
	if oldTZ != strings.TrimSpace(cfg.Timezone) || oldSpec != s.cfg.ResyncSpec {
		s.restartCronLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.queue = make(chan task, 256)
	s.loc = s.loadLocationLocked()
	workers := s.cfg.Workers
	s.startCronLocked()
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		go s.worker(ctx, i)
	}

	s.rebuildTriggers()
	s.log.Info("trigger scheduler started",
		logx.Int("workers", workers),
		logx.String("tz", s.loc.String()))
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
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	s.mu.Unlock()

	// Stop runtime timers; persisted definitions survive for the next start.
	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	s.log.Info("trigger scheduler stopped")
}

func (s *Service) startCronLocked() {
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	spec := s.cfg.ResyncSpec
	if !strings.EqualFold(spec, "off") {
		_, err := s.c.AddFunc(spec, func() {
			s.enqueue(task{key: "resync", kind: "resync", run: s.runResync})
		})
		if err != nil {
			s.log.Error("resync schedule invalid", logx.String("spec", spec), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) restartCronLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.startCronLocked()
	s.log.Info("trigger cron restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		return time.Local
	}
	return s.loc
}

func (s *Service) enqueue(t task) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Warn("trigger dropped (scheduler not started)", logx.String("key", t.key))
		return
	}
	select {
	case q <- t:
	default:
		s.log.Warn("trigger queue full, dropping", logx.String("key", t.key))
	}
}

func (s *Service) worker(ctx context.Context, idx int) {
	_ = idx
	s.mu.Lock()
	stopCh := s.stopCh
	q := s.queue
	s.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-q:
			s.execOne(ctx, t)
		}
	}
}

// execOne runs a trigger handler with panic containment and a bounded retry.
// A handler error after retries is terminal for this invocation.
func (s *Service) execOne(ctx context.Context, t task) {
	s.mu.Lock()
	retryMax := s.cfg.RetryMax
	s.mu.Unlock()

	run := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in trigger handler: %v", r)
				s.log.Error("trigger handler panicked",
					logx.String("key", t.key),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		return t.run(ctx)
	}

	var err error
	for attempt := 0; attempt <= retryMax; attempt++ {
		if attempt > 0 {
			time.Sleep(500 * time.Millisecond)
		}
		if err = run(); err == nil {
			break
		}
	}

	now := time.Now()
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("trigger failed", logx.String("key", t.key), logx.String("kind", t.kind), logx.Err(err))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerFailed, Time: now,
				Data: TriggerEvent{Key: t.key, EventID: t.eventID, Kind: t.kind, At: now, Error: err.Error()}})
		}
		return
	}
	s.fired.Add(1)
	s.log.Debug("trigger handled", logx.String("key", t.key), logx.String("kind", t.kind))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerFired, Time: now,
			Data: TriggerEvent{Key: t.key, EventID: t.eventID, Kind: t.kind, At: now}})
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	eventAudio := s.cfg.EventAudio
	lastResync := s.lastResync
	s.mu.Unlock()

	s.tmu.Lock()
	armed := make([]ArmedTrigger, 0, len(s.pending))
	for _, tr := range s.pending {
		armed = append(armed, ArmedTrigger{Key: tr.Key, EventID: tr.EventID, Kind: tr.Kind, DueAt: tr.DueAt, EndAt: tr.EndAt})
	}
	s.tmu.Unlock()
	sort.Slice(armed, func(i, j int) bool { return armed[i].DueAt.Before(armed[j].DueAt) })

	return Snapshot{
		Enabled:    enabled,
		EventAudio: eventAudio,
		Armed:      armed,
		LastResync: lastResync,
		Fired:      s.fired.Load(),
		Failed:     s.failed.Load(),
	}
}
