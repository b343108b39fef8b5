// Package sensors runs the device-position classifier: a bounded-rate loop
// over raw accelerometer/gyroscope/proximity samples that maps physical
// context to an audio profile and actuates it on transitions.
package sensors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"silentmate/internal/eventbus"
	"silentmate/internal/model"
	"silentmate/internal/services/audio"
	"silentmate/internal/services/notify"
	logx "silentmate/pkg/logx"
)

// Notifier is the slice of the notify pipeline the classifier needs.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Callback fires on every position transition, after actuation is dispatched.
type Callback func(pos model.DevicePosition, profile model.AudioProfile)

type Config struct {
	// Enabled is the global sensor-switching flag. Detection still runs when
	// false; only the gateway call is suppressed.
	Enabled bool

	// Features gates detection per position. Missing entries mean enabled.
	Features model.FeatureEnableSet

	PerformanceMode bool

	// NormalInterval is the minimum gap between classifications outside
	// performance mode. Default 250ms.
	NormalInterval time.Duration
	// PerformanceInterval is the throttled gap in performance mode.
	// Default 5s; doubled once the position has been stable for StableAfter.
	PerformanceInterval time.Duration
	// StableAfter is the stability span before the extra throttle kicks in.
	// Default 30s.
	StableAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.NormalInterval <= 0 {
		c.NormalInterval = 250 * time.Millisecond
	}
	if c.PerformanceInterval <= 0 {
		c.PerformanceInterval = 5 * time.Second
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 30 * time.Second
	}
	if c.Features == nil {
		c.Features = model.FeatureEnableSet{}
	}
	return c
}

// TransitionEvent is the bus payload for position changes.
type TransitionEvent struct {
	From    model.DevicePosition `json:"from"`
	To      model.DevicePosition `json:"to"`
	Profile model.AudioProfile   `json:"profile"`
	At      time.Time            `json:"at"`
}

// StateSnapshot is the classifier state for the status endpoint.
type StateSnapshot struct {
	Listening       bool                 `json:"listening"`
	Position        model.DevicePosition `json:"position"`
	Profile         model.AudioProfile   `json:"profile"`
	PerformanceMode bool                 `json:"performance_mode"`
	StableSince     time.Time            `json:"stable_since,omitzero"`
	Transitions     int64                `json:"transitions"`
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	bus    eventbus.Bus
	source Source
	gw     *audio.Gateway
	ntf    Notifier

	cfg      Config
	callback Callback

	// classifier state
	position    model.DevicePosition
	profile     model.AudioProfile
	smoothed    [3]float64
	haveSmooth  bool
	lastSample  Sample
	haveSample  bool
	lastCheck   time.Time
	stableSince time.Time
	transitions int64

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, source Source, gw *audio.Gateway, ntf Notifier, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		bus:      bus,
		source:   source,
		gw:       gw,
		ntf:      ntf,
		cfg:      cfg.withDefaults(),
		position: model.Unknown,
		profile:  model.ProfileGeneral,
	}
}

// Apply updates the runtime configuration. Safe while listening.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// StartListening begins consuming samples. Position always restarts at
// UNKNOWN; classifier state is never resumed across restarts.
func (s *Service) StartListening(ctx context.Context, cb Callback) error {
	s.mu.Lock()
	if s.runCancel != nil {
		s.mu.Unlock()
		return nil
	}
	if s.source == nil {
		s.mu.Unlock()
		return fmt.Errorf("no sensor source configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.callback = cb
	s.position = model.Unknown
	s.profile = model.ProfileGeneral
	s.haveSmooth = false
	s.haveSample = false
	s.lastCheck = time.Time{}
	s.stableSince = time.Now()
	s.mu.Unlock()

	ch, err := s.source.Samples(runCtx)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.runCancel = nil
		s.mu.Unlock()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for sample := range ch {
			s.onSample(runCtx, sample)
		}
	}()
	s.log.Info("sensor listening started")
	return nil
}

// StopListening halts sampling. Idempotent.
func (s *Service) StopListening() {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("sensor listening stopped")
}

// SetFeatureEnabled flips one position's detection flag and re-classifies
// immediately from the last sample.
func (s *Service) SetFeatureEnabled(ctx context.Context, pos model.DevicePosition, enabled bool) {
	s.mu.Lock()
	features := s.cfg.Features.Clone()
	features[pos] = enabled
	s.cfg.Features = features
	sample := s.lastSample
	have := s.haveSample
	// Force the next check through the throttle.
	s.lastCheck = time.Time{}
	s.mu.Unlock()

	s.log.Debug("feature flag changed", logx.String("position", string(pos)), logx.Bool("enabled", enabled))
	if have {
		s.onSample(ctx, sample)
	}
}

// SetPerformanceMode switches the sampling cadence.
func (s *Service) SetPerformanceMode(enabled bool) {
	s.mu.Lock()
	s.cfg.PerformanceMode = enabled
	s.lastCheck = time.Time{}
	s.mu.Unlock()
	s.log.Info("performance mode", logx.Bool("enabled", enabled))
}

func (s *Service) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		Listening:       s.runCancel != nil,
		Position:        s.position,
		Profile:         s.profile,
		PerformanceMode: s.cfg.PerformanceMode,
		StableSince:     s.stableSince,
		Transitions:     s.transitions,
	}
}

// checkInterval returns the minimum gap between classifications for the
// current mode and stability state.
func checkInterval(cfg Config, stableSince, now time.Time) time.Duration {
	if !cfg.PerformanceMode {
		return cfg.NormalInterval
	}
	iv := cfg.PerformanceInterval
	if !stableSince.IsZero() && now.Sub(stableSince) >= cfg.StableAfter {
		iv *= 2
	}
	return iv
}

// onSample updates the latest-value buffers unconditionally and re-runs
// classification subject to the throttle. Must not block: actuation and
// notification are dispatched asynchronously.
func (s *Service) onSample(ctx context.Context, sample Sample) {
	now := sample.At
	if now.IsZero() {
		now = time.Now()
	}

	s.mu.Lock()
	// Low-pass the accelerometer; gyro and proximity are used raw.
	if !s.haveSmooth {
		s.smoothed = sample.Accel
		s.haveSmooth = true
	} else {
		for i := 0; i < 3; i++ {
			s.smoothed[i] += accelAlpha * (sample.Accel[i] - s.smoothed[i])
		}
	}
	s.lastSample = sample
	s.haveSample = true

	iv := checkInterval(s.cfg, s.stableSince, now)
	if !s.lastCheck.IsZero() && now.Sub(s.lastCheck) < iv {
		s.mu.Unlock()
		return
	}
	s.lastCheck = now

	pos := classify(s.smoothed, sample.Gyro, sample.ProximityCm, s.cfg.Features)
	if pos == s.position {
		s.mu.Unlock()
		return
	}

	// Edge-triggered transition.
	from := s.position
	profile := profileFor(pos)
	s.position = pos
	s.profile = profile
	s.stableSince = now
	s.transitions++
	enabled := s.cfg.Enabled && s.cfg.Features.Enabled(pos)
	cb := s.callback
	s.mu.Unlock()

	s.log.Info("position changed",
		logx.String("from", string(from)),
		logx.String("to", string(pos)),
		logx.String("profile", string(profile)),
		logx.Bool("actuate", enabled))

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypePositionChanged,
			Time: now,
			Data: TransitionEvent{From: from, To: pos, Profile: profile, At: now},
		})
	}

	// Never block the sample stream on actuation or notification I/O.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.actuate(ctx, pos, profile, enabled)
		if cb != nil {
			cb(pos, profile)
		}
	}()
}

func (s *Service) actuate(ctx context.Context, pos model.DevicePosition, profile model.AudioProfile, enabled bool) {
	if !enabled || s.gw == nil {
		return
	}
	mode, err := s.gw.Apply(ctx, audio.Change{
		Mode:   profile.RingerMode(),
		Origin: audio.OriginSensor,
		Reason: "position " + string(pos),
	})
	if err != nil {
		s.log.Warn("sensor actuation failed", logx.String("position", string(pos)), logx.Err(err))
		return
	}
	if s.ntf != nil {
		_ = s.ntf.Notify(ctx, notify.Notification{
			Title:   "Audio profile changed",
			Body:    fmt.Sprintf("%s -> %s", pos, mode),
			Urgency: 3,
			Sound:   soundFor(profile),
		})
	}
}
