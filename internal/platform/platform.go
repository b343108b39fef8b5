// Package platform holds the file-backed default implementations of the
// external collaborator boundaries: the ringer actuator, the location fix
// provider and the sensor sample source. Deployments integrate the daemon
// with the host's audio and sensor stack by swapping these; the file
// protocols keep the daemon runnable and scriptable without one.
package platform

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"silentmate/internal/location"
	"silentmate/internal/model"
	"silentmate/internal/services/sensors"
	logx "silentmate/pkg/logx"
)

// Ringer is an in-process ringer actuator. The current mode is optionally
// persisted to StatePath so a restart does not forget what the device was
// last set to.
type Ringer struct {
	mu        sync.Mutex
	mode      model.RingerMode
	dnd       bool
	statePath string
	log       logx.Logger
}

type RingerConfig struct {
	// StatePath persists the last mode across restarts. Empty keeps the
	// mode in memory only.
	StatePath string
	// DNDAccess reports whether SILENT is allowed; the gateway downgrades
	// to VIBRATE when false.
	DNDAccess bool
}

func NewRinger(cfg RingerConfig, log logx.Logger) *Ringer {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Ringer{mode: model.RingerNormal, dnd: cfg.DNDAccess, statePath: strings.TrimSpace(cfg.StatePath), log: log}
	if r.statePath != "" {
		if b, err := os.ReadFile(r.statePath); err == nil {
			if m, err := model.ParseRingerMode(string(b)); err == nil {
				r.mode = m
			}
		}
	}
	return r
}

func (r *Ringer) Mode(ctx context.Context) (model.RingerMode, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode, nil
}

func (r *Ringer) SetMode(ctx context.Context, mode model.RingerMode) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = mode
	if r.statePath != "" {
		if err := os.WriteFile(r.statePath, []byte(mode), 0o644); err != nil {
			r.log.Warn("ringer state write failed", logx.String("path", r.statePath), logx.Err(err))
		}
	}
	return nil
}

func (r *Ringer) DNDAccessGranted(ctx context.Context) bool {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dnd
}

// fixRecord is the on-disk fix format maintained by the host's location
// helper (a small script or agent writing the latest fix).
type fixRecord struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	AccuracyM float64   `json:"accuracy_m,omitempty"`
	At        time.Time `json:"at"`
}

// FixFile is a location.Provider reading the latest fix from a JSON file.
type FixFile struct {
	path   string
	maxAge time.Duration
	log    logx.Logger
}

// NewFixFile builds a provider over path. Fixes older than maxAge are
// treated as unavailable; maxAge <= 0 defaults to 5 minutes.
func NewFixFile(path string, maxAge time.Duration, log logx.Logger) *FixFile {
	if log.IsZero() {
		log = logx.Nop()
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &FixFile{path: path, maxAge: maxAge, log: log}
}

func (f *FixFile) read() (location.Fix, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return location.Fix{}, err
	}
	var rec fixRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return location.Fix{}, fmt.Errorf("fix file %s: %w", f.path, err)
	}
	if rec.At.IsZero() {
		return location.Fix{}, fmt.Errorf("fix file %s: missing timestamp", f.path)
	}
	return location.Fix{Lat: rec.Lat, Lon: rec.Lon, Accuracy: rec.AccuracyM, At: rec.At}, nil
}

func (f *FixFile) LastKnown(ctx context.Context) (location.Fix, bool) {
	_ = ctx
	fix, err := f.read()
	if err != nil || time.Since(fix.At) > f.maxAge {
		return location.Fix{}, false
	}
	return fix, true
}

func (f *FixFile) Request(ctx context.Context, prio location.Priority) (location.Fix, error) {
	_ = prio
	// There is no way to request a fresh fix from a file; poll it until a
	// recent one shows up or the caller's deadline hits.
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		fix, err := f.read()
		if err == nil && time.Since(fix.At) <= f.maxAge {
			return fix, nil
		}
		select {
		case <-ctx.Done():
			return location.Fix{}, location.ErrNoFix
		case <-t.C:
		}
	}
}

// sampleLine is the JSON-lines sample format produced by the host's sensor
// bridge.
type sampleLine struct {
	Accel       [3]float64 `json:"accel"`
	Gyro        [3]float64 `json:"gyro"`
	ProximityCm float64    `json:"proximity_cm"`
}

// SampleTail is a sensors.Source tailing a JSON-lines file or FIFO. Each
// line is one sample; malformed lines are skipped.
type SampleTail struct {
	path string
	poll time.Duration
	log  logx.Logger
}

// NewSampleTail builds a source over path. poll bounds the sleep between
// reads after EOF on a regular file; <= 0 defaults to 100ms.
func NewSampleTail(path string, poll time.Duration, log logx.Logger) *SampleTail {
	if log.IsZero() {
		log = logx.Nop()
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &SampleTail{path: path, poll: poll, log: log}
}

func (s *SampleTail) Samples(ctx context.Context) (<-chan sensors.Sample, error) {
	if strings.TrimSpace(s.path) == "" {
		return nil, errors.New("no sample path configured")
	}
	out := make(chan sensors.Sample, 64)
	go s.run(ctx, out)
	return out, nil
}

func (s *SampleTail) run(ctx context.Context, out chan<- sensors.Sample) {
	defer close(out)

	// The open itself can block on a FIFO with no writer; do it here, after
	// Samples has already returned the channel.
	f, err := os.Open(s.path)
	if err != nil {
		s.log.Warn("sample source open failed", logx.String("path", s.path), logx.Err(err))
		return
	}
	// Unblock a pending read when the context ends.
	go func() {
		<-ctx.Done()
		_ = f.Close()
	}()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var sl sampleLine
			if jerr := json.Unmarshal(line, &sl); jerr != nil {
				s.log.Debug("skipping malformed sample line", logx.Err(jerr))
			} else {
				sample := sensors.Sample{Accel: sl.Accel, Gyro: sl.Gyro, ProximityCm: sl.ProximityCm, At: time.Now()}
				select {
				case out <- sample:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				// Tail a regular file: wait for more data.
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.poll):
				}
				continue
			}
			s.log.Warn("sample source read failed", logx.String("path", s.path), logx.Err(err))
			return
		}
	}
}
