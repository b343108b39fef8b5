package sensors

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"silentmate/internal/model"
	"silentmate/internal/services/audio"
	logx "silentmate/pkg/logx"
)

func pocketSample(at time.Time) Sample {
	return Sample{Accel: [3]float64{0, 0, -9}, Gyro: [3]float64{0, 0, 0}, ProximityCm: 1, At: at}
}

func handSample(at time.Time) Sample {
	return Sample{Accel: [3]float64{0, 0, 10}, Gyro: [3]float64{2, 0, 0}, ProximityCm: 50, At: at}
}

func TestClassifyPocket(t *testing.T) {
	t.Parallel()
	s := pocketSample(time.Now())
	pos := classify(s.Accel, s.Gyro, s.ProximityCm, nil)
	if pos != model.InPocket {
		t.Fatalf("classified %v, want IN_POCKET", pos)
	}
	if profileFor(pos) != model.ProfileVibration {
		t.Fatalf("profile %v, want VIBRATION", profileFor(pos))
	}
}

func TestClassifyInHand(t *testing.T) {
	t.Parallel()
	s := handSample(time.Now())
	pos := classify(s.Accel, s.Gyro, s.ProximityCm, nil)
	if pos != model.InHand {
		t.Fatalf("classified %v, want IN_HAND", pos)
	}
	if profileFor(pos) != model.ProfileGeneral {
		t.Fatalf("profile %v, want GENERAL", profileFor(pos))
	}
}

func TestClassifyOnDesk(t *testing.T) {
	t.Parallel()
	pos := classify([3]float64{0, 0, 9.5}, [3]float64{0.01, 0, 0}, 50, nil)
	if pos != model.OnDesk {
		t.Fatalf("classified %v, want ON_DESK", pos)
	}
	if profileFor(pos) != model.ProfileSilent {
		t.Fatalf("profile %v, want SILENT", profileFor(pos))
	}
}

func TestClassifyUnknownDefaultsToGeneral(t *testing.T) {
	t.Parallel()
	// Tilted, moving, nothing near the proximity sensor.
	pos := classify([3]float64{5, 5, 2}, [3]float64{0.2, 0, 0}, 50, nil)
	if pos != model.Unknown {
		t.Fatalf("classified %v, want UNKNOWN", pos)
	}
	if profileFor(pos) != model.ProfileGeneral {
		t.Fatalf("UNKNOWN must map to GENERAL, got %v", profileFor(pos))
	}
}

func TestClassifyPocketWinsOverHand(t *testing.T) {
	t.Parallel()
	// Face-up and rotating (hand rule matches) but very-near proximity
	// (pocket fallback matches). Pocket has priority.
	pos := classify([3]float64{0, 0, 10}, [3]float64{2, 0, 0}, 1, nil)
	if pos != model.InPocket {
		t.Fatalf("classified %v, want IN_POCKET by priority", pos)
	}
}

func TestClassifyDisabledPositionSkipped(t *testing.T) {
	t.Parallel()
	features := model.FeatureEnableSet{model.InPocket: false}
	s := pocketSample(time.Now())
	pos := classify(s.Accel, s.Gyro, s.ProximityCm, features)
	if pos == model.InPocket {
		t.Fatal("disabled position must never be detected")
	}
}

func TestCheckIntervalThrottle(t *testing.T) {
	t.Parallel()
	cfg := Config{
		PerformanceMode:     true,
		NormalInterval:      250 * time.Millisecond,
		PerformanceInterval: 5 * time.Second,
		StableAfter:         30 * time.Second,
	}
	now := time.Now()

	cfg.PerformanceMode = false
	if got := checkInterval(cfg, now, now); got != 250*time.Millisecond {
		t.Fatalf("normal interval %v", got)
	}
	cfg.PerformanceMode = true
	if got := checkInterval(cfg, now.Add(-time.Second), now); got != 5*time.Second {
		t.Fatalf("performance interval %v", got)
	}
	if got := checkInterval(cfg, now.Add(-time.Minute), now); got != 10*time.Second {
		t.Fatalf("stable performance interval should double, got %v", got)
	}
}

type chanSource struct {
	ch chan Sample
}

func (c *chanSource) Samples(ctx context.Context) (<-chan Sample, error) {
	out := make(chan Sample)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-c.ch:
				if !ok {
					return
				}
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEdgeTriggeredCallback(t *testing.T) {
	t.Parallel()
	src := &chanSource{ch: make(chan Sample, 16)}
	svc := New(Config{NormalInterval: time.Nanosecond}, src, nil, nil, logx.Nop(), nil)

	var calls atomic.Int32
	if err := svc.StartListening(context.Background(), func(model.DevicePosition, model.AudioProfile) {
		calls.Add(1)
	}); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	defer svc.StopListening()

	at := time.Now()
	for i := 0; i < 5; i++ {
		src.ch <- pocketSample(at.Add(time.Duration(i) * time.Millisecond))
	}
	waitFor(t, func() bool { return svc.Snapshot().Position == model.InPocket })
	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Fatalf("identical position on consecutive ticks fired %d callbacks, want 1", got)
	}
	if snap := svc.Snapshot(); snap.Transitions != 1 {
		t.Fatalf("transitions = %d, want 1", snap.Transitions)
	}
}

type gwRinger struct {
	mu   sync.Mutex
	mode model.RingerMode
}

func (r *gwRinger) Mode(context.Context) (model.RingerMode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode, nil
}

func (r *gwRinger) SetMode(_ context.Context, m model.RingerMode) error {
	r.mu.Lock()
	r.mode = m
	r.mu.Unlock()
	return nil
}

func (r *gwRinger) DNDAccessGranted(context.Context) bool { return true }

func TestTransitionActuatesThroughGateway(t *testing.T) {
	t.Parallel()
	ringer := &gwRinger{mode: model.RingerNormal}
	gw := audio.NewGateway(ringer, logx.Nop(), nil)
	src := &chanSource{ch: make(chan Sample, 4)}
	svc := New(Config{Enabled: true, NormalInterval: time.Nanosecond}, src, gw, nil, logx.Nop(), nil)

	if err := svc.StartListening(context.Background(), nil); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	defer svc.StopListening()

	src.ch <- pocketSample(time.Now())
	waitFor(t, func() bool {
		m, _ := ringer.Mode(context.Background())
		return m == model.RingerVibrate
	})
}

func TestGlobalDisableSuppressesActuation(t *testing.T) {
	t.Parallel()
	ringer := &gwRinger{mode: model.RingerNormal}
	gw := audio.NewGateway(ringer, logx.Nop(), nil)
	src := &chanSource{ch: make(chan Sample, 4)}
	svc := New(Config{Enabled: false, NormalInterval: time.Nanosecond}, src, gw, nil, logx.Nop(), nil)

	var calls atomic.Int32
	if err := svc.StartListening(context.Background(), func(model.DevicePosition, model.AudioProfile) {
		calls.Add(1)
	}); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	defer svc.StopListening()

	src.ch <- pocketSample(time.Now())
	waitFor(t, func() bool { return calls.Load() == 1 })

	if m, _ := ringer.Mode(context.Background()); m != model.RingerNormal {
		t.Fatalf("disabled classifier still changed ringer to %v", m)
	}
}

func TestStopListeningIdempotent(t *testing.T) {
	t.Parallel()
	src := &chanSource{ch: make(chan Sample)}
	svc := New(Config{}, src, nil, nil, logx.Nop(), nil)
	if err := svc.StartListening(context.Background(), nil); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	svc.StopListening()
	svc.StopListening()
	if svc.Snapshot().Listening {
		t.Fatal("still listening after stop")
	}
}
