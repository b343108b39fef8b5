package geofence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"silentmate/internal/location"
	logx "silentmate/pkg/logx"
)

type fakeProvider struct {
	mu  sync.Mutex
	fix location.Fix
	ok  bool
}

func (p *fakeProvider) set(lat, lon float64) {
	p.mu.Lock()
	p.fix = location.Fix{Lat: lat, Lon: lon, At: time.Now()}
	p.ok = true
	p.mu.Unlock()
}

func (p *fakeProvider) LastKnown(context.Context) (location.Fix, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fix, p.ok
}

func (p *fakeProvider) Request(context.Context, location.Priority) (location.Fix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ok {
		return location.Fix{}, errors.New("no fix")
	}
	return p.fix, nil
}

func TestRegisterReplaces(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeProvider{}, logx.Nop(), nil)

	first := Registration{ID: 5, Lat: 52.52, Lon: 13.405, ExpiresAt: time.Now().Add(time.Hour)}
	second := first
	second.ExpiresAt = first.ExpiresAt.Add(time.Hour)

	if err := s.Register(first); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(second); err != nil {
		t.Fatalf("Register (replace): %v", err)
	}
	regs := s.Snapshot()
	if len(regs) != 1 {
		t.Fatalf("expected 1 registration after replace, got %d", len(regs))
	}
	if !regs[0].ExpiresAt.Equal(second.ExpiresAt) {
		t.Fatalf("replace kept stale expiry %v", regs[0].ExpiresAt)
	}
	if regs[0].RadiusMeters != DefaultRadiusMeters {
		t.Fatalf("radius default not applied: %v", regs[0].RadiusMeters)
	}
}

func TestRegisterRejectsExpired(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeProvider{}, logx.Nop(), nil)
	err := s.Register(Registration{ID: 1, ExpiresAt: time.Now().Add(-time.Minute)})
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("want ErrExpired, got %v", err)
	}
}

func TestRegisterRequiresProvider(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil)
	err := s.Register(Registration{ID: 1, ExpiresAt: time.Now().Add(time.Hour)})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("want ErrNoProvider, got %v", err)
	}
}

func TestSweepEnterIsOneShot(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{}
	p.set(52.52, 13.405)
	s := New(Config{}, p, logx.Nop(), nil)

	var entered atomic.Int32
	s.SetHandler(func(_ context.Context, id int64) {
		if id == 7 {
			entered.Add(1)
		}
	})
	if err := s.Register(Registration{ID: 7, Lat: 52.52, Lon: 13.405, ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.sweep(context.Background(), time.Now())
	s.sweep(context.Background(), time.Now())

	deadline := time.Now().Add(2 * time.Second)
	for entered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := entered.Load(); got != 1 {
		t.Fatalf("enter fired %d times, want 1", got)
	}
	if len(s.Snapshot()) != 0 {
		t.Fatal("registration should be removed after firing")
	}
}

func TestSweepOutsideRadiusKeepsRegistration(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{}
	p.set(52.52, 13.405)
	s := New(Config{}, p, logx.Nop(), nil)

	// ~500m east of the fix.
	if err := s.Register(Registration{ID: 2, Lat: 52.52, Lon: 13.4123, ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.sweep(context.Background(), time.Now())
	if len(s.Snapshot()) != 1 {
		t.Fatal("registration outside radius must stay armed")
	}
}

func TestSweepExpires(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{}
	p.set(0, 0)
	s := New(Config{}, p, logx.Nop(), nil)

	var entered atomic.Int32
	s.SetHandler(func(context.Context, int64) { entered.Add(1) })
	if err := s.Register(Registration{ID: 3, Lat: 0, Lon: 0, ExpiresAt: time.Now().Add(10 * time.Millisecond)}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.sweep(context.Background(), time.Now().Add(time.Minute))
	if len(s.Snapshot()) != 0 {
		t.Fatal("expired registration should be removed")
	}
	if entered.Load() != 0 {
		t.Fatal("expired registration must not fire")
	}
}
