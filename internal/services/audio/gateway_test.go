package audio

import (
	"context"
	"sync"
	"testing"

	"silentmate/internal/eventbus"
	"silentmate/internal/model"
	logx "silentmate/pkg/logx"
)

type fakeRinger struct {
	mu   sync.Mutex
	mode model.RingerMode
	dnd  bool
	sets int
}

func newFakeRinger(dnd bool) *fakeRinger {
	return &fakeRinger{mode: model.RingerNormal, dnd: dnd}
}

func (f *fakeRinger) Mode(context.Context) (model.RingerMode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode, nil
}

func (f *fakeRinger) SetMode(_ context.Context, m model.RingerMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = m
	f.sets++
	return nil
}

func (f *fakeRinger) DNDAccessGranted(context.Context) bool { return f.dnd }

func TestApplySetsMode(t *testing.T) {
	t.Parallel()
	r := newFakeRinger(true)
	g := NewGateway(r, logx.Nop(), nil)

	got, err := g.Apply(context.Background(), Change{Mode: model.RingerSilent, Origin: OriginEvent, Reason: "event_1_start"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != model.RingerSilent {
		t.Fatalf("applied %v, want SILENT", got)
	}
	if snap := g.Snapshot(context.Background()); snap.Mode != model.RingerSilent || snap.Changes != 1 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestApplyDowngradesSilentWithoutDNDAccess(t *testing.T) {
	t.Parallel()
	r := newFakeRinger(false)
	g := NewGateway(r, logx.Nop(), nil)

	got, err := g.Apply(context.Background(), Change{Mode: model.RingerSilent, Origin: OriginSensor})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != model.RingerVibrate {
		t.Fatalf("applied %v, want VIBRATE downgrade", got)
	}
}

func TestApplyIdempotent(t *testing.T) {
	t.Parallel()
	r := newFakeRinger(true)
	g := NewGateway(r, logx.Nop(), nil)

	for i := 0; i < 3; i++ {
		if _, err := g.Apply(context.Background(), Change{Mode: model.RingerVibrate, Origin: OriginSensor}); err != nil {
			t.Fatalf("Apply #%d: %v", i, err)
		}
	}
	if r.sets != 1 {
		t.Fatalf("repeated same-mode applies should actuate once, got %d", r.sets)
	}
}

func TestApplyPublishesChange(t *testing.T) {
	t.Parallel()
	r := newFakeRinger(false)
	bus := eventbus.New()
	sub, unsub := bus.Subscribe(8)
	defer unsub()

	g := NewGateway(r, logx.Nop(), bus)
	if _, err := g.Apply(context.Background(), Change{Mode: model.RingerSilent, Origin: OriginEvent, Reason: "event_9_start"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	ev := <-sub
	if ev.Type != eventbus.TypeRingerChanged {
		t.Fatalf("event type %q", ev.Type)
	}
	ce, ok := ev.Data.(ChangeEvent)
	if !ok {
		t.Fatalf("unexpected payload %T", ev.Data)
	}
	if ce.Requested != model.RingerSilent || ce.To != model.RingerVibrate || !ce.Downgraded {
		t.Fatalf("change event: %+v", ce)
	}
}

func TestApplyConcurrentSerialized(t *testing.T) {
	t.Parallel()
	r := newFakeRinger(true)
	g := NewGateway(r, logx.Nop(), nil)

	var wg sync.WaitGroup
	modes := []model.RingerMode{model.RingerSilent, model.RingerVibrate, model.RingerNormal}
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = g.Apply(context.Background(), Change{Mode: modes[i%3], Origin: OriginSensor})
		}(i)
	}
	wg.Wait()

	final, err := g.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	found := false
	for _, m := range modes {
		if m == final {
			found = true
		}
	}
	if !found {
		t.Fatalf("final mode corrupted: %v", final)
	}
}
