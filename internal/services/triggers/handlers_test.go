package triggers

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"silentmate/internal/geofence"
	"silentmate/internal/location"
	"silentmate/internal/model"
	"silentmate/internal/services/audio"
	"silentmate/internal/services/notify"
	"silentmate/internal/storage"
	logx "silentmate/pkg/logx"
)

const (
	eventLat = 52.5200
	eventLon = 13.4050
	// ~500m east and ~20m east of the event location.
	farLon  = 13.4123
	nearLon = 13.4053
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

type fakeRinger struct {
	mu   sync.Mutex
	mode model.RingerMode
	sets []model.RingerMode
}

func (r *fakeRinger) Mode(context.Context) (model.RingerMode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode, nil
}

func (r *fakeRinger) SetMode(_ context.Context, m model.RingerMode) error {
	r.mu.Lock()
	r.mode = m
	r.sets = append(r.sets, m)
	r.mu.Unlock()
	return nil
}

func (r *fakeRinger) DNDAccessGranted(context.Context) bool { return true }

func (r *fakeRinger) current() model.RingerMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

type captureNotifier struct {
	mu    sync.Mutex
	items []notify.Notification
}

func (c *captureNotifier) Notify(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	c.items = append(c.items, n)
	c.mu.Unlock()
	return nil
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

type fixture struct {
	svc      *Service
	store    storage.Store
	ringer   *fakeRinger
	provider *fakeProvider
	fences   *geofence.Service
	ntf      *captureNotifier
}

func newFixture(t *testing.T, start bool) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ringer := &fakeRinger{mode: model.RingerNormal}
	provider := &fakeProvider{}
	gw := audio.NewGateway(ringer, logx.Nop(), nil)
	fences := geofence.New(geofence.Config{}, provider, logx.Nop(), nil)
	ntf := &captureNotifier{}

	svc := New(Config{
		Enabled:    true,
		EventAudio: true,
		ResyncSpec: "off",
	}, st, provider, fences, gw, ntf, logx.Nop(), nil)
	fences.SetHandler(svc.HandleGeofenceEnter)

	if start {
		svc.Start(context.Background())
		t.Cleanup(func() { svc.Stop(context.Background()) })
	}
	return &fixture{svc: svc, store: st, ringer: ringer, provider: provider, fences: fences, ntf: ntf}
}

func weeklySilentEvent(id int64) model.Event {
	return model.Event{
		ID:         id,
		Title:      "Weekly meeting",
		Date:       time.Date(2025, 1, 6, 0, 0, 0, 0, time.Local),
		StartTime:  model.TimeOfDay{Hour: 8, Minute: 0},
		EndTime:    model.TimeOfDay{Hour: 9, Minute: 0},
		Recurrence: model.Weekly,
		Location:   model.Location{Name: "Office", Lat: eventLat, Lon: eventLon},
		Action:     model.RingerSilent,
	}
}

func occurrenceFor(ev model.Event, day time.Time) (time.Time, time.Time) {
	occ := ev.OccurrenceOn(day, time.Local)
	return occ.Start, occ.End
}

func TestScheduleEventIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	ctx := context.Background()

	start := time.Now().Add(time.Hour)
	end := start.Add(time.Hour)
	f.svc.ScheduleEvent(ctx, 42, start, end)
	f.svc.ScheduleEvent(ctx, 42, start, end)

	snap := f.svc.Snapshot()
	startCount := 0
	for _, tr := range snap.Armed {
		if tr.Kind == storage.TriggerStart && tr.EventID == 42 {
			startCount++
		}
	}
	if startCount != 1 {
		t.Fatalf("double ScheduleEvent armed %d start triggers, want 1", startCount)
	}

	// Persisted definitions deduplicate the same way.
	list, err := f.store.ListTriggers(ctx)
	if err != nil {
		t.Fatalf("ListTriggers: %v", err)
	}
	persisted := 0
	for _, tr := range list {
		if tr.Kind == storage.TriggerStart {
			persisted++
		}
	}
	if persisted != 1 {
		t.Fatalf("%d persisted start triggers, want 1", persisted)
	}
}

func TestStartTriggerAwayFromLocation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	ev := weeklySilentEvent(7)
	if err := f.store.PutEvent(ctx, ev); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}
	f.provider.set(eventLat, farLon) // ~500m away

	// Tomorrow's occurrence so the fence expiry is in the future.
	start, end := occurrenceFor(ev, time.Now().Add(24*time.Hour))
	tr := storage.Trigger{Key: startKey(ev.ID), EventID: ev.ID, Kind: storage.TriggerStart, DueAt: start, EndAt: end}
	if err := f.svc.handleStart(ctx, tr); err != nil {
		t.Fatalf("handleStart: %v", err)
	}

	if applied, _ := f.store.GetApplied(ctx, ev.ID); applied {
		t.Fatal("applied flag must be false away from the event location")
	}
	if got := f.ringer.current(); got != model.RingerNormal {
		t.Fatalf("ringer changed to %v away from location", got)
	}
	regs := f.fences.Snapshot()
	if len(regs) != 1 || regs[0].ID != ev.ID {
		t.Fatalf("expected one geofence registration, got %+v", regs)
	}
	if regs[0].RadiusMeters != 100 {
		t.Fatalf("geofence radius %v, want 100", regs[0].RadiusMeters)
	}
	if !regs[0].ExpiresAt.Equal(end) {
		t.Fatalf("geofence expiry %v, want occurrence end %v", regs[0].ExpiresAt, end)
	}
}

func TestStartTriggerAtLocation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	ev := weeklySilentEvent(8)
	if err := f.store.PutEvent(ctx, ev); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}
	f.provider.set(eventLat, nearLon) // ~20m away

	start, end := occurrenceFor(ev, time.Now())
	tr := storage.Trigger{Key: startKey(ev.ID), EventID: ev.ID, Kind: storage.TriggerStart, DueAt: start, EndAt: end}
	if err := f.svc.handleStart(ctx, tr); err != nil {
		t.Fatalf("handleStart: %v", err)
	}

	if applied, _ := f.store.GetApplied(ctx, ev.ID); !applied {
		t.Fatal("applied flag must be true at the event location")
	}
	if got := f.ringer.current(); got != model.RingerSilent {
		t.Fatalf("ringer %v, want SILENT", got)
	}
	if f.ntf.count() != 1 {
		t.Fatalf("%d notifications, want 1 started", f.ntf.count())
	}
	if len(f.fences.Snapshot()) != 0 {
		t.Fatal("no geofence should be registered when already at location")
	}
}

func TestStartTriggerNoFixFallsBackToGeofence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	ev := weeklySilentEvent(9)
	if err := f.store.PutEvent(ctx, ev); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}
	// provider has no fix at all

	f.svc.Apply(Config{Enabled: true, EventAudio: true, ResyncSpec: "off", LocationTimeout: 50 * time.Millisecond})
	start, end := occurrenceFor(ev, time.Now().Add(24*time.Hour))
	tr := storage.Trigger{Key: startKey(ev.ID), EventID: ev.ID, Kind: storage.TriggerStart, DueAt: start, EndAt: end}
	if err := f.svc.handleStart(ctx, tr); err != nil {
		t.Fatalf("handleStart: %v", err)
	}

	if applied, _ := f.store.GetApplied(ctx, ev.ID); applied {
		t.Fatal("no fix must be treated as not-at-location")
	}
	if len(f.fences.Snapshot()) != 1 {
		t.Fatal("geofence should be registered on the no-fix path")
	}
}

func TestEndTriggerRevertsWhenApplied(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	ctx := context.Background()

	ev := weeklySilentEvent(10)
	if err := f.store.PutEvent(ctx, ev); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}
	f.provider.set(eventLat, nearLon)

	start, end := occurrenceFor(ev, time.Now())
	trStart := storage.Trigger{Key: startKey(ev.ID), EventID: ev.ID, Kind: storage.TriggerStart, DueAt: start, EndAt: end}
	if err := f.svc.handleStart(ctx, trStart); err != nil {
		t.Fatalf("handleStart: %v", err)
	}
	if got := f.ringer.current(); got != model.RingerSilent {
		t.Fatalf("precondition: ringer %v", got)
	}

	trEnd := storage.Trigger{Key: endKey(ev.ID, end), EventID: ev.ID, Kind: storage.TriggerEnd, DueAt: end}
	if err := f.svc.handleEnd(ctx, trEnd); err != nil {
		t.Fatalf("handleEnd: %v", err)
	}

	if got := f.ringer.current(); got != model.RingerNormal {
		t.Fatalf("ringer %v after end, want NORMAL revert", got)
	}
	if applied, _ := f.store.GetApplied(ctx, ev.ID); applied {
		t.Fatal("applied flag should be cleared by the end trigger")
	}

	// Weekly event: the next occurrence must be armed again.
	snap := f.svc.Snapshot()
	var next *ArmedTrigger
	for i, tr := range snap.Armed {
		if tr.Kind == storage.TriggerStart && tr.EventID == ev.ID {
			next = &snap.Armed[i]
		}
	}
	if next == nil {
		t.Fatal("recurring event not rescheduled after end")
	}
	if !next.DueAt.After(time.Now()) {
		t.Fatalf("next start %v not in the future", next.DueAt)
	}
	if next.DueAt.Weekday() != ev.Date.Weekday() {
		t.Fatalf("next start %v does not keep the weekly cadence", next.DueAt)
	}
}

func TestEndTriggerNoRevertWhenNotApplied(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	ctx := context.Background()

	ev := weeklySilentEvent(11)
	if err := f.store.PutEvent(ctx, ev); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}
	if err := f.store.PutApplied(ctx, ev.ID, false); err != nil {
		t.Fatalf("PutApplied: %v", err)
	}

	_, end := occurrenceFor(ev, time.Now())
	trEnd := storage.Trigger{Key: endKey(ev.ID, end), EventID: ev.ID, Kind: storage.TriggerEnd, DueAt: end}
	if err := f.svc.handleEnd(ctx, trEnd); err != nil {
		t.Fatalf("handleEnd: %v", err)
	}

	if got := f.ringer.current(); got != model.RingerNormal {
		t.Fatalf("ringer %v, nothing should have been reverted", got)
	}
	if f.ntf.count() != 0 {
		t.Fatal("no ended notification when nothing was applied")
	}
	// Rescheduling still happens: recurrence chains survive a skipped occurrence.
	found := false
	for _, tr := range f.svc.Snapshot().Armed {
		if tr.Kind == storage.TriggerStart && tr.EventID == ev.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("recurrence chain broken by an unapplied occurrence")
	}
}

func TestEndTriggerOnceEventNotRescheduled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	ctx := context.Background()

	ev := weeklySilentEvent(12)
	ev.Recurrence = model.Once
	if err := f.store.PutEvent(ctx, ev); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}

	_, end := occurrenceFor(ev, time.Now())
	trEnd := storage.Trigger{Key: endKey(ev.ID, end), EventID: ev.ID, Kind: storage.TriggerEnd, DueAt: end}
	if err := f.svc.handleEnd(ctx, trEnd); err != nil {
		t.Fatalf("handleEnd: %v", err)
	}
	for _, tr := range f.svc.Snapshot().Armed {
		if tr.EventID == ev.ID {
			t.Fatalf("ONCE event rescheduled: %+v", tr)
		}
	}
}

func TestGeofenceEnterAppliesAction(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	ev := weeklySilentEvent(13)
	if err := f.store.PutEvent(ctx, ev); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}

	f.svc.HandleGeofenceEnter(ctx, ev.ID)

	if got := f.ringer.current(); got != model.RingerSilent {
		t.Fatalf("ringer %v after geofence entry, want SILENT", got)
	}
	if applied, _ := f.store.GetApplied(ctx, ev.ID); !applied {
		t.Fatal("geofence entry must set the applied flag")
	}
}

func TestMissingEventIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	tr := storage.Trigger{Key: startKey(999), EventID: 999, Kind: storage.TriggerStart, DueAt: time.Now()}
	if err := f.svc.handleStart(ctx, tr); err != nil {
		t.Fatalf("deleted event must be treated as success, got %v", err)
	}
	if got := f.ringer.current(); got != model.RingerNormal {
		t.Fatalf("ringer changed for missing event: %v", got)
	}
}

func TestEventAudioDisabledSkipsActuationOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	ev := weeklySilentEvent(14)
	if err := f.store.PutEvent(ctx, ev); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}
	f.provider.set(eventLat, nearLon)
	f.svc.SetEventAudio(false)

	start, end := occurrenceFor(ev, time.Now())
	tr := storage.Trigger{Key: startKey(ev.ID), EventID: ev.ID, Kind: storage.TriggerStart, DueAt: start, EndAt: end}
	if err := f.svc.handleStart(ctx, tr); err != nil {
		t.Fatalf("handleStart: %v", err)
	}

	if got := f.ringer.current(); got != model.RingerNormal {
		t.Fatalf("disabled switch still actuated: %v", got)
	}
	// Bookkeeping runs regardless so the chain stays alive.
	if applied, _ := f.store.GetApplied(ctx, ev.ID); !applied {
		t.Fatal("applied flag bookkeeping must run with the switch off")
	}
}

func TestCancelEventDisarmsStartTrigger(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	ctx := context.Background()

	start := time.Now().Add(time.Hour)
	f.svc.ScheduleEvent(ctx, 21, start, start.Add(time.Hour))
	f.svc.CancelEvent(ctx, 21)

	for _, tr := range f.svc.Snapshot().Armed {
		if tr.Kind == storage.TriggerStart && tr.EventID == 21 {
			t.Fatal("start trigger still armed after cancel")
		}
	}
	list, _ := f.store.ListTriggers(ctx)
	for _, tr := range list {
		if tr.Kind == storage.TriggerStart && tr.EventID == 21 {
			t.Fatal("start trigger still persisted after cancel")
		}
	}
}

func TestResyncArmsStoredEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	ctx := context.Background()

	ev := weeklySilentEvent(30)
	if err := f.store.PutEvent(ctx, ev); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}
	if err := f.svc.Resync(ctx); err != nil {
		t.Fatalf("Resync: %v", err)
	}

	found := false
	for _, tr := range f.svc.Snapshot().Armed {
		if tr.Kind == storage.TriggerStart && tr.EventID == ev.ID {
			found = true
			if !tr.DueAt.After(time.Now().Add(-time.Minute)) {
				t.Fatalf("resync armed a past occurrence: %v", tr.DueAt)
			}
		}
	}
	if !found {
		t.Fatal("resync did not arm the stored event")
	}
}

func TestResyncPrunesOrphanedAppliedFlag(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	ctx := context.Background()

	ev := weeklySilentEvent(31)
	if err := f.store.PutEvent(ctx, ev); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}
	// Flag left behind by a crash mid-occurrence: no trigger is armed for it.
	if err := f.store.PutApplied(ctx, ev.ID, true); err != nil {
		t.Fatalf("PutApplied: %v", err)
	}

	if err := f.svc.Resync(ctx); err != nil {
		t.Fatalf("Resync: %v", err)
	}

	applied, err := f.store.GetApplied(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetApplied: %v", err)
	}
	if applied {
		t.Fatal("orphaned applied flag survived resync")
	}
}
