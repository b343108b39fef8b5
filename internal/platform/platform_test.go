package platform

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"silentmate/internal/location"
	"silentmate/internal/model"
	logx "silentmate/pkg/logx"
)

func TestRingerPersistsMode(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ringer.state")
	ctx := context.Background()

	r := NewRinger(RingerConfig{StatePath: path, DNDAccess: true}, logx.Nop())
	if m, _ := r.Mode(ctx); m != model.RingerNormal {
		t.Fatalf("initial mode %v, want NORMAL", m)
	}
	if err := r.SetMode(ctx, model.RingerSilent); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	again := NewRinger(RingerConfig{StatePath: path, DNDAccess: true}, logx.Nop())
	if m, _ := again.Mode(ctx); m != model.RingerSilent {
		t.Fatalf("restart lost mode, got %v", m)
	}
}

func writeFix(t *testing.T, path string, at time.Time) {
	t.Helper()
	b, err := json.Marshal(fixRecord{Lat: 52.52, Lon: 13.405, AccuracyM: 12, At: at})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestFixFileLastKnown(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "fix.json")
	p := NewFixFile(path, time.Minute, logx.Nop())

	if _, ok := p.LastKnown(context.Background()); ok {
		t.Fatal("missing file must report no fix")
	}

	writeFix(t, path, time.Now())
	fix, ok := p.LastKnown(context.Background())
	if !ok || fix.Lat != 52.52 {
		t.Fatalf("fresh fix not returned: %+v ok=%v", fix, ok)
	}

	writeFix(t, path, time.Now().Add(-2*time.Minute))
	if _, ok := p.LastKnown(context.Background()); ok {
		t.Fatal("stale fix must report no fix")
	}
}

func TestFixFileRequestHonorsDeadline(t *testing.T) {
	t.Parallel()
	p := NewFixFile(filepath.Join(t.TempDir(), "never.json"), time.Minute, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Request(ctx, location.PriorityBalanced); err == nil {
		t.Fatal("expected error with no fix file")
	}
}

func TestSampleTailReadsLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "samples.jsonl")
	lines := `{"accel":[0,0,9.8],"gyro":[0,0,0],"proximity_cm":10}
not json
{"accel":[0,0,-9.8],"gyro":[0.1,0,0],"proximity_cm":1}
`
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := NewSampleTail(path, 10*time.Millisecond, logx.Nop())
	ch, err := src.Samples(ctx)
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}

	first := <-ch
	if first.Accel[2] != 9.8 || first.ProximityCm != 10 {
		t.Fatalf("first sample %+v", first)
	}
	second := <-ch
	if second.Accel[2] != -9.8 || second.ProximityCm != 1 {
		t.Fatalf("second sample %+v (malformed line not skipped?)", second)
	}

	cancel()
	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected channel close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
