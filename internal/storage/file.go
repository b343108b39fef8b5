package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"silentmate/internal/model"
	logx "silentmate/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of the whole state)
//   - <prefix>.journal.jsonl (append-only journal of mutations)
//
// The journal is periodically compacted into the snapshot. State is small
// (tens of events, a handful of triggers), so everything is also kept in
// memory and reads never touch disk.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	events   map[int64]model.Event
	applied  map[int64]bool
	triggers map[string]Trigger

	writes int
}

type fileSnapshot struct {
	Events   []model.Event   `json:"events"`
	Applied  map[string]bool `json:"applied"`
	Triggers []Trigger       `json:"triggers"`
}

type journalRecord struct {
	Op      string       `json:"op"`
	Event   *model.Event `json:"event,omitempty"`
	EventID int64        `json:"event_id,omitempty"`
	Applied bool         `json:"applied,omitempty"`
	Trigger *Trigger     `json:"trigger,omitempty"`
	Key     string       `json:"key,omitempty"`
}

const (
	opPutEvent   = "put_event"
	opDelEvent   = "del_event"
	opPutApplied = "put_applied"
	opDelApplied = "del_applied"
	opPutTrigger = "put_trigger"
	opDelTrigger = "del_trigger"

	compactEvery = 256
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		events:       map[int64]model.Event{},
		applied:      map[int64]bool{},
		triggers:     map[string]Trigger{},
	}
	_ = s.loadSnapshot(snapPath)
	_ = s.replayJournal(journalPath)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Best-effort compact so the next open replays nothing.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("compact on close failed", logx.Err(err))
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

// ---- events ----

func (s *fileStore) PutEvent(ctx context.Context, e model.Event) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
	return s.appendLocked(journalRecord{Op: opPutEvent, Event: &e})
}

func (s *fileStore) GetEvent(ctx context.Context, id int64) (model.Event, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	return e, ok, nil
}

func (s *fileStore) DeleteEvent(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, id)
	return s.appendLocked(journalRecord{Op: opDelEvent, EventID: id})
}

func (s *fileStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	return out, nil
}

// ---- applied flags ----

func (s *fileStore) PutApplied(ctx context.Context, eventID int64, applied bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[eventID] = applied
	return s.appendLocked(journalRecord{Op: opPutApplied, EventID: eventID, Applied: applied})
}

func (s *fileStore) GetApplied(ctx context.Context, eventID int64) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[eventID], nil
}

func (s *fileStore) DeleteApplied(ctx context.Context, eventID int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.applied, eventID)
	return s.appendLocked(journalRecord{Op: opDelApplied, EventID: eventID})
}

// ---- pending triggers ----

func (s *fileStore) PutTrigger(ctx context.Context, t Trigger) error {
	_ = ctx
	if strings.TrimSpace(t.Key) == "" {
		return errors.New("trigger key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[t.Key] = t
	return s.appendLocked(journalRecord{Op: opPutTrigger, Trigger: &t})
}

func (s *fileStore) DeleteTrigger(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, key)
	return s.appendLocked(journalRecord{Op: opDelTrigger, Key: key})
}

func (s *fileStore) ListTriggers(ctx context.Context) ([]Trigger, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t)
	}
	return out, nil
}

// ---- journal / snapshot plumbing ----

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journalFile == nil {
		return errors.New("journal closed")
	}
	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{
		Events:   make([]model.Event, 0, len(s.events)),
		Applied:  make(map[string]bool, len(s.applied)),
		Triggers: make([]Trigger, 0, len(s.triggers)),
	}
	for _, e := range s.events {
		snap.Events = append(snap.Events, e)
	}
	for id, v := range s.applied {
		snap.Applied[strconv.FormatInt(id, 10)] = v
	}
	for _, t := range s.triggers {
		snap.Triggers = append(snap.Triggers, t)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, e := range snap.Events {
		s.events[e.ID] = e
	}
	for k, v := range snap.Applied {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		s.applied[id] = v
	}
	for _, t := range snap.Triggers {
		s.triggers[t.Key] = t
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case opPutEvent:
			if r.Event != nil {
				s.events[r.Event.ID] = *r.Event
			}
		case opDelEvent:
			delete(s.events, r.EventID)
		case opPutApplied:
			s.applied[r.EventID] = r.Applied
		case opDelApplied:
			delete(s.applied, r.EventID)
		case opPutTrigger:
			if r.Trigger != nil {
				s.triggers[r.Trigger.Key] = *r.Trigger
			}
		case opDelTrigger:
			delete(s.triggers, r.Key)
		}
	}
	return sc.Err()
}
