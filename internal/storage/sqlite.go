//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"silentmate/internal/model"
	logx "silentmate/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const dateLayout = "2006-01-02"

// ---- events ----

func (s *sqliteStore) PutEvent(ctx context.Context, e model.Event) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(id, title, date, start_time, end_time, recurrence, loc_name, loc_lat, loc_lon, action)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title, date=excluded.date, start_time=excluded.start_time,
		   end_time=excluded.end_time, recurrence=excluded.recurrence, loc_name=excluded.loc_name,
		   loc_lat=excluded.loc_lat, loc_lon=excluded.loc_lon, action=excluded.action`,
		e.ID, e.Title, e.Date.Format(dateLayout), e.StartTime.String(), e.EndTime.String(),
		string(e.Recurrence), nullStr(e.Location.Name), e.Location.Lat, e.Location.Lon, string(e.Action),
	)
	return err
}

func (s *sqliteStore) GetEvent(ctx context.Context, id int64) (model.Event, bool, error) {
	if s == nil || s.db == nil {
		return model.Event{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, date, start_time, end_time, recurrence, loc_name, loc_lat, loc_lon, action
		 FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, false, nil
	}
	if err != nil {
		return model.Event{}, false, err
	}
	return e, true, nil
}

func (s *sqliteStore) DeleteEvent(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, date, start_time, end_time, recurrence, loc_name, loc_lat, loc_lon, action
		 FROM events ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (model.Event, error) {
	var (
		e          model.Event
		date       string
		startRaw   string
		endRaw     string
		recurrence string
		locName    sql.NullString
		action     string
	)
	if err := r.Scan(&e.ID, &e.Title, &date, &startRaw, &endRaw, &recurrence,
		&locName, &e.Location.Lat, &e.Location.Lon, &action); err != nil {
		return model.Event{}, err
	}
	d, err := time.ParseInLocation(dateLayout, date, time.Local)
	if err != nil {
		return model.Event{}, fmt.Errorf("event %d: bad date %q: %w", e.ID, date, err)
	}
	e.Date = d
	if e.StartTime, err = model.ParseTimeOfDay(startRaw); err != nil {
		return model.Event{}, fmt.Errorf("event %d: %w", e.ID, err)
	}
	if e.EndTime, err = model.ParseTimeOfDay(endRaw); err != nil {
		return model.Event{}, fmt.Errorf("event %d: %w", e.ID, err)
	}
	if e.Recurrence, err = model.ParseRecurrence(recurrence); err != nil {
		return model.Event{}, fmt.Errorf("event %d: %w", e.ID, err)
	}
	if e.Action, err = model.ParseRingerMode(action); err != nil {
		return model.Event{}, fmt.Errorf("event %d: %w", e.ID, err)
	}
	e.Location.Name = locName.String
	return e, nil
}

// ---- applied flags ----

func (s *sqliteStore) PutApplied(ctx context.Context, eventID int64, applied bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	v := 0
	if applied {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO applied_flags(event_id, applied) VALUES(?,?)
		 ON CONFLICT(event_id) DO UPDATE SET applied=excluded.applied`,
		eventID, v,
	)
	return err
}

func (s *sqliteStore) GetApplied(ctx context.Context, eventID int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT applied FROM applied_flags WHERE event_id = ?`, eventID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (s *sqliteStore) DeleteApplied(ctx context.Context, eventID int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM applied_flags WHERE event_id = ?`, eventID)
	return err
}

// ---- pending triggers ----

func (s *sqliteStore) PutTrigger(ctx context.Context, t Trigger) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(t.Key) == "" {
		return errors.New("trigger key required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triggers(key, event_id, kind, due_at, end_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET
		   event_id=excluded.event_id, kind=excluded.kind, due_at=excluded.due_at, end_at=excluded.end_at`,
		t.Key, t.EventID, t.Kind, t.DueAt.UnixMilli(), t.EndAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteTrigger(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) ListTriggers(ctx context.Context) ([]Trigger, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, event_id, kind, due_at, end_at FROM triggers ORDER BY due_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Trigger
	for rows.Next() {
		var t Trigger
		var due, end int64
		if err := rows.Scan(&t.Key, &t.EventID, &t.Kind, &due, &end); err != nil {
			return nil, err
		}
		t.DueAt = time.UnixMilli(due)
		if end > 0 {
			t.EndAt = time.UnixMilli(end)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
