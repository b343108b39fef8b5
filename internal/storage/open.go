package storage

import (
	"context"
	"errors"
	"strings"

	"silentmate/internal/model"
	logx "silentmate/pkg/logx"
)

// Store is the persistence API shared by the trigger service and the app.
//
// Event records are owned by the store; applied flags and pending triggers
// are owned by the trigger service and only parked here for durability.
type Store interface {
	PutEvent(ctx context.Context, e model.Event) error
	GetEvent(ctx context.Context, id int64) (model.Event, bool, error)
	DeleteEvent(ctx context.Context, id int64) error
	ListEvents(ctx context.Context) ([]model.Event, error)

	PutApplied(ctx context.Context, eventID int64, applied bool) error
	GetApplied(ctx context.Context, eventID int64) (bool, error)
	DeleteApplied(ctx context.Context, eventID int64) error

	PutTrigger(ctx context.Context, t Trigger) error
	DeleteTrigger(ctx context.Context, key string) error
	ListTriggers(ctx context.Context) ([]Trigger, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
