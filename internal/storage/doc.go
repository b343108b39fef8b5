// Package storage persists events, per-event applied flags and pending
// trigger deadlines.
//
// Backends: a dependency-free file driver (JSON snapshot + append journal)
// and an optional SQLite driver behind the "sqlite" build tag.
package storage
