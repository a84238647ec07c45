// Package store persists threat events and the block policy settings.
package store

import (
	"context"
)

// EventStore records and queries threat events.
type EventStore interface {
	// InsertEvent assigns ID, timestamp and hash chain fields when unset.
	InsertEvent(ctx context.Context, e *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, int, error)
	VerifyChain(ctx context.Context) (ChainResult, error)
	PruneOlderThan(days int) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

// SettingsStore holds the block policy.
type SettingsStore interface {
	GetSettings(ctx context.Context) (Settings, error)
	UpdateSettings(ctx context.Context, s Settings) error
}

// Store is the full persistence backend.
type Store interface {
	EventStore
	SettingsStore

	// Initialize creates tables and indexes and seeds settings.
	Initialize(defaults Settings) error
	Close() error
}
