package proxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentguard/agentguard/internal/store"
)

// Notifier is told about every recorded event (alerts, live feed).
type Notifier interface {
	NotifyEvent(e *store.Event)
}

// Recorder is the Reporter that persists events and fans them out to
// notifiers.
type Recorder struct {
	events    store.EventStore
	notifiers []Notifier
	logger    *slog.Logger
}

// NewRecorder creates a Recorder. Notifiers run after the event is stored,
// so they see its id and hash.
func NewRecorder(events store.EventStore, logger *slog.Logger, notifiers ...Notifier) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		events:    events,
		notifiers: notifiers,
		logger:    logger.With("component", "proxy.Recorder"),
	}
}

// Report implements Reporter.
func (r *Recorder) Report(ctx context.Context, e *store.Event) error {
	if err := r.events.InsertEvent(ctx, e); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	r.logger.Debug("event recorded", "event_id", e.ID, "outcome", e.Outcome, "provider", e.Provider, "direction", e.Direction)
	for _, n := range r.notifiers {
		if n != nil {
			n.NotifyEvent(e)
		}
	}
	return nil
}
