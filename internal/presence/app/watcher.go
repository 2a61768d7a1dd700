package app

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/chatbip/chatbip/internal/directory/repository"
)

// changeSource is the subscription surface the watcher needs. Satisfied by
// *messagebroker.NATSClient.
type changeSource interface {
	SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler nats.MsgHandler) error
}

// AvailabilityWatcher keeps a snapshot of currently callable numbers.
// Strategy is deliberately simple and robust: any directory change event
// triggers a full refetch of the available list.
type AvailabilityWatcher struct {
	directory repository.DirectoryRepository
	source    changeSource
	limit     int
	logger    *slog.Logger

	mu      sync.RWMutex
	numbers []string
}

func NewAvailabilityWatcher(directory repository.DirectoryRepository, source changeSource, limit int, logger *slog.Logger) *AvailabilityWatcher {
	return &AvailabilityWatcher{
		directory: directory,
		source:    source,
		limit:     limit,
		logger:    logger.With("component", "availability_watcher"),
	}
}

// Numbers returns the latest snapshot of available numbers, newest first.
func (w *AvailabilityWatcher) Numbers() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.numbers))
	copy(out, w.numbers)
	return out
}

// Fetch replaces the snapshot with the directory's current available list.
func (w *AvailabilityWatcher) Fetch(ctx context.Context) error {
	records, err := w.directory.ListAvailable(ctx, w.limit)
	if err != nil {
		return err
	}
	numbers := make([]string, 0, len(records))
	for _, rec := range records {
		numbers = append(numbers, rec.Number)
	}

	w.mu.Lock()
	w.numbers = numbers
	w.mu.Unlock()

	w.logger.DebugContext(ctx, "Available numbers refreshed", "count", len(numbers))
	return nil
}

// Run performs an initial fetch, then refetches on every directory change
// event until ctx is cancelled. Designed to run in a goroutine.
func (w *AvailabilityWatcher) Run(ctx context.Context) error {
	if err := w.Fetch(ctx); err != nil {
		w.logger.WarnContext(ctx, "Initial availability fetch failed", "error", err)
	}

	handler := func(msg *nats.Msg) {
		if err := w.Fetch(ctx); err != nil {
			w.logger.WarnContext(ctx, "Availability refetch failed", "subject", msg.Subject, "error", err)
		}
	}
	return w.source.SubscribeToSubjectWithQueue(ctx, ChangeSubjectPrefix+">", "", handler)
}
