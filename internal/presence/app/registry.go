package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chatbip/chatbip/internal/directory/repository"
)

// ChangeSubjectPrefix is the NATS subject prefix for directory change
// notifications. The full subject is "directory.changed.<number>".
const ChangeSubjectPrefix = "directory.changed."

// ChangePublisher publishes directory change notifications. Satisfied by
// *messagebroker.NATSClient.
type ChangePublisher interface {
	Publish(subject string, data []byte) error
}

// changeEvent is the payload of a directory change notification. Consumers
// treat it as a refetch trigger, not as a delta.
type changeEvent struct {
	Number string    `json:"number"`
	At     time.Time `json:"at"`
}

// Registry reports online/busy status and liveness heartbeats for one
// allocated number into the shared directory.
type Registry struct {
	directory repository.DirectoryRepository
	publisher ChangePublisher
	number    string
	logger    *slog.Logger
}

func NewRegistry(directory repository.DirectoryRepository, publisher ChangePublisher, number string, logger *slog.Logger) *Registry {
	return &Registry{
		directory: directory,
		publisher: publisher,
		number:    number,
		logger:    logger.With("component", "presence_registry", "number", number),
	}
}

func (r *Registry) Number() string {
	return r.number
}

// SetOnlineStatus updates reachability. Fails loudly: callers depend on this
// to reflect true reachability, so errors propagate.
func (r *Registry) SetOnlineStatus(ctx context.Context, online bool, peerConnectionID string) error {
	var pcid *string
	if peerConnectionID != "" {
		pcid = &peerConnectionID
	}
	if err := r.directory.SetOnline(ctx, r.number, online, pcid); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "Online status updated", "is_online", online)
	r.publishChange(ctx)
	return nil
}

// SetBusyStatus updates busy state. Fails loudly, like SetOnlineStatus.
func (r *Registry) SetBusyStatus(ctx context.Context, busy bool, busyWith string) error {
	var with *string
	if busy && busyWith != "" {
		with = &busyWith
	}
	if err := r.directory.SetBusy(ctx, r.number, busy, with); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "Busy status updated", "is_busy", busy, "busy_with", busyWith)
	r.publishChange(ctx)
	return nil
}

// Heartbeat touches last_seen. Best-effort: write failures are logged and
// swallowed so liveness reporting never crashes the session.
func (r *Registry) Heartbeat(ctx context.Context) {
	if err := r.directory.TouchLastSeen(ctx, r.number); err != nil {
		r.logger.WarnContext(ctx, "Heartbeat write failed", "error", err)
	}
}

// RunHeartbeat touches last_seen on a ticker until ctx is cancelled.
// Designed to run in a goroutine.
func (r *Registry) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "Heartbeat loop started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			r.Heartbeat(ctx)
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Heartbeat loop stopped")
			return nil
		}
	}
}

// publishChange emits a best-effort change notification after a successful
// directory write. Subscribers refetch; losing an event only delays a refresh.
func (r *Registry) publishChange(ctx context.Context) {
	if r.publisher == nil {
		return
	}
	data, err := json.Marshal(changeEvent{Number: r.number, At: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := r.publisher.Publish(ChangeSubjectPrefix+r.number, data); err != nil {
		r.logger.DebugContext(ctx, "Failed to publish change notification", "error", err)
	}
}
