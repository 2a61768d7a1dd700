package repository

import (
	"context"
	"time"

	"github.com/chatbip/chatbip/internal/directory/domain"
)

// DirectoryRepository is the shared directory of allocated numbers.
// The directory is an external, eventually-consistent resource: callers get
// no transactional coordination with local session state.
type DirectoryRepository interface {
	// CreateIfAbsent atomically inserts a fresh record for number with
	// is_online=false and the given expiry. Returns domain.ErrNumberTaken
	// when the number is already registered.
	CreateIfAbsent(ctx context.Context, number string, expiresAt time.Time) (*domain.PresenceRecord, error)

	// GetByNumber looks up one record. Returns domain.ErrNotFound when absent.
	GetByNumber(ctx context.Context, number string) (*domain.PresenceRecord, error)

	// SetOnline updates is_online and last_seen, and, when peerConnectionID is
	// non-nil, the transport's runtime connection id.
	SetOnline(ctx context.Context, number string, online bool, peerConnectionID *string) error

	// SetBusy updates is_busy, busy_with and last_seen. busyWith is cleared
	// whenever busy is false.
	SetBusy(ctx context.Context, number string, busy bool, busyWith *string) error

	// TouchLastSeen bumps last_seen to now. Used by the liveness heartbeat.
	TouchLastSeen(ctx context.Context, number string) error

	// ListAvailable returns the most recently seen numbers that are online,
	// not busy and not expired, newest first.
	ListAvailable(ctx context.Context, limit int) ([]*domain.PresenceRecord, error)
}
