package domain

import "time"

// Identity is an ephemeral numeric handle used to address a peer for the
// duration of its TTL. Exactly one non-expired Identity may be bound to a
// local session at a time.
type Identity struct {
	Number      string    `json:"number"`
	AllocatedAt time.Time `json:"allocated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the identity's TTL has elapsed at the given instant.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.After(now)
}

// PresenceRecord is the shared-directory row for one allocated number.
// Number is the uniqueness key. Records expire passively: expiry is checked
// at read time, there is no active eviction.
type PresenceRecord struct {
	Number           string    `json:"number"`
	PeerConnectionID *string   `json:"peer_connection_id,omitempty"`
	IsOnline         bool      `json:"is_online"`
	IsBusy           bool      `json:"is_busy"`
	BusyWith         *string   `json:"busy_with,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	LastSeen         time.Time `json:"last_seen"`
}

// Expired reports whether the record's TTL has elapsed at the given instant.
func (r *PresenceRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
