package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/chatbip/chatbip/internal/directory/domain"
	"github.com/chatbip/chatbip/internal/directory/repository"
	"github.com/chatbip/chatbip/internal/identity/store"
)

// cacheKey is where the allocated number is cached in the local store.
const cacheKey = "chatbip_temporary_number"

// DefaultMaxAttempts bounds how many candidate numbers the allocator tries
// before giving up with domain.ErrAllocationExhausted.
const DefaultMaxAttempts = 10

// cacheEntry is the JSON value persisted in the local store.
type cacheEntry struct {
	Number  string    `json:"number"`
	SavedAt time.Time `json:"saved_at"`
}

// Allocator obtains, validates or creates a short-lived numeric identity
// against the shared directory, with a local cache across restarts.
type Allocator struct {
	directory   repository.DirectoryRepository
	cache       store.Store
	logger      *slog.Logger
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
}

func NewAllocator(directory repository.DirectoryRepository, cache store.Store, ttl time.Duration, logger *slog.Logger) *Allocator {
	return &Allocator{
		directory:   directory,
		cache:       cache,
		logger:      logger.With("component", "identity_allocator"),
		ttl:         ttl,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
}

// SetMaxAttempts overrides the allocation retry budget used by Initialize.
func (a *Allocator) SetMaxAttempts(n int) {
	if n > 0 {
		a.maxAttempts = n
	}
}

// GenerateCandidate returns a uniformly random 5-digit number in
// [10000, 99999]. Pure, no I/O.
func GenerateCandidate() string {
	return strconv.Itoa(10000 + rand.Intn(90000))
}

// tryRegister attempts an atomic create-if-absent in the shared directory.
// A taken number is not an error: it returns (nil, nil) so the caller draws
// another candidate.
func (a *Allocator) tryRegister(ctx context.Context, candidate string) (*domain.PresenceRecord, error) {
	rec, err := a.directory.CreateIfAbsent(ctx, candidate, a.now().Add(a.ttl))
	if err != nil {
		if errors.Is(err, domain.ErrNumberTaken) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// GenerateUnique draws candidates until one registers, up to maxAttempts.
func (a *Allocator) GenerateUnique(ctx context.Context, maxAttempts int) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		candidate := GenerateCandidate()
		allocationAttemptsCounter.Inc()

		rec, err := a.tryRegister(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to register candidate number: %w", err)
		}
		if rec != nil {
			a.logger.InfoContext(ctx, "Allocated unique number", "number", rec.Number, "attempt", i+1)
			return rec.Number, nil
		}
		a.logger.DebugContext(ctx, "Candidate number taken, retrying", "number", candidate, "attempt", i+1)
	}
	allocationExhaustedCounter.Inc()
	return "", domain.ErrAllocationExhausted
}

// Validate reports whether number exists in the directory and has not
// expired. Lookup failures count as invalid, never as fatal.
func (a *Allocator) Validate(ctx context.Context, number string) bool {
	rec, err := a.directory.GetByNumber(ctx, number)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			a.logger.WarnContext(ctx, "Number validation lookup failed", "number", number, "error", err)
		}
		return false
	}
	return !rec.Expired(a.now())
}

// Initialize resolves the local identity: reuse a cached number when it is
// still valid, otherwise clear the cache and allocate a fresh one.
func (a *Allocator) Initialize(ctx context.Context) (string, error) {
	if cached := a.cachedNumber(); cached != "" {
		if a.Validate(ctx, cached) {
			a.logger.InfoContext(ctx, "Reusing cached number", "number", cached)
			return cached, nil
		}
		a.logger.InfoContext(ctx, "Cached number expired or unknown, allocating a new one", "number", cached)
		if err := a.cache.Remove(cacheKey); err != nil {
			a.logger.WarnContext(ctx, "Failed to clear cached number", "error", err)
		}
	}

	number, err := a.GenerateUnique(ctx, a.maxAttempts)
	if err != nil {
		return "", err
	}
	a.persistNumber(number)
	return number, nil
}

func (a *Allocator) cachedNumber() string {
	raw, err := a.cache.Get(cacheKey)
	if err != nil {
		a.logger.Warn("Failed to read number cache", "error", err)
		return ""
	}
	if raw == "" {
		return ""
	}
	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		a.logger.Warn("Corrupt number cache entry, ignoring", "error", err)
		return ""
	}
	return entry.Number
}

func (a *Allocator) persistNumber(number string) {
	raw, err := json.Marshal(cacheEntry{Number: number, SavedAt: a.now().UTC()})
	if err != nil {
		return
	}
	if err := a.cache.Set(cacheKey, string(raw)); err != nil {
		// Cache persistence is best-effort; the number is already registered.
		a.logger.Warn("Failed to persist number cache", "number", number, "error", err)
	}
}
