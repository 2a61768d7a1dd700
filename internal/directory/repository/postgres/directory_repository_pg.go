package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/chatbip/chatbip/internal/directory/domain"
	"github.com/chatbip/chatbip/internal/directory/repository"
)

// pgUniqueViolation is the PostgreSQL error code for unique constraint violations.
const pgUniqueViolation = "23505"

// PgxPool is the subset of pgxpool.Pool used by the repository. Narrow on
// purpose so tests can substitute a pgxmock pool.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgDirectoryRepository struct {
	db     PgxPool
	logger *slog.Logger
}

func NewPgDirectoryRepository(db PgxPool, logger *slog.Logger) repository.DirectoryRepository {
	return &PgDirectoryRepository{db: db, logger: logger.With("component", "directory_repository_pg")}
}

// scanRecord scans a single presence row.
func scanRecord(row pgx.Row) (*domain.PresenceRecord, error) {
	var rec domain.PresenceRecord
	err := row.Scan(
		&rec.Number,
		&rec.PeerConnectionID,
		&rec.IsOnline,
		&rec.IsBusy,
		&rec.BusyWith,
		&rec.CreatedAt,
		&rec.ExpiresAt,
		&rec.LastSeen,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *PgDirectoryRepository) CreateIfAbsent(ctx context.Context, number string, expiresAt time.Time) (*domain.PresenceRecord, error) {
	query := `
		INSERT INTO temporary_numbers (number, is_online, is_busy, created_at, expires_at, last_seen)
		VALUES ($1, FALSE, FALSE, $2, $3, $2)
		RETURNING number, peer_connection_id, is_online, is_busy, busy_with, created_at, expires_at, last_seen
	`
	now := time.Now().UTC()
	rec, err := scanRecord(r.db.QueryRow(ctx, query, number, now, expiresAt.UTC()))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			r.logger.DebugContext(ctx, "Number already registered", "number", number)
			return nil, domain.ErrNumberTaken
		}
		r.logger.ErrorContext(ctx, "Error inserting number", "error", err, "number", number)
		return nil, err
	}
	r.logger.InfoContext(ctx, "Number registered", "number", number, "expires_at", rec.ExpiresAt)
	return rec, nil
}

func (r *PgDirectoryRepository) GetByNumber(ctx context.Context, number string) (*domain.PresenceRecord, error) {
	query := `
		SELECT number, peer_connection_id, is_online, is_busy, busy_with, created_at, expires_at, last_seen
		FROM temporary_numbers
		WHERE number = $1
	`
	rec, err := scanRecord(r.db.QueryRow(ctx, query, number))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting number", "error", err, "number", number)
		return nil, err
	}
	return rec, nil
}

func (r *PgDirectoryRepository) SetOnline(ctx context.Context, number string, online bool, peerConnectionID *string) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if peerConnectionID != nil {
		query := `
			UPDATE temporary_numbers
			SET is_online = $1, peer_connection_id = $2, last_seen = $3
			WHERE number = $4
		`
		tag, err = r.db.Exec(ctx, query, online, *peerConnectionID, time.Now().UTC(), number)
	} else {
		query := `
			UPDATE temporary_numbers
			SET is_online = $1, last_seen = $2
			WHERE number = $3
		`
		tag, err = r.db.Exec(ctx, query, online, time.Now().UTC(), number)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating online status", "error", err, "number", number)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Number not found for online update", "number", number)
		return domain.ErrNotFound
	}
	r.logger.InfoContext(ctx, "Online status updated", "number", number, "is_online", online)
	return nil
}

func (r *PgDirectoryRepository) SetBusy(ctx context.Context, number string, busy bool, busyWith *string) error {
	if !busy {
		busyWith = nil
	}
	query := `
		UPDATE temporary_numbers
		SET is_busy = $1, busy_with = $2, last_seen = $3
		WHERE number = $4
	`
	tag, err := r.db.Exec(ctx, query, busy, busyWith, time.Now().UTC(), number)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating busy status", "error", err, "number", number)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Number not found for busy update", "number", number)
		return domain.ErrNotFound
	}
	return nil
}

func (r *PgDirectoryRepository) TouchLastSeen(ctx context.Context, number string) error {
	query := `UPDATE temporary_numbers SET last_seen = $1 WHERE number = $2`
	tag, err := r.db.Exec(ctx, query, time.Now().UTC(), number)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error touching last_seen", "error", err, "number", number)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PgDirectoryRepository) ListAvailable(ctx context.Context, limit int) ([]*domain.PresenceRecord, error) {
	query := `
		SELECT number, peer_connection_id, is_online, is_busy, busy_with, created_at, expires_at, last_seen
		FROM temporary_numbers
		WHERE is_online = TRUE AND is_busy = FALSE AND expires_at > NOW()
		ORDER BY last_seen DESC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing available numbers", "error", err)
		return nil, err
	}
	defer rows.Close()

	var records []*domain.PresenceRecord
	for rows.Next() {
		rec := &domain.PresenceRecord{}
		if err := rows.Scan(
			&rec.Number,
			&rec.PeerConnectionID,
			&rec.IsOnline,
			&rec.IsBusy,
			&rec.BusyWith,
			&rec.CreatedAt,
			&rec.ExpiresAt,
			&rec.LastSeen,
		); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning presence row", "error", err)
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating presence rows", "error", err)
		return nil, err
	}
	return records, nil
}
