package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"mediq/queue-service/internal/models"
	"mediq/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queueNumberPad = 3

const entryColumns = "queue_number, entry_id, user_id, facility_id, position, priority, status, estimated_wait_seconds, called_at, completed_at, created_at, updated_at, version"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetEntry(ctx context.Context, queueNumber string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE queue_number = $1
	`, queueNumber)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, asStoreError(err)
	}
	return entry, nil
}

func (s *Store) ActiveEntryForUser(ctx context.Context, userID, facilityID string) (models.QueueEntry, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE user_id = $1 AND facility_id = $2 AND status IN ('waiting', 'called')
	`, userID, facilityID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, asStoreError(err)
	}
	return entry, true, nil
}

// ListWaiting reads the facility's queue version before the rows. If another
// batch commits in between, the snapshot is newer than the version and the
// caller's fence fails on Apply; a stale snapshot can never pass the fence.
func (s *Store) ListWaiting(ctx context.Context, facilityID string) ([]models.QueueEntry, int64, error) {
	var version int64
	row := s.pool.QueryRow(ctx, `
		SELECT queue_version
		FROM facilities
		WHERE facility_id = $1
	`, facilityID)
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, store.ErrFacilityNotFound
		}
		return nil, 0, asStoreError(err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE facility_id = $1 AND status = 'waiting'
		ORDER BY position ASC
	`, facilityID)
	if err != nil {
		return nil, 0, asStoreError(err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, 0, asStoreError(err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, asStoreError(err)
	}
	return entries, version, nil
}

func (s *Store) CountWaiting(ctx context.Context, facilityID string) (int, error) {
	query := `SELECT COUNT(1) FROM queue_entries WHERE status = 'waiting'`
	args := []interface{}{}
	if facilityID != "" {
		query += " AND facility_id = $1"
		args = append(args, facilityID)
	}
	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, asStoreError(err)
	}
	return count, nil
}

func (s *Store) GetFacility(ctx context.Context, facilityID string) (models.Facility, error) {
	var facility models.Facility
	row := s.pool.QueryRow(ctx, `
		SELECT facility_id, code, name
		FROM facilities
		WHERE facility_id = $1
	`, facilityID)
	if err := row.Scan(&facility.FacilityID, &facility.Code, &facility.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Facility{}, store.ErrFacilityNotFound
		}
		return models.Facility{}, asStoreError(err)
	}
	return facility, nil
}

// NextQueueNumber allocates from a per-facility counter row. The counter only
// moves forward, so a number is never handed out twice even across restarts
// or concurrent instances.
func (s *Store) NextQueueNumber(ctx context.Context, facilityID string) (string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", asStoreError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var code string
	row := tx.QueryRow(ctx, `
		SELECT code
		FROM facilities
		WHERE facility_id = $1
	`, facilityID)
	if err = row.Scan(&code); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrFacilityNotFound
		}
		return "", asStoreError(err)
	}

	var next int64
	row = tx.QueryRow(ctx, `
		INSERT INTO queue_sequences (facility_id, next_number)
		VALUES ($1, 1)
		ON CONFLICT (facility_id)
		DO UPDATE SET next_number = queue_sequences.next_number + 1
		RETURNING next_number
	`, facilityID)
	if err = row.Scan(&next); err != nil {
		return "", asStoreError(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return "", asStoreError(err)
	}
	return fmt.Sprintf("%s-%0*d", code, queueNumberPad, next), nil
}

// Apply writes the batch in a single transaction. Fences and per-entry
// version guards both abort the whole batch with ErrStaleEntry, so no
// partial renumbering is ever visible and no batch lands on a facility
// snapshot another writer has since changed.
func (s *Store) Apply(ctx context.Context, batch store.Batch) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return asStoreError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, f := range batch.Fences {
		var tag pgconn.CommandTag
		tag, err = tx.Exec(ctx, `
			UPDATE facilities
			SET queue_version = queue_version + 1
			WHERE facility_id = $1 AND queue_version = $2
		`, f.FacilityID, f.ExpectedVersion)
		if err != nil {
			err = asStoreError(err)
			return err
		}
		if tag.RowsAffected() == 0 {
			err = store.ErrStaleEntry
			return err
		}
	}

	for _, w := range batch.Writes {
		if w.Insert {
			err = insertEntry(ctx, tx, w.Entry)
		} else {
			err = updateEntry(ctx, tx, w.Entry, w.ExpectedVersion)
		}
		if err != nil {
			return err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return asStoreError(err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, entry models.QueueEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO queue_entries (
			queue_number, entry_id, user_id, facility_id, position, priority, status,
			estimated_wait_seconds, called_at, completed_at, created_at, updated_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1)
	`, entry.QueueNumber, entry.EntryID, entry.UserID, entry.FacilityID, entry.Position,
		entry.Priority, entry.Status, entry.EstimatedWaitSeconds, entry.CalledAt,
		entry.CompletedAt, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return asStoreError(err)
	}
	return nil
}

func updateEntry(ctx context.Context, tx pgx.Tx, entry models.QueueEntry, expectedVersion int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE queue_entries
		SET position = $1,
			priority = $2,
			status = $3,
			estimated_wait_seconds = $4,
			called_at = $5,
			completed_at = $6,
			updated_at = $7,
			version = version + 1
		WHERE queue_number = $8 AND version = $9
	`, entry.Position, entry.Priority, entry.Status, entry.EstimatedWaitSeconds,
		entry.CalledAt, entry.CompletedAt, entry.UpdatedAt, entry.QueueNumber, expectedVersion)
	if err != nil {
		return asStoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrStaleEntry
	}
	return nil
}

func (s *Store) IncrementDaily(ctx context.Context, day, facilityID string, waitSeconds, serviceSeconds int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daily_statistics (day, facility_id, total_served, total_wait_seconds, total_service_seconds)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (day, facility_id)
		DO UPDATE SET total_served = daily_statistics.total_served + 1,
			total_wait_seconds = daily_statistics.total_wait_seconds + EXCLUDED.total_wait_seconds,
			total_service_seconds = daily_statistics.total_service_seconds + EXCLUDED.total_service_seconds
	`, day, facilityID, waitSeconds, serviceSeconds)
	if err != nil {
		return asStoreError(err)
	}
	return nil
}

func (s *Store) GetDaily(ctx context.Context, day, facilityID string) (store.DailyStatistics, bool, error) {
	if facilityID != "" {
		stats := store.DailyStatistics{Day: day, FacilityID: facilityID}
		row := s.pool.QueryRow(ctx, `
			SELECT total_served, total_wait_seconds, total_service_seconds
			FROM daily_statistics
			WHERE day = $1 AND facility_id = $2
		`, day, facilityID)
		if err := row.Scan(&stats.TotalServed, &stats.TotalWaitSeconds, &stats.TotalServiceSeconds); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.DailyStatistics{}, false, nil
			}
			return store.DailyStatistics{}, false, asStoreError(err)
		}
		return stats, true, nil
	}

	stats := store.DailyStatistics{Day: day}
	var rows int64
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(1),
			COALESCE(SUM(total_served), 0),
			COALESCE(SUM(total_wait_seconds), 0),
			COALESCE(SUM(total_service_seconds), 0)
		FROM daily_statistics
		WHERE day = $1
	`, day)
	if err := row.Scan(&rows, &stats.TotalServed, &stats.TotalWaitSeconds, &stats.TotalServiceSeconds); err != nil {
		return store.DailyStatistics{}, false, asStoreError(err)
	}
	return stats, rows > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var calledAtNull sql.NullTime
	var completedAtNull sql.NullTime
	if err := row.Scan(&entry.QueueNumber, &entry.EntryID, &entry.UserID, &entry.FacilityID,
		&entry.Position, &entry.Priority, &entry.Status, &entry.EstimatedWaitSeconds,
		&calledAtNull, &completedAtNull, &entry.CreatedAt, &entry.UpdatedAt, &entry.Version); err != nil {
		return models.QueueEntry{}, err
	}
	entry.CalledAt = nullTimePtr(calledAtNull)
	entry.CompletedAt = nullTimePtr(completedAtNull)
	return entry, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

// asStoreError folds driver failures into the store taxonomy: unique
// violations on the active-entry index become ErrDuplicateActive, connection
// and shutdown failures become ErrUnavailable so callers can answer with a
// service-unavailable condition instead of retrying in the request path.
func asStoreError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return store.ErrDuplicateActive
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57"):
			return store.ErrUnavailable
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return store.ErrUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return store.ErrUnavailable
	}
	return err
}
