package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const workerColumns = `id, name, display_name, capabilities, status, access_token,
	completed_count, failed_count, first_seen_at, last_seen_at`

// InsertWorker inserts a newly registered worker.
func (s *Store) InsertWorker(ctx context.Context, txOrNil *sql.Tx, w *Worker) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.q(txOrNil).ExecContext(ctx, `
		INSERT INTO workers (id, name, display_name, capabilities, status, access_token,
			completed_count, failed_count, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.DisplayName, string(caps), w.Status, w.AccessToken,
		w.Completed, w.Failed, toNano(w.FirstSeenAt), toNano(w.LastSeenAt))
	if err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

// ReregisterWorker refreshes a known worker's name, capabilities, token, and
// last-seen time. Counters persist across re-registration.
func (s *Store) ReregisterWorker(ctx context.Context, txOrNil *sql.Tx, id, name, displayName string, capabilities []string, accessToken string, at time.Time) error {
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	return s.execOne(ctx, txOrNil, `
		UPDATE workers SET name = ?, display_name = ?, capabilities = ?, status = ?,
			access_token = ?, last_seen_at = ?
		WHERE id = ?`,
		name, displayName, string(caps), WorkerIdle, accessToken, toNano(at), id)
}

// GetWorker loads one worker by id.
func (s *Store) GetWorker(ctx context.Context, txOrNil *sql.Tx, id string) (*Worker, error) {
	row := s.q(txOrNil).QueryRowContext(ctx,
		"SELECT "+workerColumns+" FROM workers WHERE id = ?", id)
	w, err := scanWorker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all registered workers ordered by first-seen time.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+workerColumns+" FROM workers ORDER BY first_seen_at, id")
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// SetWorkerStatus updates a worker's status.
func (s *Store) SetWorkerStatus(ctx context.Context, txOrNil *sql.Tx, id string, status WorkerStatus) error {
	return s.execOne(ctx, txOrNil,
		"UPDATE workers SET status = ? WHERE id = ?", status, id)
}

// TouchWorker refreshes a worker's last-seen time.
func (s *Store) TouchWorker(ctx context.Context, txOrNil *sql.Tx, id string, at time.Time) error {
	return s.execOne(ctx, txOrNil,
		"UPDATE workers SET last_seen_at = ? WHERE id = ?", toNano(at), id)
}

// RotateWorkerToken installs a fresh worker token, invalidating the old one.
func (s *Store) RotateWorkerToken(ctx context.Context, txOrNil *sql.Tx, id, newToken string, at time.Time) error {
	return s.execOne(ctx, txOrNil,
		"UPDATE workers SET access_token = ?, last_seen_at = ? WHERE id = ?",
		newToken, toNano(at), id)
}

// ReleaseWorker flips a worker back to idle and bumps the requested counter.
// Completed and failed are mutually exclusive; both false releases without
// counting (cancellation).
func (s *Store) ReleaseWorker(ctx context.Context, txOrNil *sql.Tx, id string, completed, failed bool) error {
	query := "UPDATE workers SET status = ?"
	if completed {
		query += ", completed_count = completed_count + 1"
	}
	if failed {
		query += ", failed_count = failed_count + 1"
	}
	query += " WHERE id = ?"
	return s.execOne(ctx, txOrNil, query, WorkerIdle, id)
}

func scanWorker(sc rowScanner) (*Worker, error) {
	var (
		w                   Worker
		caps                string
		firstSeen, lastSeen int64
	)
	err := sc.Scan(&w.ID, &w.Name, &w.DisplayName, &caps, &w.Status, &w.AccessToken,
		&w.Completed, &w.Failed, &firstSeen, &lastSeen)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	w.FirstSeenAt = fromNano(firstSeen)
	w.LastSeenAt = fromNano(lastSeen)
	return &w, nil
}
