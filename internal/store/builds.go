package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const buildColumns = `id, platform, status, source_path, certs_path, result_path,
	worker_id, access_token, vm_token, vm_token_expires_at,
	otp, otp_consumed, otp_expires_at,
	submitted_at, started_at, completed_at, last_heartbeat_at, swept_at,
	error_message, retry_of`

// InsertBuild inserts a new build row.
func (s *Store) InsertBuild(ctx context.Context, txOrNil *sql.Tx, b *Build) error {
	_, err := s.q(txOrNil).ExecContext(ctx, `
		INSERT INTO builds (id, platform, status, source_path, certs_path, result_path,
			worker_id, access_token, vm_token, vm_token_expires_at,
			otp, otp_consumed, otp_expires_at,
			submitted_at, started_at, completed_at, last_heartbeat_at, swept_at,
			error_message, retry_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Platform, b.Status, b.SourcePath, b.CertsPath, b.ResultPath,
		b.WorkerID, b.AccessToken, b.VMToken, toNanoPtr(b.VMTokenExpiresAt),
		b.OTP, boolToInt(b.OTPConsumed), toNanoPtr(b.OTPExpiresAt),
		toNano(b.SubmittedAt), toNanoPtr(b.StartedAt), toNanoPtr(b.CompletedAt),
		toNanoPtr(b.LastHeartbeatAt), toNanoPtr(b.SweptAt),
		b.ErrorMessage, b.RetryOf,
	)
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}
	return nil
}

// GetBuild loads one build by id.
func (s *Store) GetBuild(ctx context.Context, txOrNil *sql.Tx, id string) (*Build, error) {
	row := s.q(txOrNil).QueryRowContext(ctx,
		"SELECT "+buildColumns+" FROM builds WHERE id = ?", id)
	return scanBuild(row)
}

// GetBuildByOTP loads the build currently holding the given OTP.
func (s *Store) GetBuildByOTP(ctx context.Context, txOrNil *sql.Tx, otp string) (*Build, error) {
	row := s.q(txOrNil).QueryRowContext(ctx,
		"SELECT "+buildColumns+" FROM builds WHERE otp = ? AND otp != ''", otp)
	return scanBuild(row)
}

// BuildFilter narrows ListBuilds.
type BuildFilter struct {
	Status   BuildStatus
	Platform Platform
	WorkerID string
	Limit    int
}

// ListBuilds returns builds matching the filter, newest first, plus the total
// number of matches ignoring the limit.
func (s *Store) ListBuilds(ctx context.Context, txOrNil *sql.Tx, f BuildFilter) ([]*Build, int64, error) {
	where := " WHERE 1=1"
	args := []any{}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Platform != "" {
		where += " AND platform = ?"
		args = append(args, f.Platform)
	}
	if f.WorkerID != "" {
		where += " AND worker_id = ?"
		args = append(args, f.WorkerID)
	}

	var total int64
	if err := s.q(txOrNil).QueryRowContext(ctx,
		"SELECT COUNT(*) FROM builds"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count builds: %w", err)
	}

	query := "SELECT " + buildColumns + " FROM builds" + where + " ORDER BY submitted_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.q(txOrNil).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()

	builds, err := scanBuilds(rows)
	if err != nil {
		return nil, 0, err
	}
	return builds, total, nil
}

// PendingBuildIDs returns the ids of all pending builds in FIFO order.
// Used to rebuild the dispatch queue hint on startup.
func (s *Store) PendingBuildIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM builds WHERE status = ? ORDER BY submitted_at, id", StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending builds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending build: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkBuildBuilding flips an assigned build to building. The status guard
// makes the update a no-row match when a concurrent writer already moved the
// build on; callers decide inside their transaction whether that is an error.
func (s *Store) MarkBuildBuilding(ctx context.Context, txOrNil *sql.Tx, id string) error {
	return s.execOne(ctx, txOrNil,
		"UPDATE builds SET status = ? WHERE id = ? AND status = ?",
		StatusBuilding, id, StatusAssigned)
}

// MarkBuildCompleted records the terminal completed state and the result blob.
// Only an active assignment can complete; a row already terminal is untouched
// and the call returns ErrNotFound.
func (s *Store) MarkBuildCompleted(ctx context.Context, txOrNil *sql.Tx, id, resultPath string, at time.Time) error {
	return s.execOne(ctx, txOrNil, `
		UPDATE builds SET status = ?, result_path = ?, completed_at = ?, error_message = ''
		WHERE id = ? AND status IN (?, ?)`,
		StatusCompleted, resultPath, toNano(at), id, StatusAssigned, StatusBuilding)
}

// MarkBuildFailed records the terminal failed state. A row already terminal
// is untouched and the call returns ErrNotFound.
func (s *Store) MarkBuildFailed(ctx context.Context, txOrNil *sql.Tx, id, errorMessage string, at time.Time) error {
	return s.execOne(ctx, txOrNil, `
		UPDATE builds SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		StatusFailed, errorMessage, toNano(at), id, StatusPending, StatusAssigned, StatusBuilding)
}

// MarkBuildCancelled records the terminal cancelled state. A row already
// terminal is untouched and the call returns ErrNotFound.
func (s *Store) MarkBuildCancelled(ctx context.Context, txOrNil *sql.Tx, id string, at time.Time) error {
	return s.execOne(ctx, txOrNil, `
		UPDATE builds SET status = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		StatusCancelled, toNano(at), id, StatusPending, StatusAssigned, StatusBuilding)
}

// RecordHeartbeat updates the liveness timestamp.
func (s *Store) RecordHeartbeat(ctx context.Context, txOrNil *sql.Tx, id string, at time.Time) error {
	return s.execOne(ctx, txOrNil,
		"UPDATE builds SET last_heartbeat_at = ? WHERE id = ?", toNano(at), id)
}

// ConsumeOTP atomically consumes the OTP on a build and installs the VM token.
// Returns ErrNotFound when no unconsumed matching OTP exists; the caller
// distinguishes unknown from reused from expired by loading the row first.
func (s *Store) ConsumeOTP(ctx context.Context, txOrNil *sql.Tx, buildID, vmToken string, expiresAt, now time.Time) error {
	res, err := s.q(txOrNil).ExecContext(ctx, `
		UPDATE builds SET otp_consumed = 1, vm_token = ?, vm_token_expires_at = ?
		WHERE id = ? AND otp != '' AND otp_consumed = 0 AND otp_expires_at > ?`,
		vmToken, toNano(expiresAt), buildID, toNano(now))
	if err != nil {
		return fmt.Errorf("consume otp: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume otp: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStuckBuilds returns assigned/building builds that have either never
// heartbeated within the grace period or whose last heartbeat is older than
// the heartbeat deadline.
func (s *Store) ListStuckBuilds(ctx context.Context, heartbeatCutoff, graceCutoff time.Time) ([]*Build, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+buildColumns+` FROM builds
		WHERE status IN (?, ?)
		  AND (
			(last_heartbeat_at IS NULL AND started_at IS NOT NULL AND started_at <= ?)
			OR (last_heartbeat_at IS NOT NULL AND last_heartbeat_at <= ?)
		  )
		ORDER BY submitted_at, id`,
		StatusAssigned, StatusBuilding, toNano(graceCutoff), toNano(heartbeatCutoff))
	if err != nil {
		return nil, fmt.Errorf("query stuck builds: %w", err)
	}
	defer rows.Close()

	return scanBuilds(rows)
}

// ListSweepableBuilds returns terminal builds whose retention window elapsed
// and whose blobs have not been swept yet.
func (s *Store) ListSweepableBuilds(ctx context.Context, cutoff time.Time) ([]*Build, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+buildColumns+` FROM builds
		WHERE status IN (?, ?, ?)
		  AND swept_at IS NULL
		  AND completed_at IS NOT NULL AND completed_at <= ?
		ORDER BY completed_at, id`,
		StatusCompleted, StatusFailed, StatusCancelled, toNano(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query sweepable builds: %w", err)
	}
	defer rows.Close()

	return scanBuilds(rows)
}

// MarkBuildSwept records that a build's blobs were removed by retention.
func (s *Store) MarkBuildSwept(ctx context.Context, txOrNil *sql.Tx, id string, at time.Time) error {
	return s.execOne(ctx, txOrNil,
		"UPDATE builds SET swept_at = ? WHERE id = ?", toNano(at), id)
}

// LinkRetry records the retries(parent, child) relation.
func (s *Store) LinkRetry(ctx context.Context, txOrNil *sql.Tx, parentID, childID string) error {
	_, err := s.q(txOrNil).ExecContext(ctx,
		"INSERT INTO retries (parent_id, child_id) VALUES (?, ?)", parentID, childID)
	if err != nil {
		return fmt.Errorf("link retry: %w", err)
	}
	return nil
}

// RetryChildren returns the ids of builds retried from the given parent.
func (s *Store) RetryChildren(ctx context.Context, parentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT child_id FROM retries WHERE parent_id = ? ORDER BY child_id", parentID)
	if err != nil {
		return nil, fmt.Errorf("query retries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan retry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats aggregates the public stats snapshot. A worker counts as online when
// seen within onlineWindow.
func (s *Store) Stats(ctx context.Context, now time.Time, onlineWindow time.Duration) (*Stats, error) {
	st := &Stats{}

	seenCutoff := toNano(now.Add(-onlineWindow))
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workers WHERE status != ? AND last_seen_at >= ?",
		WorkerOffline, seenCutoff).Scan(&st.NodesOnline); err != nil {
		return nil, fmt.Errorf("count online workers: %w", err)
	}

	dayStart := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = ?),
			COUNT(*) FILTER (WHERE status IN (?, ?)),
			COUNT(*) FILTER (WHERE submitted_at >= ?),
			COUNT(*)
		FROM builds`,
		StatusPending, StatusAssigned, StatusBuilding, toNano(dayStart))
	if err := row.Scan(&st.BuildsQueued, &st.ActiveBuilds, &st.BuildsToday, &st.TotalBuilds); err != nil {
		return nil, fmt.Errorf("aggregate build stats: %w", err)
	}

	return st, nil
}

func (s *Store) execOne(ctx context.Context, txOrNil *sql.Tx, query string, args ...any) error {
	res, err := s.q(txOrNil).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuildRow(sc rowScanner) (*Build, error) {
	var (
		b                                  Build
		otpConsumed                        int
		vmExp, otpExp                      sql.NullInt64
		submitted                          int64
		started, completed, heartbeat, swp sql.NullInt64
	)
	err := sc.Scan(
		&b.ID, &b.Platform, &b.Status, &b.SourcePath, &b.CertsPath, &b.ResultPath,
		&b.WorkerID, &b.AccessToken, &b.VMToken, &vmExp,
		&b.OTP, &otpConsumed, &otpExp,
		&submitted, &started, &completed, &heartbeat, &swp,
		&b.ErrorMessage, &b.RetryOf,
	)
	if err != nil {
		return nil, err
	}
	b.OTPConsumed = otpConsumed != 0
	b.VMTokenExpiresAt = fromNanoPtr(vmExp)
	b.OTPExpiresAt = fromNanoPtr(otpExp)
	b.SubmittedAt = fromNano(submitted)
	b.StartedAt = fromNanoPtr(started)
	b.CompletedAt = fromNanoPtr(completed)
	b.LastHeartbeatAt = fromNanoPtr(heartbeat)
	b.SweptAt = fromNanoPtr(swp)
	return &b, nil
}

func scanBuild(row *sql.Row) (*Build, error) {
	b, err := scanBuildRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan build: %w", err)
	}
	return b, nil
}

func scanBuilds(rows *sql.Rows) ([]*Build, error) {
	var builds []*Build
	for rows.Next() {
		b, err := scanBuildRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate builds: %w", err)
	}
	return builds, nil
}
