package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendLog appends one log line for a build.
func (s *Store) AppendLog(ctx context.Context, txOrNil *sql.Tx, buildID string, level LogLevel, message string, at time.Time) error {
	_, err := s.q(txOrNil).ExecContext(ctx,
		"INSERT INTO build_logs (build_id, ts, level, message) VALUES (?, ?, ?, ?)",
		buildID, toNano(at), level, message)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// AppendLogsBatch appends several log lines in one transaction, preserving
// their order.
func (s *Store) AppendLogsBatch(ctx context.Context, buildID string, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.WithTx(ctx, nil, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO build_logs (build_id, ts, level, message) VALUES (?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("prepare log insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx, buildID, toNano(e.Timestamp), e.Level, e.Message); err != nil {
				return fmt.Errorf("append log batch: %w", err)
			}
		}
		return nil
	})
}

// ListLogs returns a build's log lines in append order. limit <= 0 returns all.
func (s *Store) ListLogs(ctx context.Context, buildID string, limit int) ([]LogEntry, error) {
	query := "SELECT build_id, ts, level, message FROM build_logs WHERE build_id = ? ORDER BY ts, id"
	args := []any{buildID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			e  LogEntry
			ts int64
		)
		if err := rows.Scan(&e.BuildID, &ts, &e.Level, &e.Message); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Timestamp = fromNano(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendCpuSnapshot appends one telemetry sample for a build.
func (s *Store) AppendCpuSnapshot(ctx context.Context, txOrNil *sql.Tx, snap *CpuSnapshot) error {
	_, err := s.q(txOrNil).ExecContext(ctx,
		"INSERT INTO cpu_snapshots (build_id, ts, cpu_percent, memory_mb) VALUES (?, ?, ?, ?)",
		snap.BuildID, toNano(snap.Timestamp), snap.CpuPercent, snap.MemoryMB)
	if err != nil {
		return fmt.Errorf("append cpu snapshot: %w", err)
	}
	return nil
}

// ListCpuSnapshots returns telemetry samples for a build in time order.
func (s *Store) ListCpuSnapshots(ctx context.Context, buildID string) ([]CpuSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT build_id, ts, cpu_percent, memory_mb FROM cpu_snapshots WHERE build_id = ? ORDER BY ts, id",
		buildID)
	if err != nil {
		return nil, fmt.Errorf("query cpu snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []CpuSnapshot
	for rows.Next() {
		var (
			s  CpuSnapshot
			ts int64
		)
		if err := rows.Scan(&s.BuildID, &ts, &s.CpuPercent, &s.MemoryMB); err != nil {
			return nil, fmt.Errorf("scan cpu snapshot: %w", err)
		}
		s.Timestamp = fromNano(ts)
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}
