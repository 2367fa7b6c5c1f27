package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ClaimParams carries the fresh credentials minted for a claim attempt.
// Tokens are minted before the transaction begins so no crypto runs under
// the write lock.
type ClaimParams struct {
	WorkerID       string
	OTP            string
	OTPExpiresAt   time.Time
	NewWorkerToken string
	Now            time.Time
}

// ClaimedBuild is the durable outcome of a successful claim.
type ClaimedBuild struct {
	Build      *Build
	WorkerName string
}

// ClaimOldestPending atomically assigns the oldest pending build to the
// polling worker. Candidate selection, assignment, OTP install, worker token
// rotation, and the audit log line all commit as one transaction, so a claim
// observed by the caller is always durable.
//
// Returns (nil, nil) when the worker already holds a build or no pending
// build exists. Two concurrent pollers can never claim the same build: the
// immediate transaction holds the write lock across the selection UPDATE.
func (s *Store) ClaimOldestPending(ctx context.Context, p ClaimParams) (*ClaimedBuild, error) {
	var claimed *ClaimedBuild

	err := s.WithTx(ctx, nil, func(tx *sql.Tx) error {
		worker, err := s.GetWorker(ctx, tx, p.WorkerID)
		if err != nil {
			return err
		}
		// An existing assignment takes priority over handing out new work.
		if worker.Status == WorkerBuilding {
			return s.TouchWorker(ctx, tx, worker.ID, p.Now)
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE builds SET status = ?, worker_id = ?, started_at = ?,
				otp = ?, otp_consumed = 0, otp_expires_at = ?,
				vm_token = '', vm_token_expires_at = NULL
			WHERE id = (
				SELECT id FROM builds WHERE status = ?
				ORDER BY submitted_at, id LIMIT 1
			)
			RETURNING `+buildColumns,
			StatusAssigned, p.WorkerID, toNano(p.Now),
			p.OTP, toNano(p.OTPExpiresAt),
			StatusPending)

		build, err := scanBuildRow(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Queue empty; refresh liveness and commit.
				return s.TouchWorker(ctx, tx, worker.ID, p.Now)
			}
			return fmt.Errorf("claim pending build: %w", err)
		}

		if err := s.SetWorkerStatus(ctx, tx, worker.ID, WorkerBuilding); err != nil {
			return err
		}
		if err := s.RotateWorkerToken(ctx, tx, worker.ID, p.NewWorkerToken, p.Now); err != nil {
			return err
		}
		if err := s.AppendLog(ctx, tx, build.ID, LogInfo,
			fmt.Sprintf("Build assigned to worker %s", worker.DisplayName), p.Now); err != nil {
			return err
		}

		claimed = &ClaimedBuild{Build: build, WorkerName: worker.DisplayName}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}
