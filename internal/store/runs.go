package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ivis-project/taskd/internal/model"
)

const runColumns = `id, job_id, status, output, started_at, finished_at`

func scanRun(row scanner) (model.Run, error) {
	var (
		r                 model.Run
		started, finished sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.JobID, &r.Status, &r.Output, &started, &finished); err != nil {
		return model.Run{}, err
	}
	r.StartedAt = fromMillis(started)
	r.FinishedAt = fromMillis(finished)
	return r, nil
}

// CreateRun inserts a SCHEDULED run of job.
func (s *Store) CreateRun(ctx context.Context, jobID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs (job_id, status) VALUES (?, ?)`, jobID, model.RunScheduled)
	if err != nil {
		return 0, fmt.Errorf("executing sql insert failed: %w", err)
	}
	return res.LastInsertId()
}

// GetRun returns the run identified by id or model.ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id int64) (model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id=?`, id)
	r, err := scanRun(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Run{}, fmt.Errorf("run %d: %w", id, model.ErrNotFound)
	case err != nil:
		return model.Run{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

// ListRuns returns runs in any of the given statuses.
func (s *Store) ListRuns(ctx context.Context, statuses ...model.RunStatus) ([]model.Run, error) {
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SetRunStatus moves a run to status and appends output to its output.
// started_at is set on RUNNING and finished_at on a terminal status.
// Moves which are not allowed by model.CheckRunTransition fail with
// model.ErrInvalidTransition and leave the row untouched.
func (s *Store) SetRunStatus(ctx context.Context, id int64, to model.RunStatus, output string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var from model.RunStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM job_runs WHERE id=?`, id).Scan(&from)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("run %d: %w", id, model.ErrNotFound)
		case err != nil:
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		if err := model.CheckRunTransition(from, to); err != nil {
			return fmt.Errorf("run %d: %w", id, err)
		}

		now := s.now()
		var started, finished *time.Time
		if to == model.RunRunning {
			started = &now
		}
		if to.Terminal() {
			finished = &now
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE job_runs SET
				status = ?,
				output = output || ?,
				started_at = COALESCE(?, started_at),
				finished_at = COALESCE(?, finished_at)
			WHERE id = ?`,
			to, output, millis(started), millis(finished), id,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		return nil
	})
}

// AppendRunOutput appends text to the output of a non-terminal run.
// Output of finished runs is frozen, appending to it returns
// model.ErrInvalidTransition.
func (s *Store) AppendRunOutput(ctx context.Context, id int64, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET output = output || ? WHERE id=? AND status NOT IN (?, ?)`,
		text, id, model.RunSuccess, model.RunFailed)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("run %d is finished: %w", id, model.ErrInvalidTransition)
	}
	return nil
}

// DeleteFinishedRuns permanently deletes SUCCESS and FAILED runs which
// finished before cutoff and returns how many were deleted.
func (s *Store) DeleteFinishedRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_runs WHERE status IN (?, ?) AND finished_at < ?`,
		model.RunSuccess, model.RunFailed, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("executing sql delete failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	return n, nil
}

// Now returns the store clock. The retention sweep uses it so that tests
// can move time.
func (s *Store) Now() time.Time {
	return s.now()
}
