package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ivis-project/taskd/internal/model"
)

// CreateJob inserts job together with its signal set triggers.
func (s *Store) CreateJob(ctx context.Context, job model.Job) (int64, error) {
	params := job.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if !json.Valid(params) {
		return 0, errors.New("job params are not valid JSON")
	}
	if job.Schedule != "" {
		if _, err := model.ParseSchedule(job.Schedule); err != nil {
			return 0, fmt.Errorf("parsing job schedule: %w", err)
		}
	}

	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (name, task_id, params, schedule, enabled) VALUES (?, ?, ?, ?, ?)`,
			job.Name, job.TaskID, string(params), nullString(job.Schedule), job.Enabled,
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for _, cid := range job.Triggers {
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO job_triggers (job_id, signal_set_cid) VALUES (?, ?)`, id, cid)
			if err != nil {
				return fmt.Errorf("executing sql insert failed: %w", err)
			}
		}
		return nil
	})
	return id, err
}

const jobColumns = `id, name, task_id, params, state, schedule, enabled`

func scanJob(row scanner) (model.Job, error) {
	var (
		j        model.Job
		params   string
		state    sql.NullString
		schedule sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Name, &j.TaskID, &params, &state, &schedule, &j.Enabled); err != nil {
		return model.Job{}, err
	}
	j.Params = json.RawMessage(params)
	if state.Valid {
		j.State = json.RawMessage(state.String)
	}
	j.Schedule = schedule.String
	return j, nil
}

// GetJob returns the job with its triggers or model.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id int64) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Job{}, fmt.Errorf("job %d: %w", id, model.ErrNotFound)
	case err != nil:
		return model.Job{}, fmt.Errorf("executing sql query failed: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT signal_set_cid FROM job_triggers WHERE job_id=? ORDER BY signal_set_cid`, id)
	if err != nil {
		return model.Job{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return model.Job{}, err
		}
		j.Triggers = append(j.Triggers, cid)
	}
	return j, rows.Err()
}

// ListScheduledJobs returns enabled jobs that have a cron schedule.
func (s *Store) ListScheduledJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE enabled AND schedule IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MatchJobs returns the enabled jobs triggered by changes of the signal set
// cid.
func (s *Store) MatchJobs(ctx context.Context, cid string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT j.id FROM jobs j
		 JOIN job_triggers t ON t.job_id = j.id
		 WHERE j.enabled AND t.signal_set_cid=?
		 ORDER BY j.id`, cid)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveJobState stores the state a running task asked to persist.
func (s *Store) SaveJobState(ctx context.Context, id int64, state json.RawMessage) error {
	if !json.Valid(state) {
		return errors.New("job state is not valid JSON")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET state=? WHERE id=?`, string(state), id)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	return mustAffect(res, "job", id)
}

// JobState returns the persisted state of a job, nil when none was stored.
func (s *Store) JobState(ctx context.Context, id int64) (json.RawMessage, error) {
	var state sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id=?`, id).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("job %d: %w", id, model.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	if !state.Valid {
		return nil, nil
	}
	return json.RawMessage(state.String), nil
}

// DeleteJob removes the job with its triggers and runs.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	return mustAffect(res, "job", id)
}

// ListTaskJobs returns the ids of the jobs of task.
func (s *Store) ListTaskJobs(ctx context.Context, taskID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
