package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ivis-project/taskd/internal/model"
)

const taskColumns = `id, name, code, subtype, build_state, build_output, builtin, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (model.Task, error) {
	var (
		t       model.Task
		subtype sql.NullString
		output  sql.NullString
		updated int64
	)
	err := row.Scan(&t.ID, &t.Name, &t.Code, &subtype, &t.BuildState, &output, &t.Builtin, &updated)
	if err != nil {
		return model.Task{}, err
	}
	t.Subtype = subtype.String
	if output.Valid {
		var bo model.BuildOutput
		if err := json.Unmarshal([]byte(output.String), &bo); err != nil {
			return model.Task{}, fmt.Errorf("decoding build_output of task %d: %w", t.ID, err)
		}
		t.BuildOutput = &bo
	}
	t.UpdatedAt = *fromMillis(sql.NullInt64{Int64: updated, Valid: true})
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateTask inserts a user task in UNINITIALIZED state.
func (s *Store) CreateTask(ctx context.Context, name, subtype, code string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (name, code, subtype, build_state, updated_at) VALUES (?, ?, ?, ?, ?)`,
		name, code, nullString(subtype), model.BuildUninitialized, s.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql insert failed: %w", err)
	}
	return res.LastInsertId()
}

// UpsertBuiltinTask creates the built-in task called name or updates its
// code and subtype. A task whose code or subtype changed goes back to
// UNINITIALIZED so that it is rebuilt.
func (s *Store) UpsertBuiltinTask(ctx context.Context, name, subtype, code string) (id int64, changed bool, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE builtin AND name=?`, name)
		current, err := scanTask(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx,
				`INSERT INTO tasks (name, code, subtype, build_state, builtin, updated_at) VALUES (?, ?, ?, ?, true, ?)`,
				name, code, nullString(subtype), model.BuildUninitialized, s.now().UnixMilli(),
			)
			if err != nil {
				return fmt.Errorf("executing sql insert failed: %w", err)
			}
			id, err = res.LastInsertId()
			changed = true
			return err
		case err != nil:
			return fmt.Errorf("executing sql query failed: %w", err)
		}

		id = current.ID
		if current.Code == code && current.Subtype == subtype {
			return nil
		}
		changed = true
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET code=?, subtype=?, build_state=?, build_output=NULL, updated_at=? WHERE id=?`,
			code, nullString(subtype), model.BuildUninitialized, s.now().UnixMilli(), id,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		return nil
	})
	return id, changed, err
}

// UpdateTaskCode replaces the code of a task. The build state is left
// untouched, the caller decides whether to rebuild, usually with
// controller.BuildTask.
func (s *Store) UpdateTaskCode(ctx context.Context, id int64, code string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET code=?, updated_at=? WHERE id=?`, code, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	return mustAffect(res, "task", id)
}

// GetTask returns the task identified by id or model.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id int64) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Task{}, fmt.Errorf("task %d: %w", id, model.ErrNotFound)
	case err != nil:
		return model.Task{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks in any of the given states, all tasks when no
// state is given.
func (s *Store) ListTasks(ctx context.Context, states ...model.BuildState) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE build_state IN (` + placeholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SetBuildState moves a task to state and stores output. A nil output
// clears build_output.
func (s *Store) SetBuildState(ctx context.Context, id int64, state model.BuildState, output *model.BuildOutput) error {
	var raw any
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return err
		}
		raw = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET build_state=?, build_output=?, updated_at=? WHERE id=?`,
		state, raw, s.now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	return mustAffect(res, "task", id)
}

// ResetBuildState moves a task from one of the states in from to to. It
// returns false when the task was not in any of those states anymore.
func (s *Store) ResetBuildState(ctx context.Context, id int64, from []model.BuildState, to model.BuildState) (bool, error) {
	args := []any{to, s.now().UnixMilli(), id}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET build_state=?, updated_at=? WHERE id=? AND build_state IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("executing sql update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	return n == 1, nil
}

// DeleteTask removes the task with its jobs and runs.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	return mustAffect(res, "task", id)
}

func mustAffect(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%s %d: %w", kind, id, model.ErrNotFound)
	}
	return nil
}
