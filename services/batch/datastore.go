package batch

import (
	"context"
	"database/sql"
	"errors"

	"github.com/badgeworks/badge-go/libs/datastore"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
)

// Datastore abstracts over batch task storage
type Datastore interface {
	datastore.Datastore
	// CreateTask records a queued task
	CreateTask(ctx context.Context, taskType, fileURL string, params []byte) (*Task, error)
	// GetTask by id
	GetTask(ctx context.Context, taskID int64) (*Task, error)
	// SetTaskStatus transitions the task and writes final counts
	SetTaskStatus(ctx context.Context, taskID int64, status TaskStatus, total, success, failure int) error
	// UpdateTaskProgress records incremental progress
	UpdateTaskProgress(ctx context.Context, taskID int64, progress, success, failure int) error
}

// Postgres is a Datastore wrapper around a postgres database
type Postgres struct {
	datastore.Postgres
}

// NewPostgres creates a new batch Datastore
func NewPostgres(databaseURL string, performMigration bool) (Datastore, error) {
	pg, err := datastore.NewPostgres(databaseURL, performMigration)
	if pg != nil {
		return &Postgres{*pg}, err
	}
	return nil, err
}

// CreateTask records a queued task
func (pg *Postgres) CreateTask(ctx context.Context, taskType, fileURL string, params []byte) (*Task, error) {
	var t Task
	err := pg.RawDB().GetContext(ctx, &t, `
		insert into batch_tasks (task_type, file_url, params, status)
		values ($1, $2, $3, 'pending')
		returning *`,
		taskType, fileURL, params)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask by id
func (pg *Postgres) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	var t Task
	err := pg.RawDB().GetContext(ctx, &t, `select * from batch_tasks where id = $1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorutils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetTaskStatus transitions the task and writes final counts
func (pg *Postgres) SetTaskStatus(ctx context.Context, taskID int64, status TaskStatus, total, success, failure int) error {
	_, err := pg.RawDB().ExecContext(ctx, `
		update batch_tasks
		set status = $2, total_count = $3, success_count = $4, failure_count = $5,
		    progress = $3, updated_at = now()
		where id = $1`,
		taskID, status, total, success, failure)
	return err
}

// UpdateTaskProgress records incremental progress
func (pg *Postgres) UpdateTaskProgress(ctx context.Context, taskID int64, progress, success, failure int) error {
	_, err := pg.RawDB().ExecContext(ctx, `
		update batch_tasks
		set progress = $2, success_count = $3, failure_count = $4, updated_at = now()
		where id = $1`,
		taskID, progress, success, failure)
	return err
}
