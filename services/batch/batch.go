// Package batch runs asynchronous batch issuance tasks: a CSV of user
// ids is parsed and each user is granted through the normal grant path,
// with per-row failures recorded rather than aborting the task.
package batch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/badgeworks/badge-go/services/grant"
	"github.com/gocarina/gocsv"
)

// TaskStatus - batch task lifecycle
type TaskStatus string

const (
	// TaskPending - queued
	TaskPending TaskStatus = "pending"
	// TaskRunning - in progress
	TaskRunning TaskStatus = "running"
	// TaskCompleted - finished, possibly with row failures
	TaskCompleted TaskStatus = "completed"
	// TaskFailed - the task itself could not run
	TaskFailed TaskStatus = "failed"
)

// Task - a recorded batch job
type Task struct {
	ID           int64      `db:"id"`
	TaskType     string     `db:"task_type"`
	FileURL      string     `db:"file_url"`
	Params       []byte     `db:"params"`
	Status       TaskStatus `db:"status"`
	Progress     int        `db:"progress"`
	TotalCount   int        `db:"total_count"`
	SuccessCount int        `db:"success_count"`
	FailureCount int        `db:"failure_count"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// Row - one line of a batch issuance csv
type Row struct {
	UserID   string `csv:"user_id"`
	Quantity int64  `csv:"quantity"`
	Remark   string `csv:"remark"`
}

// Granter - the slice of the grant service the runner needs
type Granter interface {
	Grant(ctx context.Context, req grant.Request) (int64, error)
}

// Runner executes batch issuance tasks
type Runner struct {
	datastore Datastore
	grants    Granter
}

// NewRunner - create a batch runner
func NewRunner(datastore Datastore, grants Granter) *Runner {
	return &Runner{datastore: datastore, grants: grants}
}

// RunIssuance - parse the csv and grant badgeID to every listed user.
// Row failures are counted and logged; the task completes regardless.
func (r *Runner) RunIssuance(ctx context.Context, taskID, badgeID int64, csvData io.Reader) error {
	logger := logging.Logger(ctx, "batch.RunIssuance")

	rows := []*Row{}
	if err := gocsv.Unmarshal(csvData, &rows); err != nil {
		_ = r.datastore.SetTaskStatus(ctx, taskID, TaskFailed, 0, 0, 0)
		return fmt.Errorf("failed to parse batch csv: %w", err)
	}

	if err := r.datastore.SetTaskStatus(ctx, taskID, TaskRunning, len(rows), 0, 0); err != nil {
		return err
	}

	success, failure := 0, 0
	for i, row := range rows {
		quantity := row.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		_, err := r.grants.Grant(ctx, grant.Request{
			UserID:     row.UserID,
			BadgeID:    badgeID,
			Quantity:   quantity,
			SourceType: grant.SourceBatch,
			RefID:      fmt.Sprintf("batch:%d", taskID),
			Reason:     row.Remark,
		})
		if err != nil {
			failure++
			logger.Warn().Err(err).
				Str("userId", row.UserID).
				Int64("taskId", taskID).
				Msg("batch row failed")
		} else {
			success++
		}

		// persist progress every 100 rows so the admin surface can poll
		if (i+1)%100 == 0 {
			_ = r.datastore.UpdateTaskProgress(ctx, taskID, i+1, success, failure)
		}
	}

	if err := r.datastore.SetTaskStatus(ctx, taskID, TaskCompleted, len(rows), success, failure); err != nil {
		return err
	}

	logger.Info().
		Int64("taskId", taskID).
		Int("total", len(rows)).
		Int("success", success).
		Int("failure", failure).
		Msg("batch issuance complete")
	return nil
}
