package batch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/badgeworks/badge-go/libs/datastore"
	"github.com/badgeworks/badge-go/services/grant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDatastore struct {
	datastore.Datastore
	status   TaskStatus
	total    int
	success  int
	failure  int
}

func (f *fakeDatastore) CreateTask(ctx context.Context, taskType, fileURL string, params []byte) (*Task, error) {
	return &Task{ID: 1, TaskType: taskType, FileURL: fileURL}, nil
}

func (f *fakeDatastore) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	return &Task{ID: taskID}, nil
}

func (f *fakeDatastore) SetTaskStatus(ctx context.Context, taskID int64, status TaskStatus, total, success, failure int) error {
	f.status, f.total, f.success, f.failure = status, total, success, failure
	return nil
}

func (f *fakeDatastore) UpdateTaskProgress(ctx context.Context, taskID int64, progress, success, failure int) error {
	return nil
}

type fakeGranter struct {
	granted []grant.Request
	failFor map[string]error
}

func (f *fakeGranter) Grant(ctx context.Context, req grant.Request) (int64, error) {
	if err := f.failFor[req.UserID]; err != nil {
		return 0, err
	}
	f.granted = append(f.granted, req)
	return int64(len(f.granted)), nil
}

func TestRunIssuance_GrantsEveryRow(t *testing.T) {
	t.Parallel()

	csvData := strings.NewReader("user_id,quantity,remark\nu1,1,welcome\nu2,2,welcome\nu3,,welcome\n")
	ds := &fakeDatastore{}
	granter := &fakeGranter{failFor: map[string]error{}}

	runner := NewRunner(ds, granter)
	require.NoError(t, runner.RunIssuance(context.Background(), 1, 10, csvData))

	require.Len(t, granter.granted, 3)
	assert.Equal(t, "u1", granter.granted[0].UserID)
	assert.Equal(t, int64(2), granter.granted[1].Quantity)
	// a missing quantity defaults to one
	assert.Equal(t, int64(1), granter.granted[2].Quantity)
	assert.Equal(t, grant.SourceBatch, granter.granted[0].SourceType)

	assert.Equal(t, TaskCompleted, ds.status)
	assert.Equal(t, 3, ds.total)
	assert.Equal(t, 3, ds.success)
	assert.Zero(t, ds.failure)
}

func TestRunIssuance_RowFailuresAreCountedNotFatal(t *testing.T) {
	t.Parallel()

	csvData := strings.NewReader("user_id,quantity,remark\nu1,1,\nu2,1,\n")
	ds := &fakeDatastore{}
	granter := &fakeGranter{failFor: map[string]error{"u2": errors.New("quota exhausted")}}

	runner := NewRunner(ds, granter)
	require.NoError(t, runner.RunIssuance(context.Background(), 1, 10, csvData))

	assert.Len(t, granter.granted, 1)
	assert.Equal(t, TaskCompleted, ds.status)
	assert.Equal(t, 1, ds.success)
	assert.Equal(t, 1, ds.failure)
}

func TestRunIssuance_MalformedCSVFailsTask(t *testing.T) {
	t.Parallel()

	ds := &fakeDatastore{}
	runner := NewRunner(ds, &fakeGranter{failFor: map[string]error{}})

	err := runner.RunIssuance(context.Background(), 1, 10, strings.NewReader(""))
	assert.Error(t, err)
	assert.Equal(t, TaskFailed, ds.status)
}
