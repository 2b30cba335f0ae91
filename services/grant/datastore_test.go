package grant

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/badgeworks/badge-go/libs/datastore"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockDatastore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &Postgres{datastore.Postgres{DB: sqlx.NewDb(db, "postgres")}}, mock
}

func badgeColumns() []string {
	return []string{
		"id", "series_id", "badge_type", "name", "code", "assets",
		"validity_config", "max_supply", "issued_count", "status",
		"created_at", "updated_at",
	}
}

func badgeRow(mock sqlmock.Sqlmock, maxSupply interface{}, issued int64, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(badgeColumns()).
		AddRow(int64(10), int64(1), "normal", "tester", nil, []byte(`{}`),
			[]byte(`{"kind":"permanent"}`), maxSupply, issued, status, now, now)
}

func TestGrant_RejectsNonPositiveQuantity(t *testing.T) {
	t.Parallel()
	pg, _ := mockDatastore(t)

	_, err := pg.Grant(context.Background(), Request{UserID: "u1", BadgeID: 10, Quantity: 0})
	assert.True(t, errorutils.IsValidation(err))
}

func TestGrant_MaxSupplyExhausted(t *testing.T) {
	t.Parallel()
	pg, mock := mockDatastore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select \* from badges where id = \$1 for update`).
		WithArgs(int64(10)).
		WillReturnRows(badgeRow(mock, int64(3), 3, "active"))
	mock.ExpectRollback()

	_, err := pg.Grant(context.Background(), Request{
		UserID: "u1", BadgeID: 10, Quantity: 1, SourceType: SourceEvent, RefID: "e1",
	})
	assert.ErrorIs(t, err, errorutils.ErrQuotaExhausted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrant_InactiveBadgeConflicts(t *testing.T) {
	t.Parallel()
	pg, mock := mockDatastore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select \* from badges where id = \$1 for update`).
		WithArgs(int64(10)).
		WillReturnRows(badgeRow(mock, nil, 0, "draft"))
	mock.ExpectRollback()

	_, err := pg.Grant(context.Background(), Request{
		UserID: "u1", BadgeID: 10, Quantity: 1, SourceType: SourceManual, RefID: "cli",
	})
	assert.ErrorIs(t, err, errorutils.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrant_RuleQuotaConditionalUpdateRejects(t *testing.T) {
	t.Parallel()
	pg, mock := mockDatastore(t)

	userBadgeColumns := []string{
		"id", "user_id", "badge_id", "status", "quantity", "acquired_at", "expires_at", "updated_at",
	}
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`select \* from badges where id = \$1 for update`).
		WithArgs(int64(10)).
		WillReturnRows(badgeRow(mock, nil, 0, "active"))
	mock.ExpectQuery(`select \* from user_badges where user_id = \$1 and badge_id = \$2 for update`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`insert into user_badges`).
		WillReturnRows(sqlmock.NewRows(userBadgeColumns).
			AddRow(int64(77), "u1", int64(10), "active", int64(1), now, nil, now))
	mock.ExpectExec(`insert into badge_ledger`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into user_badge_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`update badges set issued_count = issued_count \+ \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// the conditional quota update affects zero rows: quota is spent
	mock.ExpectExec(`update badge_rules`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ruleID := int64(5)
	_, err := pg.Grant(context.Background(), Request{
		UserID: "u1", BadgeID: 10, Quantity: 1,
		SourceType: SourceEvent, RefID: "e1", RuleID: &ruleID,
	})
	assert.ErrorIs(t, err, errorutils.ErrQuotaExhausted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrant_Succeeds(t *testing.T) {
	t.Parallel()
	pg, mock := mockDatastore(t)

	userBadgeColumns := []string{
		"id", "user_id", "badge_id", "status", "quantity", "acquired_at", "expires_at", "updated_at",
	}
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`select \* from badges where id = \$1 for update`).
		WithArgs(int64(10)).
		WillReturnRows(badgeRow(mock, int64(3), 2, "active"))
	mock.ExpectQuery(`select \* from user_badges where user_id = \$1 and badge_id = \$2 for update`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`insert into user_badges`).
		WillReturnRows(sqlmock.NewRows(userBadgeColumns).
			AddRow(int64(77), "u1", int64(10), "active", int64(1), now, nil, now))
	mock.ExpectExec(`insert into badge_ledger`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into user_badge_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`update badges set issued_count = issued_count \+ \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	userBadgeID, err := pg.Grant(context.Background(), Request{
		UserID: "u1", BadgeID: 10, Quantity: 1, SourceType: SourceEvent, RefID: "e1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), userBadgeID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevoke_Validation(t *testing.T) {
	t.Parallel()
	pg, _ := mockDatastore(t)
	ctx := context.Background()

	err := pg.Revoke(ctx, RevokeRequest{UserID: "u1", BadgeID: 10, Quantity: 0, Reason: "r"})
	assert.True(t, errorutils.IsValidation(err))

	err = pg.Revoke(ctx, RevokeRequest{UserID: "u1", BadgeID: 10, Quantity: 1, Reason: ""})
	assert.True(t, errorutils.IsValidation(err))
}

func TestRevoke_TransitionsToRevokedAtZero(t *testing.T) {
	t.Parallel()
	pg, mock := mockDatastore(t)

	userBadgeColumns := []string{
		"id", "user_id", "badge_id", "status", "quantity", "acquired_at", "expires_at", "updated_at",
	}
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`select \* from user_badges where user_id = \$1 and badge_id = \$2 for update`).
		WillReturnRows(sqlmock.NewRows(userBadgeColumns).
			AddRow(int64(77), "u1", int64(10), "active", int64(1), now, nil, now))
	mock.ExpectExec(`update user_badges set quantity = \$3, status = \$4`).
		WithArgs("u1", int64(10), int64(0), StatusRevoked).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into badge_ledger`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into user_badge_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`update badges set issued_count = issued_count - \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := pg.Revoke(context.Background(), RevokeRequest{
		UserID: "u1", BadgeID: 10, Quantity: 1, Reason: "refund", SourceType: SourceRefund,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevoke_InsufficientQuantityConflicts(t *testing.T) {
	t.Parallel()
	pg, mock := mockDatastore(t)

	userBadgeColumns := []string{
		"id", "user_id", "badge_id", "status", "quantity", "acquired_at", "expires_at", "updated_at",
	}
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`select \* from user_badges where user_id = \$1 and badge_id = \$2 for update`).
		WillReturnRows(sqlmock.NewRows(userBadgeColumns).
			AddRow(int64(77), "u1", int64(10), "active", int64(1), now, nil, now))
	mock.ExpectRollback()

	err := pg.Revoke(context.Background(), RevokeRequest{
		UserID: "u1", BadgeID: 10, Quantity: 5, Reason: "too many", SourceType: SourceManual,
	})
	assert.ErrorIs(t, err, errorutils.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
