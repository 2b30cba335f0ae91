package redemption

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/badgeworks/badge-go/libs/datastore"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/badgeworks/badge-go/services/badge"
	"github.com/badgeworks/badge-go/services/grant"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockDatastore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &Postgres{datastore.Postgres{DB: sqlx.NewDb(db, "postgres")}}, mock
}

func userBadgeColumns() []string {
	return []string{
		"id", "user_id", "badge_id", "status", "quantity", "acquired_at", "expires_at", "updated_at",
	}
}

func userBadgeRow(id int64, userID string, badgeID, quantity int64, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(userBadgeColumns()).
		AddRow(id, userID, badgeID, status, quantity, now, nil, now)
}

func targetBadge() *badge.Badge {
	return &badge.Badge{
		ID:       7,
		SeriesID: 1,
		Type:     badge.TypeLimited,
		Name:     "grand prize",
		Status:   badge.StatusActive,
		Validity: badge.ValidityConfig{Kind: badge.ValidityPermanent},
	}
}

func consumeDeps() []badge.Dependency {
	return []badge.Dependency{
		{ID: 1, BadgeID: 7, DependsOnBadgeID: 3, DependencyType: badge.DependencyConsume, RequiredQuantity: 2},
	}
}

func badgeRow(maxSupply interface{}, issued int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "series_id", "badge_type", "name", "code", "assets",
		"validity_config", "max_supply", "issued_count", "status",
		"created_at", "updated_at",
	}).AddRow(int64(7), int64(1), "limited", "grand prize", nil, []byte(`{}`),
		[]byte(`{"kind":"permanent"}`), maxSupply, issued, "active", now, now)
}

func TestCompetitiveRedeem_NowaitRowConflict(t *testing.T) {
	t.Parallel()
	pg, mock := mockDatastore(t)

	mock.ExpectBegin()
	// another transaction holds the source row; nowait surfaces 55P03
	// instead of blocking
	mock.ExpectQuery(`select \* from user_badges where user_id = \$1 and badge_id = \$2 for update nowait`).
		WithArgs("u1", int64(3)).
		WillReturnError(&pq.Error{Code: "55P03"})
	mock.ExpectRollback()

	_, err := pg.CompetitiveRedeem(context.Background(), "u1", targetBadge(), consumeDeps())
	assert.ErrorIs(t, err, errorutils.ErrLockConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompetitiveRedeem_InsufficientQuantity(t *testing.T) {
	t.Parallel()
	pg, mock := mockDatastore(t)

	mock.ExpectBegin()
	// holds one, needs two
	mock.ExpectQuery(`select \* from user_badges where user_id = \$1 and badge_id = \$2 for update nowait`).
		WithArgs("u1", int64(3)).
		WillReturnRows(userBadgeRow(40, "u1", 3, 1, "active"))
	mock.ExpectRollback()

	_, err := pg.CompetitiveRedeem(context.Background(), "u1", targetBadge(), consumeDeps())
	assert.ErrorIs(t, err, errorutils.ErrInsufficientBadges)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompetitiveRedeem_Succeeds(t *testing.T) {
	t.Parallel()
	pg, mock := mockDatastore(t)

	mock.ExpectBegin()
	// consume: the source holding is exactly the required quantity and
	// transitions to redeemed
	mock.ExpectQuery(`select \* from user_badges where user_id = \$1 and badge_id = \$2 for update nowait`).
		WithArgs("u1", int64(3)).
		WillReturnRows(userBadgeRow(40, "u1", 3, 2, "active"))
	mock.ExpectExec(`update user_badges set quantity = \$2, status = \$3`).
		WithArgs(int64(40), int64(0), grant.StatusRedeemed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into badge_ledger`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into user_badge_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	// target: supply accounting under the badge row lock, then the upsert
	mock.ExpectQuery(`select \* from badges where id = \$1 for update`).
		WithArgs(int64(7)).
		WillReturnRows(badgeRow(int64(100), 10))
	mock.ExpectQuery(`insert into user_badges .* on conflict \(user_id, badge_id\) do update`).
		WithArgs("u1", int64(7), nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(88)))
	mock.ExpectQuery(`select quantity from user_badges where id = \$1`).
		WithArgs(int64(88)).
		WillReturnRows(sqlmock.NewRows([]string{"quantity"}).AddRow(int64(1)))
	mock.ExpectExec(`insert into badge_ledger`).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`insert into user_badge_logs`).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`update badges set issued_count = issued_count \+ 1`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	userBadgeID, err := pg.CompetitiveRedeem(context.Background(), "u1", targetBadge(), consumeDeps())
	require.NoError(t, err)
	assert.Equal(t, int64(88), userBadgeID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompetitiveRedeem_TargetSupplyExhausted(t *testing.T) {
	t.Parallel()
	pg, mock := mockDatastore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select \* from user_badges where user_id = \$1 and badge_id = \$2 for update nowait`).
		WithArgs("u1", int64(3)).
		WillReturnRows(userBadgeRow(40, "u1", 3, 2, "active"))
	mock.ExpectExec(`update user_badges set quantity = \$2, status = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into badge_ledger`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into user_badge_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// every copy of the target is already issued
	mock.ExpectQuery(`select \* from badges where id = \$1 for update`).
		WithArgs(int64(7)).
		WillReturnRows(badgeRow(int64(10), 10))
	mock.ExpectRollback()

	_, err := pg.CompetitiveRedeem(context.Background(), "u1", targetBadge(), consumeDeps())
	assert.ErrorIs(t, err, errorutils.ErrQuotaExhausted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeem_TransactionSucceeds(t *testing.T) {
	t.Parallel()
	pg, mock := mockDatastore(t)

	rule := enabledRule()
	now := time.Now()
	orderColumns := []string{
		"id", "order_no", "user_id", "rule_id", "benefit_id", "status",
		"idempotency_key", "benefit_result", "created_at", "updated_at",
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`insert into redemption_orders`).
		WillReturnRows(sqlmock.NewRows(orderColumns).
			AddRow(int64(9), "RD20250601120000123456", "u1", rule.ID, rule.BenefitID,
				"pending", "key-tx", nil, now, now))
	// order-based consumption blocks rather than failing fast
	mock.ExpectQuery(`select \* from user_badges where user_id = \$1 and badge_id = \$2 for update$`).
		WithArgs("u1", int64(10)).
		WillReturnRows(userBadgeRow(40, "u1", 10, 2, "active"))
	mock.ExpectExec(`update user_badges set quantity = \$2, status = \$3`).
		WithArgs(int64(40), int64(0), grant.StatusRedeemed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into badge_ledger`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into user_badge_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into redemption_details`).
		WithArgs(int64(9), int64(40), int64(10), int64(2)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`update benefits set redeemed_count = redeemed_count \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`update redemption_orders set status = 'success'`).
		WillReturnRows(sqlmock.NewRows(orderColumns).
			AddRow(int64(9), "RD20250601120000123456", "u1", rule.ID, rule.BenefitID,
				"success", "key-tx", nil, now, now))
	mock.ExpectCommit()

	order, err := pg.Redeem(context.Background(), rule, "u1", "key-tx")
	require.NoError(t, err)
	assert.Equal(t, OrderSuccess, order.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeem_BenefitStockConditionalRejects(t *testing.T) {
	t.Parallel()
	pg, mock := mockDatastore(t)

	rule := enabledRule()
	now := time.Now()
	orderColumns := []string{
		"id", "order_no", "user_id", "rule_id", "benefit_id", "status",
		"idempotency_key", "benefit_result", "created_at", "updated_at",
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`insert into redemption_orders`).
		WillReturnRows(sqlmock.NewRows(orderColumns).
			AddRow(int64(9), "RD20250601120000123456", "u1", rule.ID, rule.BenefitID,
				"pending", "key-stock", nil, now, now))
	mock.ExpectQuery(`select \* from user_badges where user_id = \$1 and badge_id = \$2 for update$`).
		WithArgs("u1", int64(10)).
		WillReturnRows(userBadgeRow(40, "u1", 10, 2, "active"))
	mock.ExpectExec(`update user_badges set quantity = \$2, status = \$3`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into badge_ledger`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into user_badge_logs`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into redemption_details`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// the conditional stock update affects zero rows: a concurrent order
	// took the last unit after our read
	mock.ExpectExec(`update benefits set redeemed_count = redeemed_count \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := pg.Redeem(context.Background(), rule, "u1", "key-stock")
	assert.ErrorIs(t, err, errorutils.ErrQuotaExhausted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsLockNotAvailable(t *testing.T) {
	t.Parallel()

	assert.True(t, isLockNotAvailable(&pq.Error{Code: "55P03"}))
	assert.True(t, isLockNotAvailable(fmt.Errorf("wrapped: %w", &pq.Error{Code: "55P03"})))
	assert.False(t, isLockNotAvailable(&pq.Error{Code: "23505"}))
	assert.False(t, isLockNotAvailable(errors.New("plain")))
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "55P03"}))
	assert.False(t, isUniqueViolation(errors.New("plain")))
}
