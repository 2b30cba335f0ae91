package redemption

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/badgeworks/badge-go/libs/datastore"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/badgeworks/badge-go/services/badge"
	"github.com/badgeworks/badge-go/services/grant"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Datastore abstracts over redemption storage
type Datastore interface {
	datastore.Datastore
	// GetRule by id
	GetRule(ctx context.Context, ruleID int64) (*Rule, error)
	// GetBenefit by id
	GetBenefit(ctx context.Context, benefitID int64) (*Benefit, error)
	// GetOrderByIdempotencyKey returns a prior order for the key, nil if none
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	// CountUserOrders - successful orders for (user, rule) since a window start
	CountUserOrders(ctx context.Context, userID string, ruleID int64, since *time.Time) (int64, error)
	// Redeem performs the order based redemption transaction
	Redeem(ctx context.Context, rule *Rule, userID, idempotencyKey string) (*Order, error)
	// SetOrderBenefitResult records the async dispatch outcome
	SetOrderBenefitResult(ctx context.Context, orderID int64, result json.RawMessage) error
	// CompetitiveRedeem consumes dependency badges and produces the target
	// badge, failing fast on contended rows
	CompetitiveRedeem(ctx context.Context, userID string, target *badge.Badge, deps []badge.Dependency) (int64, error)
}

// Postgres is a Datastore wrapper around a postgres database
type Postgres struct {
	datastore.Postgres
}

// NewPostgres creates a new redemption Datastore
func NewPostgres(databaseURL string, performMigration bool) (Datastore, error) {
	pg, err := datastore.NewPostgres(databaseURL, performMigration)
	if pg != nil {
		return &Postgres{*pg}, err
	}
	return nil, err
}

// GetRule by id
func (pg *Postgres) GetRule(ctx context.Context, ruleID int64) (*Rule, error) {
	var r Rule
	err := pg.RawDB().GetContext(ctx, &r, `select * from badge_redemption_rules where id = $1`, ruleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorutils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetBenefit by id
func (pg *Postgres) GetBenefit(ctx context.Context, benefitID int64) (*Benefit, error) {
	var b Benefit
	err := pg.RawDB().GetContext(ctx, &b, `select * from benefits where id = $1`, benefitID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorutils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetOrderByIdempotencyKey returns a prior order for the key, nil if none
func (pg *Postgres) GetOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	var o Order
	err := pg.RawDB().GetContext(ctx, &o, `select * from redemption_orders where idempotency_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CountUserOrders - successful orders for (user, rule)
func (pg *Postgres) CountUserOrders(ctx context.Context, userID string, ruleID int64, since *time.Time) (int64, error) {
	var count int64
	err := pg.RawDB().GetContext(ctx, &count, `
		select count(*) from redemption_orders
		where user_id = $1 and rule_id = $2 and status = 'success'
		  and ($3::timestamptz is null or created_at >= $3)`,
		userID, ruleID, since)
	return count, err
}

// Redeem consumes the rule's required badges and records the order, all
// in one transaction. A success implies the details, ledger rows and
// benefit stock increment all committed together.
func (pg *Postgres) Redeem(ctx context.Context, rule *Rule, userID, idempotencyKey string) (*Order, error) {
	tx, err := pg.RawDB().Beginx()
	if err != nil {
		return nil, err
	}
	defer pg.RollbackTx(tx)

	var order Order
	err = tx.GetContext(ctx, &order, `
		insert into redemption_orders (order_no, user_id, rule_id, benefit_id, status, idempotency_key)
		values ($1, $2, $3, $4, 'pending', $5)
		returning *`,
		generateOrderNo(), userID, rule.ID, rule.BenefitID, idempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			// a concurrent request with the same key beat us
			return nil, errorutils.ErrConflict
		}
		return nil, err
	}

	for _, required := range rule.RequiredBadges {
		userBadgeID, err := consumeBadge(ctx, tx, userID, required.BadgeID, required.Quantity,
			grant.SourceRedemption, order.OrderNo, fmt.Sprintf("redeemed via rule %d", rule.ID), false)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into redemption_details (order_id, user_badge_id, badge_id, quantity)
			values ($1, $2, $3, $4)`,
			order.ID, userBadgeID, required.BadgeID, required.Quantity); err != nil {
			return nil, err
		}
	}

	// the conditional where rejects over-redemption of limited stock atomically
	res, err := tx.ExecContext(ctx, `
		update benefits set redeemed_count = redeemed_count + 1, updated_at = now()
		where id = $1 and (total_stock is null or redeemed_count < total_stock)`,
		rule.BenefitID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errorutils.ErrQuotaExhausted
	}

	err = tx.GetContext(ctx, &order, `
		update redemption_orders set status = 'success', updated_at = now()
		where id = $1 returning *`, order.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

// consumeBadge locks a holding, requires sufficient active quantity and
// deducts, transitioning to redeemed at zero. With nowait the row lock
// fails fast instead of blocking.
func consumeBadge(ctx context.Context, tx *sqlx.Tx, userID string, badgeID, quantity int64,
	source grant.SourceType, refID, remark string, nowait bool) (int64, error) {

	lockClause := "for update"
	if nowait {
		lockClause = "for update nowait"
	}

	var held grant.UserBadge
	err := tx.GetContext(ctx, &held, fmt.Sprintf(`
		select * from user_badges where user_id = $1 and badge_id = $2 %s`, lockClause),
		userID, badgeID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errorutils.ErrInsufficientBadges
	}
	if err != nil {
		if isLockNotAvailable(err) {
			return 0, errorutils.ErrLockConflict
		}
		return 0, err
	}

	if held.Status != grant.StatusActive || held.Quantity < quantity {
		return 0, errorutils.ErrInsufficientBadges
	}

	newQuantity := held.Quantity - quantity
	status := grant.StatusActive
	if newQuantity == 0 {
		status = grant.StatusRedeemed
	}

	if _, err := tx.ExecContext(ctx, `
		update user_badges set quantity = $2, status = $3, updated_at = now() where id = $1`,
		held.ID, newQuantity, status); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into badge_ledger
			(user_id, badge_id, change_type, source_type, ref_id, quantity, balance_after, remark)
		values ($1, $2, 'redeem_out', $3, $4, $5, $6, $7)`,
		userID, badgeID, source, refID, -quantity, newQuantity, remark); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into user_badge_logs (user_id, badge_id, action, reason, detail)
		values ($1, $2, 'redeem_out', $3, $4)`,
		userID, badgeID, remark, fmt.Sprintf("consumed %d ref %s", quantity, refID)); err != nil {
		return 0, err
	}

	return held.ID, nil
}

// CompetitiveRedeem consumes the target's dependencies with fail-fast
// row locks and produces the target badge
func (pg *Postgres) CompetitiveRedeem(ctx context.Context, userID string, target *badge.Badge, deps []badge.Dependency) (int64, error) {
	tx, err := pg.RawDB().Beginx()
	if err != nil {
		return 0, err
	}
	defer pg.RollbackTx(tx)

	refID := fmt.Sprintf("competitive:%d", target.ID)
	for _, dep := range deps {
		if _, err := consumeBadge(ctx, tx, userID, dep.DependsOnBadgeID, dep.RequiredQuantity,
			grant.SourceRedemption, refID,
			fmt.Sprintf("consumed toward badge %s", target.Name), true); err != nil {
			return 0, err
		}
	}

	// supply accounting on the target badge row
	var locked badge.Badge
	if err := tx.GetContext(ctx, &locked, `select * from badges where id = $1 for update`, target.ID); err != nil {
		return 0, err
	}
	if locked.MaxSupply != nil && locked.IssuedCount+1 > *locked.MaxSupply {
		return 0, errorutils.ErrQuotaExhausted
	}

	var userBadgeID int64
	err = tx.GetContext(ctx, &userBadgeID, `
		insert into user_badges (user_id, badge_id, status, quantity, acquired_at, expires_at)
		values ($1, $2, 'active', 1, now(), $3)
		on conflict (user_id, badge_id) do update
			set quantity = user_badges.quantity + 1, status = 'active', updated_at = now()
		returning id`,
		userID, target.ID, target.Validity.ExpiresAt(time.Now()))
	if err != nil {
		return 0, err
	}

	var balance int64
	if err := tx.GetContext(ctx, &balance,
		`select quantity from user_badges where id = $1`, userBadgeID); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into badge_ledger
			(user_id, badge_id, change_type, source_type, ref_id, quantity, balance_after, remark)
		values ($1, $2, 'grant', $3, $4, 1, $5, $6)`,
		userID, target.ID, grant.SourceRedemption, refID, balance,
		fmt.Sprintf("won competitive redemption of %s", target.Name)); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into user_badge_logs (user_id, badge_id, action, reason, detail)
		values ($1, $2, 'grant', 'competitive redemption', $3)`,
		userID, target.ID, refID); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`update badges set issued_count = issued_count + 1, updated_at = now() where id = $1`,
		target.ID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return userBadgeID, nil
}

// SetOrderBenefitResult records the async dispatch outcome
func (pg *Postgres) SetOrderBenefitResult(ctx context.Context, orderID int64, result json.RawMessage) error {
	_, err := pg.RawDB().ExecContext(ctx,
		`update redemption_orders set benefit_result = $2, updated_at = now() where id = $1`,
		orderID, result)
	return err
}

// isLockNotAvailable - postgres 55P03, raised by for update nowait
func isLockNotAvailable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "55P03"
	}
	return false
}

// isUniqueViolation - postgres 23505
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
