package grant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/badgeworks/badge-go/libs/datastore"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/badgeworks/badge-go/services/badge"
	"github.com/jmoiron/sqlx"
)

// Datastore abstracts over grant and revoke storage
type Datastore interface {
	datastore.Datastore
	// Grant performs the full issuance transaction
	Grant(ctx context.Context, req Request) (int64, error)
	// Revoke performs the full revocation transaction
	Revoke(ctx context.Context, req RevokeRequest) error
	// RevokeAllActive revokes every active badge a user holds in one transaction
	RevokeAllActive(ctx context.Context, userID, reason string) ([]int64, error)
	// GetUserBadge fetches a holding
	GetUserBadge(ctx context.Context, userID string, badgeID int64) (*UserBadge, error)
	// GetActiveBadgeIDs lists badge ids the user currently holds active
	GetActiveBadgeIDs(ctx context.Context, userID string) ([]int64, error)
	// GetGrantsByOrderID locates grants recorded against a purchase order
	GetGrantsByOrderID(ctx context.Context, userID, orderID string) ([]GrantedBadge, error)
	// GetLedger lists ledger entries for a holding, newest first
	GetLedger(ctx context.Context, userID string, badgeID int64, limit int) ([]LedgerEntry, error)
	// GetBadgeWall lists a user's holdings joined with badge display data
	GetBadgeWall(ctx context.Context, userID string) ([]WallEntry, error)
	// ExpireDue transitions holdings whose validity has lapsed, writing
	// the matching ledger rows; returns the number expired
	ExpireDue(ctx context.Context, limit int) (int64, error)
}

// Postgres is a Datastore wrapper around a postgres database
type Postgres struct {
	datastore.Postgres
}

// NewPostgres creates a new grant Datastore
func NewPostgres(databaseURL string, performMigration bool) (Datastore, error) {
	pg, err := datastore.NewPostgres(databaseURL, performMigration)
	if pg != nil {
		return &Postgres{*pg}, err
	}
	return nil, err
}

// Grant issues a badge inside one transaction: badge row lock for supply
// accounting, user badge upsert, ledger entry, audit log, issue counter
// and conditional rule quota increment.
func (pg *Postgres) Grant(ctx context.Context, req Request) (int64, error) {
	if req.Quantity <= 0 {
		return 0, errorutils.Validation("quantity", "must be positive")
	}

	tx, err := pg.RawDB().Beginx()
	if err != nil {
		return 0, err
	}
	defer pg.RollbackTx(tx)

	// serialize supply accounting on the badge row
	var b badge.Badge
	err = tx.GetContext(ctx, &b, `select * from badges where id = $1 for update`, req.BadgeID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errorutils.ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	if b.Status != badge.StatusActive {
		return 0, errorutils.New(errorutils.ErrConflict,
			fmt.Sprintf("badge %d is not active", b.ID), nil)
	}

	if b.MaxSupply != nil && b.IssuedCount+req.Quantity > *b.MaxSupply {
		return 0, errorutils.ErrQuotaExhausted
	}

	userBadgeID, newQuantity, err := upsertUserBadge(ctx, tx, &b, req)
	if err != nil {
		return 0, err
	}

	if err := insertLedger(ctx, tx, req, ChangeGrant, req.Quantity, newQuantity); err != nil {
		return 0, err
	}

	if err := insertAuditLog(ctx, tx, req.UserID, req.BadgeID, "grant", req.Reason,
		fmt.Sprintf("granted %d of badge %s via %s ref %s", req.Quantity, b.Name, req.SourceType, req.RefID)); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`update badges set issued_count = issued_count + $2, updated_at = now() where id = $1`,
		req.BadgeID, req.Quantity); err != nil {
		return 0, err
	}

	if req.RuleID != nil {
		// the conditional where makes over-quota rejection atomic
		res, err := tx.ExecContext(ctx, `
			update badge_rules
			set global_granted = global_granted + $2, updated_at = now()
			where id = $1
			  and (global_quota is null or global_granted + $2 <= global_quota)`,
			*req.RuleID, req.Quantity)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, errorutils.ErrQuotaExhausted
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return userBadgeID, nil
}

// upsertUserBadge locks and updates the holding, or creates it. A
// non-stackable badge already held is a conflict, not an increment.
func upsertUserBadge(ctx context.Context, tx *sqlx.Tx, b *badge.Badge, req Request) (int64, int64, error) {
	var existing UserBadge
	err := tx.GetContext(ctx, &existing, `
		select * from user_badges where user_id = $1 and badge_id = $2 for update`,
		req.UserID, req.BadgeID)

	if errors.Is(err, sql.ErrNoRows) {
		var created UserBadge
		err = tx.GetContext(ctx, &created, `
			insert into user_badges (user_id, badge_id, status, quantity, acquired_at, expires_at)
			values ($1, $2, 'active', $3, now(), $4)
			returning *`,
			req.UserID, req.BadgeID, req.Quantity, b.Validity.ExpiresAt(timeNow()))
		if err != nil {
			return 0, 0, err
		}
		return created.ID, created.Quantity, nil
	}
	if err != nil {
		return 0, 0, err
	}

	if !b.Type.Stackable() && existing.Quantity >= 1 && existing.Status == StatusActive {
		return 0, 0, errorutils.New(errorutils.ErrConflict,
			fmt.Sprintf("user already holds non-stackable badge %d", b.ID), nil)
	}

	var updated UserBadge
	err = tx.GetContext(ctx, &updated, `
		update user_badges
		set quantity = quantity + $3, status = 'active', updated_at = now()
		where user_id = $1 and badge_id = $2
		returning *`,
		req.UserID, req.BadgeID, req.Quantity)
	if err != nil {
		return 0, 0, err
	}
	return updated.ID, updated.Quantity, nil
}

func insertLedger(ctx context.Context, tx *sqlx.Tx, req Request, change ChangeType, quantity, balanceAfter int64) error {
	signed := quantity
	if change != ChangeGrant {
		signed = -quantity
	}
	_, err := tx.ExecContext(ctx, `
		insert into badge_ledger
			(user_id, badge_id, rule_id, change_type, source_type, ref_id,
			 order_id, order_amount, quantity, balance_after, remark)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		req.UserID, req.BadgeID, req.RuleID, change, req.SourceType, req.RefID,
		req.OrderID, req.OrderAmount, signed, balanceAfter, req.Reason)
	return err
}

func insertAuditLog(ctx context.Context, tx *sqlx.Tx, userID string, badgeID int64, action, reason, detail string) error {
	_, err := tx.ExecContext(ctx, `
		insert into user_badge_logs (user_id, badge_id, action, reason, detail)
		values ($1, $2, $3, $4, $5)`,
		userID, badgeID, action, reason, detail)
	return err
}

// Revoke decrements a holding inside one transaction, reversing the
// issuance accounting
func (pg *Postgres) Revoke(ctx context.Context, req RevokeRequest) error {
	if req.Quantity <= 0 {
		return errorutils.Validation("quantity", "must be positive")
	}
	if req.Reason == "" {
		return errorutils.Validation("reason", "must not be empty")
	}

	tx, err := pg.RawDB().Beginx()
	if err != nil {
		return err
	}
	defer pg.RollbackTx(tx)

	if err := revokeInTx(ctx, tx, req); err != nil {
		return err
	}
	return tx.Commit()
}

func revokeInTx(ctx context.Context, tx *sqlx.Tx, req RevokeRequest) error {
	var held UserBadge
	err := tx.GetContext(ctx, &held, `
		select * from user_badges where user_id = $1 and badge_id = $2 for update`,
		req.UserID, req.BadgeID)
	if errors.Is(err, sql.ErrNoRows) {
		return errorutils.ErrNotFound
	}
	if err != nil {
		return err
	}

	if held.Status != StatusActive {
		return errorutils.New(errorutils.ErrConflict,
			fmt.Sprintf("user badge %d is %s, not active", held.ID, held.Status), nil)
	}
	if held.Quantity < req.Quantity {
		return errorutils.New(errorutils.ErrConflict,
			fmt.Sprintf("holding %d below requested revocation %d", held.Quantity, req.Quantity), nil)
	}

	newQuantity := held.Quantity - req.Quantity
	status := StatusActive
	if newQuantity == 0 {
		status = StatusRevoked
	}

	if _, err := tx.ExecContext(ctx, `
		update user_badges set quantity = $3, status = $4, updated_at = now()
		where user_id = $1 and badge_id = $2`,
		req.UserID, req.BadgeID, newQuantity, status); err != nil {
		return err
	}

	if err := insertLedger(ctx, tx, Request{
		UserID:     req.UserID,
		BadgeID:    req.BadgeID,
		SourceType: req.SourceType,
		RefID:      req.RefID,
		Reason:     req.Reason,
	}, ChangeCancel, req.Quantity, newQuantity); err != nil {
		return err
	}

	if err := insertAuditLog(ctx, tx, req.UserID, req.BadgeID, "revoke", req.Reason,
		fmt.Sprintf("revoked %d via %s ref %s", req.Quantity, req.SourceType, req.RefID)); err != nil {
		return err
	}

	// the issuance is reversed, so the issue counter decrements
	_, err = tx.ExecContext(ctx,
		`update badges set issued_count = issued_count - $2, updated_at = now() where id = $1`,
		req.BadgeID, req.Quantity)
	return err
}

// RevokeAllActive revokes every active holding of a user in a single
// transaction, returning the affected badge ids
func (pg *Postgres) RevokeAllActive(ctx context.Context, userID, reason string) ([]int64, error) {
	if reason == "" {
		return nil, errorutils.Validation("reason", "must not be empty")
	}

	tx, err := pg.RawDB().Beginx()
	if err != nil {
		return nil, err
	}
	defer pg.RollbackTx(tx)

	held := []UserBadge{}
	if err := tx.SelectContext(ctx, &held, `
		select * from user_badges where user_id = $1 and status = 'active' order by badge_id for update`,
		userID); err != nil {
		return nil, err
	}

	revoked := make([]int64, 0, len(held))
	for _, holding := range held {
		if err := revokeInTx(ctx, tx, RevokeRequest{
			UserID:     userID,
			BadgeID:    holding.BadgeID,
			Quantity:   holding.Quantity,
			Reason:     reason,
			SourceType: SourceSystem,
		}); err != nil {
			return nil, err
		}
		revoked = append(revoked, holding.BadgeID)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return revoked, nil
}

// GetUserBadge fetches a holding
func (pg *Postgres) GetUserBadge(ctx context.Context, userID string, badgeID int64) (*UserBadge, error) {
	var held UserBadge
	err := pg.RawDB().GetContext(ctx, &held,
		`select * from user_badges where user_id = $1 and badge_id = $2`, userID, badgeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorutils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &held, nil
}

// GetActiveBadgeIDs lists badge ids the user currently holds active
func (pg *Postgres) GetActiveBadgeIDs(ctx context.Context, userID string) ([]int64, error) {
	ids := []int64{}
	err := pg.RawDB().SelectContext(ctx, &ids,
		`select badge_id from user_badges where user_id = $1 and status = 'active' and quantity > 0`,
		userID)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetGrantsByOrderID locates grant ledger entries recorded against a
// purchase order, with the originating rule's json for threshold checks
func (pg *Postgres) GetGrantsByOrderID(ctx context.Context, userID, orderID string) ([]GrantedBadge, error) {
	found := []GrantedBadge{}
	err := pg.RawDB().SelectContext(ctx, &found, `
		select ub.id as user_badge_id, l.badge_id, l.rule_id, r.rule_json, l.order_id, l.order_amount
		from badge_ledger l
		join user_badges ub on ub.user_id = l.user_id and ub.badge_id = l.badge_id
		left join badge_rules r on r.id = l.rule_id
		where l.user_id = $1 and l.order_id = $2 and l.change_type = 'grant'`,
		userID, orderID)
	if err != nil {
		return nil, err
	}
	return found, nil
}

// GetBadgeWall lists a user's holdings joined with badge display data
func (pg *Postgres) GetBadgeWall(ctx context.Context, userID string) ([]WallEntry, error) {
	wall := []WallEntry{}
	err := pg.RawDB().SelectContext(ctx, &wall, `
		select ub.badge_id, b.name, coalesce(b.assets->>'icon', '') as icon,
		       ub.status, ub.quantity, ub.acquired_at, ub.expires_at
		from user_badges ub
		join badges b on b.id = ub.badge_id
		where ub.user_id = $1 and ub.status in ('active', 'redeemed')
		order by ub.acquired_at desc`,
		userID)
	if err != nil {
		return nil, err
	}
	return wall, nil
}

// ExpireDue transitions due holdings to expired, one transaction per
// batch, each with its ledger and audit rows
func (pg *Postgres) ExpireDue(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := pg.RawDB().Beginx()
	if err != nil {
		return 0, err
	}
	defer pg.RollbackTx(tx)

	due := []UserBadge{}
	err = tx.SelectContext(ctx, &due, `
		select * from user_badges
		where status = 'active' and expires_at is not null and expires_at < now()
		order by expires_at
		limit $1
		for update skip locked`,
		limit)
	if err != nil {
		return 0, err
	}

	for _, held := range due {
		if _, err := tx.ExecContext(ctx, `
			update user_badges set quantity = 0, status = 'expired', updated_at = now()
			where id = $1`,
			held.ID); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into badge_ledger
				(user_id, badge_id, change_type, source_type, ref_id, quantity, balance_after, remark)
			values ($1, $2, 'expire', 'system', '', $3, 0, 'validity window elapsed')`,
			held.UserID, held.BadgeID, -held.Quantity); err != nil {
			return 0, err
		}
		if err := insertAuditLog(ctx, tx, held.UserID, held.BadgeID, "expire",
			"validity window elapsed", fmt.Sprintf("expired %d at quantity %d", held.ID, held.Quantity)); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int64(len(due)), nil
}

// GetLedger lists ledger entries for a holding, newest first
func (pg *Postgres) GetLedger(ctx context.Context, userID string, badgeID int64, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	entries := []LedgerEntry{}
	err := pg.RawDB().SelectContext(ctx, &entries, `
		select * from badge_ledger
		where user_id = $1 and badge_id = $2
		order by id desc limit $3`,
		userID, badgeID, limit)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
