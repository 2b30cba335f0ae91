package autobenefit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/badgeworks/badge-go/libs/datastore"
	"github.com/badgeworks/badge-go/services/redemption"
)

// Datastore abstracts over auto benefit grant storage
type Datastore interface {
	datastore.Datastore
	// GetAutoRedeemRules loads enabled rules with auto redeem on
	GetAutoRedeemRules(ctx context.Context) ([]RuleRow, error)
	// ExistsByIdempotencyKey - has this trigger already produced a grant
	ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error)
	// InsertPending creates a pending grant row; a duplicate key is not an error
	InsertPending(ctx context.Context, g *Grant) (int64, bool, error)
	// SetStatus transitions a grant row
	SetStatus(ctx context.Context, grantID int64, status GrantStatus, benefitGrantID, grantError *string) error
	// CountUserGrants - successes for (user, rule) since the given time
	CountUserGrants(ctx context.Context, userID string, ruleID int64, since *time.Time) (int64, error)
}

// RuleRow - the auto redeem projection of a redemption rule joined with
// its benefit
type RuleRow struct {
	ID             int64                      `db:"id"`
	BenefitID      int64                      `db:"benefit_id"`
	BenefitType    string                     `db:"benefit_type"`
	BenefitConfig  []byte                     `db:"benefit_config"`
	RequiredBadges redemption.RequiredBadges  `db:"required_badges"`
	Frequency      redemption.FrequencyConfig `db:"frequency_config"`
	ValidFrom      *time.Time                 `db:"valid_from"`
	ValidUntil     *time.Time                 `db:"valid_until"`
}

// Postgres is a Datastore wrapper around a postgres database
type Postgres struct {
	datastore.Postgres
}

// NewPostgres creates a new autobenefit Datastore
func NewPostgres(databaseURL string, performMigration bool) (Datastore, error) {
	pg, err := datastore.NewPostgres(databaseURL, performMigration)
	if pg != nil {
		return &Postgres{*pg}, err
	}
	return nil, err
}

// GetAutoRedeemRules loads enabled redemption rules with auto redeem on
func (pg *Postgres) GetAutoRedeemRules(ctx context.Context) ([]RuleRow, error) {
	loaded := []RuleRow{}
	err := pg.RawDB().SelectContext(ctx, &loaded, `
		select r.id, r.benefit_id, b.benefit_type, b.config as benefit_config,
		       r.required_badges, r.frequency_config, r.valid_from, r.valid_until
		from badge_redemption_rules r
		join benefits b on b.id = r.benefit_id
		where r.enabled = true and r.auto_redeem = true and b.enabled = true`)
	if err != nil {
		return nil, err
	}
	return loaded, nil
}

// ExistsByIdempotencyKey - has this trigger already produced a grant
func (pg *Postgres) ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := pg.RawDB().GetContext(ctx, &exists,
		`select exists(select 1 from auto_benefit_grants where idempotency_key = $1)`, key)
	return exists, err
}

// InsertPending creates a pending grant row. The second return is false
// when the idempotency key already existed.
func (pg *Postgres) InsertPending(ctx context.Context, g *Grant) (int64, bool, error) {
	var id int64
	err := pg.RawDB().GetContext(ctx, &id, `
		insert into auto_benefit_grants
			(user_id, rule_id, trigger_badge_id, trigger_user_badge_id, idempotency_key, status)
		values ($1, $2, $3, $4, $5, 'pending')
		on conflict (idempotency_key) do nothing
		returning id`,
		g.UserID, g.RuleID, g.TriggerBadgeID, g.TriggerUserBadgeID, g.IdempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		// conflict, another evaluation won the race
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// SetStatus transitions a grant row
func (pg *Postgres) SetStatus(ctx context.Context, grantID int64, status GrantStatus, benefitGrantID, grantError *string) error {
	_, err := pg.RawDB().ExecContext(ctx, `
		update auto_benefit_grants
		set status = $2,
		    benefit_grant_id = coalesce($3, benefit_grant_id),
		    error = coalesce($4, error),
		    updated_at = now()
		where id = $1`,
		grantID, status, benefitGrantID, grantError)
	return err
}

// CountUserGrants - successful grants for (user, rule), optionally since
// a window start
func (pg *Postgres) CountUserGrants(ctx context.Context, userID string, ruleID int64, since *time.Time) (int64, error) {
	var count int64
	err := pg.RawDB().GetContext(ctx, &count, `
		select count(*) from auto_benefit_grants
		where user_id = $1 and rule_id = $2 and status = 'success'
		  and ($3::timestamptz is null or created_at >= $3)`,
		userID, ruleID, since)
	return count, err
}
