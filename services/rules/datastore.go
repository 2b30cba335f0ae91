package rules

import (
	"context"
	"database/sql"
	"errors"

	"github.com/badgeworks/badge-go/libs/datastore"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
)

// Datastore abstracts over rule and template storage
type Datastore interface {
	datastore.Datastore
	// GetActiveRules returns enabled rules whose badge is active,
	// optionally filtered to one event type
	GetActiveRules(ctx context.Context, eventType string) ([]Rule, error)
	// GetRule by id
	GetRule(ctx context.Context, ruleID int64) (*Rule, error)
	// CountUserGrants - grants already issued to the user for this rule
	CountUserGrants(ctx context.Context, ruleID int64, userID string) (int64, error)
	// GetTemplate by code
	GetTemplate(ctx context.Context, code string) (*Template, error)
	// CreateRuleFromTemplate persists an instantiated rule, disabled
	CreateRuleFromTemplate(ctx context.Context, r *Rule) (*Rule, error)
	// SetRuleEnabled flips a rule's enabled flag
	SetRuleEnabled(ctx context.Context, ruleID int64, enabled bool) error
}

// Postgres is a Datastore wrapper around a postgres database
type Postgres struct {
	datastore.Postgres
}

// NewPostgres creates a new rules Datastore
func NewPostgres(databaseURL string, performMigration bool) (Datastore, error) {
	pg, err := datastore.NewPostgres(databaseURL, performMigration)
	if pg != nil {
		return &Postgres{*pg}, err
	}
	return nil, err
}

// GetActiveRules returns rules which participate in evaluation
func (pg *Postgres) GetActiveRules(ctx context.Context, eventType string) ([]Rule, error) {
	statement := `
	select r.* from badge_rules r
	join badges b on b.id = r.badge_id
	where r.enabled = true
	  and b.status = 'active'
	  and ($1 = '' or r.event_type = $1)
	order by r.id`
	found := []Rule{}
	if err := pg.RawDB().SelectContext(ctx, &found, statement, eventType); err != nil {
		return nil, err
	}
	return found, nil
}

// GetRule by id
func (pg *Postgres) GetRule(ctx context.Context, ruleID int64) (*Rule, error) {
	var r Rule
	err := pg.RawDB().GetContext(ctx, &r, `select * from badge_rules where id = $1`, ruleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorutils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CountUserGrants - distinct grant ledger entries for (rule, user)
func (pg *Postgres) CountUserGrants(ctx context.Context, ruleID int64, userID string) (int64, error) {
	var count int64
	err := pg.RawDB().GetContext(ctx, &count, `
		select count(*) from badge_ledger
		where user_id = $1 and rule_id = $2 and change_type = 'grant'`,
		userID, ruleID)
	return count, err
}

// GetTemplate by unique code
func (pg *Postgres) GetTemplate(ctx context.Context, code string) (*Template, error) {
	var t Template
	err := pg.RawDB().GetContext(ctx, &t, `select * from rule_templates where code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorutils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateRuleFromTemplate persists an instantiated rule. Rules are born
// disabled; publishing flips the flag and reloads the catalog.
func (pg *Postgres) CreateRuleFromTemplate(ctx context.Context, r *Rule) (*Rule, error) {
	statement := `
	insert into badge_rules
		(badge_id, rule_code, event_type, rule_json, start_time, end_time,
		 max_count_per_user, global_quota, enabled, template_id, template_params)
	values ($1, $2, $3, $4, $5, $6, $7, $8, false, $9, $10)
	returning *`
	var created Rule
	err := pg.RawDB().GetContext(ctx, &created, statement,
		r.BadgeID, r.RuleCode, r.EventType, r.RuleJSON, r.StartTime, r.EndTime,
		r.MaxCountPerUser, r.GlobalQuota, r.TemplateID, r.TemplateParams)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// SetRuleEnabled flips a rule's enabled flag
func (pg *Postgres) SetRuleEnabled(ctx context.Context, ruleID int64, enabled bool) error {
	res, err := pg.RawDB().ExecContext(ctx,
		`update badge_rules set enabled = $2, updated_at = now() where id = $1`,
		ruleID, enabled)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errorutils.ErrNotFound
	}
	return nil
}
