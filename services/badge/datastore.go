package badge

import (
	"context"
	"database/sql"
	"errors"

	"github.com/badgeworks/badge-go/libs/datastore"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/jmoiron/sqlx"
)

// Datastore abstracts over the badge taxonomy storage
type Datastore interface {
	datastore.Datastore
	// GetBadge by id
	GetBadge(ctx context.Context, badgeID int64) (*Badge, error)
	// GetBadgeForUpdate row-locks the badge inside tx for supply accounting
	GetBadgeForUpdate(ctx context.Context, tx *sqlx.Tx, badgeID int64) (*Badge, error)
	// CreateBadge inserts a draft badge
	CreateBadge(ctx context.Context, b *Badge) (*Badge, error)
	// UpdateBadge partial-updates a badge, nil fields left unchanged
	UpdateBadge(ctx context.Context, badgeID int64, name *string, status *Status, maxSupply *int64) (*Badge, error)
	// DeleteDraftBadge removes a badge still in draft
	DeleteDraftBadge(ctx context.Context, badgeID int64) error
	// GetDependencies lists dependency edges for a badge, highest priority first
	GetDependencies(ctx context.Context, badgeID int64, depType DependencyType) ([]Dependency, error)
	// GetExclusiveGroupBadgeIDs lists all badges in an exclusive group
	GetExclusiveGroupBadgeIDs(ctx context.Context, groupID int64) ([]int64, error)
	// IsEventTypeEnabled checks the event code whitelist
	IsEventTypeEnabled(ctx context.Context, code string) (bool, error)
}

// Postgres is a Datastore wrapper around a postgres database
type Postgres struct {
	datastore.Postgres
}

// NewPostgres creates a new badge Datastore
func NewPostgres(databaseURL string, performMigration bool) (Datastore, error) {
	pg, err := datastore.NewPostgres(databaseURL, performMigration)
	if pg != nil {
		return &Postgres{*pg}, err
	}
	return nil, err
}

// GetBadge by id
func (pg *Postgres) GetBadge(ctx context.Context, badgeID int64) (*Badge, error) {
	var b Badge
	err := pg.RawDB().GetContext(ctx, &b, `select * from badges where id = $1`, badgeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorutils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBadgeForUpdate row-locks the badge row to serialize supply accounting
func (pg *Postgres) GetBadgeForUpdate(ctx context.Context, tx *sqlx.Tx, badgeID int64) (*Badge, error) {
	var b Badge
	err := tx.GetContext(ctx, &b, `select * from badges where id = $1 for update`, badgeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorutils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBadge inserts a draft badge
func (pg *Postgres) CreateBadge(ctx context.Context, b *Badge) (*Badge, error) {
	statement := `
	insert into badges (series_id, badge_type, name, code, assets, validity_config, max_supply, status)
	values ($1, $2, $3, $4, $5, $6, $7, 'draft')
	returning *`
	var created Badge
	err := pg.RawDB().GetContext(ctx, &created, statement,
		b.SeriesID, b.Type, b.Name, b.Code, b.Assets, b.Validity, b.MaxSupply)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateBadge partial-updates a badge using coalesce so nil parameters
// leave the column untouched
func (pg *Postgres) UpdateBadge(ctx context.Context, badgeID int64, name *string, status *Status, maxSupply *int64) (*Badge, error) {
	statement := `
	update badges set
		name = coalesce($2, name),
		status = coalesce($3, status),
		max_supply = coalesce($4, max_supply),
		updated_at = now()
	where id = $1
	returning *`
	var updated Badge
	err := pg.RawDB().GetContext(ctx, &updated, statement, badgeID, name, status, maxSupply)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errorutils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteDraftBadge removes a badge, refusing anything past draft
func (pg *Postgres) DeleteDraftBadge(ctx context.Context, badgeID int64) error {
	res, err := pg.RawDB().ExecContext(ctx,
		`delete from badges where id = $1 and status = 'draft'`, badgeID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// either missing or not draft, disambiguate for the caller
		var exists bool
		if err := pg.RawDB().GetContext(ctx, &exists,
			`select exists(select 1 from badges where id = $1)`, badgeID); err != nil {
			return err
		}
		if exists {
			return errorutils.ErrConflict
		}
		return errorutils.ErrNotFound
	}
	return nil
}

// GetDependencies lists dependency edges for a badge
func (pg *Postgres) GetDependencies(ctx context.Context, badgeID int64, depType DependencyType) ([]Dependency, error) {
	deps := []Dependency{}
	err := pg.RawDB().SelectContext(ctx, &deps, `
		select * from badge_dependencies
		where badge_id = $1 and dependency_type = $2
		order by priority desc, id asc`, badgeID, depType)
	if err != nil {
		return nil, err
	}
	return deps, nil
}

// GetExclusiveGroupBadgeIDs lists the badges belonging to an exclusive group
func (pg *Postgres) GetExclusiveGroupBadgeIDs(ctx context.Context, groupID int64) ([]int64, error) {
	ids := []int64{}
	err := pg.RawDB().SelectContext(ctx, &ids, `
		select distinct badge_id from badge_dependencies where exclusive_group_id = $1
		union
		select distinct depends_on_badge_id from badge_dependencies where exclusive_group_id = $1`,
		groupID)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// IsEventTypeEnabled checks the event code whitelist
func (pg *Postgres) IsEventTypeEnabled(ctx context.Context, code string) (bool, error) {
	var enabled bool
	err := pg.RawDB().GetContext(ctx, &enabled,
		`select enabled from event_types where code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled, nil
}
