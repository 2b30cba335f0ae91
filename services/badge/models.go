// Package badge holds the badge taxonomy: categories, series, badges
// and the dependency graph between badges.
package badge

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Type - the badge type
type Type string

const (
	// TypeNormal - a plain badge, at most one held per user
	TypeNormal Type = "normal"
	// TypeLimited - limited global supply
	TypeLimited Type = "limited"
	// TypeStackable - accumulates quantity
	TypeStackable Type = "stackable"
	// TypeConsumable - spent through redemption
	TypeConsumable Type = "consumable"
)

// Stackable - whether this badge type accumulates quantity beyond one
func (t Type) Stackable() bool {
	return t == TypeStackable
}

// Status - badge lifecycle status
type Status string

const (
	// StatusDraft - being authored, deletable
	StatusDraft Status = "draft"
	// StatusActive - published and grantable
	StatusActive Status = "active"
	// StatusInactive - retired from granting
	StatusInactive Status = "inactive"
	// StatusArchived - terminal
	StatusArchived Status = "archived"
)

var statusTransitions = map[Status][]Status{
	StatusDraft:    {StatusActive},
	StatusActive:   {StatusInactive},
	StatusInactive: {StatusActive, StatusArchived},
}

// CanTransition - whether the lifecycle permits moving to next
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidityKind - how a badge's holding period is computed
type ValidityKind string

const (
	// ValidityPermanent - never expires
	ValidityPermanent ValidityKind = "permanent"
	// ValidityRelativeDays - expires N days after acquisition
	ValidityRelativeDays ValidityKind = "relative_days"
	// ValidityAbsoluteWindow - valid between fixed instants
	ValidityAbsoluteWindow ValidityKind = "absolute_window"
)

// ValidityConfig - badge validity configuration
type ValidityConfig struct {
	Kind ValidityKind `json:"kind"`
	Days int          `json:"days,omitempty"`
	From *time.Time   `json:"from,omitempty"`
	To   *time.Time   `json:"to,omitempty"`
}

// ExpiresAt - compute the expiry for an acquisition at t, nil for permanent
func (vc ValidityConfig) ExpiresAt(t time.Time) *time.Time {
	switch vc.Kind {
	case ValidityRelativeDays:
		e := t.AddDate(0, 0, vc.Days)
		return &e
	case ValidityAbsoluteWindow:
		return vc.To
	default:
		return nil
	}
}

// Value - implement driver.Valuer for jsonb storage
func (vc ValidityConfig) Value() (driver.Value, error) {
	return json.Marshal(vc)
}

// Scan - implement sql.Scanner
func (vc *ValidityConfig) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return errors.New("validity config: expected []byte")
	}
	return json.Unmarshal(b, vc)
}

// Assets - badge artwork references
type Assets struct {
	Icon         string `json:"icon,omitempty"`
	Image        string `json:"image,omitempty"`
	Animation    string `json:"animation,omitempty"`
	DisabledIcon string `json:"disabledIcon,omitempty"`
}

// Value - implement driver.Valuer for jsonb storage
func (a Assets) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan - implement sql.Scanner
func (a *Assets) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return errors.New("assets: expected []byte")
	}
	return json.Unmarshal(b, a)
}

// Category - top level badge grouping
type Category struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Sort      int       `db:"sort"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Series - a group of badges within a category
type Series struct {
	ID         int64      `db:"id"`
	CategoryID int64      `db:"category_id"`
	Name       string     `db:"name"`
	Status     string     `db:"status"`
	ValidFrom  *time.Time `db:"valid_from"`
	ValidUntil *time.Time `db:"valid_until"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// Badge - a grantable badge
type Badge struct {
	ID          int64          `db:"id"`
	SeriesID    int64          `db:"series_id"`
	Type        Type           `db:"badge_type"`
	Name        string         `db:"name"`
	Code        *string        `db:"code"`
	Assets      Assets         `db:"assets"`
	Validity    ValidityConfig `db:"validity_config"`
	MaxSupply   *int64         `db:"max_supply"`
	IssuedCount int64          `db:"issued_count"`
	Status      Status         `db:"status"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// DependencyType - how a badge depends on another
type DependencyType string

const (
	// DependencyPrerequisite - gating only, nothing is deducted
	DependencyPrerequisite DependencyType = "prerequisite"
	// DependencyConsume - the depended-on badges are deducted
	DependencyConsume DependencyType = "consume"
	// DependencyExclusive - at most one badge held per exclusive group
	DependencyExclusive DependencyType = "exclusive"
)

// Dependency - an edge in the badge dependency graph
type Dependency struct {
	ID                int64          `db:"id"`
	BadgeID           int64          `db:"badge_id"`
	DependsOnBadgeID  int64          `db:"depends_on_badge_id"`
	DependencyType    DependencyType `db:"dependency_type"`
	RequiredQuantity  int64          `db:"required_quantity"`
	ExclusiveGroupID  *int64         `db:"exclusive_group_id"`
	AutoTrigger       bool           `db:"auto_trigger"`
	Priority          int            `db:"priority"`
	DependencyGroupID *int64         `db:"dependency_group_id"`
	CreatedAt         time.Time      `db:"created_at"`
}

// EventType - whitelisted event code rules may subscribe to
type EventType struct {
	Code      string    `db:"code"`
	Enabled   bool      `db:"enabled"`
	CreatedAt time.Time `db:"created_at"`
}
