// Package redemption implements exchanging badges for benefits
// (order based) and for target badges (competitive, supply limited).
package redemption

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// BenefitType - what a benefit dispenses
type BenefitType string

const (
	// BenefitCoupon - a coupon issued through the coupon api
	BenefitCoupon BenefitType = "coupon"
	// BenefitPoints - points credited through the points api
	BenefitPoints BenefitType = "points"
	// BenefitPhysical - physical goods shipped via a bus message
	BenefitPhysical BenefitType = "physical"
	// BenefitMembership - a membership upgrade
	BenefitMembership BenefitType = "membership"
	// BenefitPrivilege - an account privilege flag
	BenefitPrivilege BenefitType = "privilege"
)

// Benefit - a downstream reward
type Benefit struct {
	ID            int64           `db:"id"`
	Type          BenefitType     `db:"benefit_type"`
	Name          string          `db:"name"`
	Config        json.RawMessage `db:"config"`
	TotalStock    *int64          `db:"total_stock"`
	RedeemedCount int64           `db:"redeemed_count"`
	Enabled       bool            `db:"enabled"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// RequiredBadge - one badge requirement of a redemption rule
type RequiredBadge struct {
	BadgeID  int64 `json:"badge_id"`
	Quantity int64 `json:"quantity"`
}

// RequiredBadges - the jsonb requirement list
type RequiredBadges []RequiredBadge

// Value - implement driver.Valuer
func (r RequiredBadges) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan - implement sql.Scanner
func (r *RequiredBadges) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return errors.New("required badges: expected []byte")
	}
	return json.Unmarshal(b, r)
}

// FrequencyConfig - how often a rule may fire for one user
type FrequencyConfig struct {
	MaxPerUser  *int64 `json:"max_per_user,omitempty"`
	MaxPerDay   *int64 `json:"max_per_day,omitempty"`
	MaxPerWeek  *int64 `json:"max_per_week,omitempty"`
	MaxPerMonth *int64 `json:"max_per_month,omitempty"`
}

// Value - implement driver.Valuer
func (f FrequencyConfig) Value() (driver.Value, error) {
	return json.Marshal(f)
}

// Scan - implement sql.Scanner
func (f *FrequencyConfig) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return errors.New("frequency config: expected []byte")
	}
	return json.Unmarshal(b, f)
}

// Rule - a redemption rule: which badges buy which benefit
type Rule struct {
	ID             int64           `db:"id"`
	Name           string          `db:"name"`
	BenefitID      int64           `db:"benefit_id"`
	RequiredBadges RequiredBadges  `db:"required_badges"`
	Frequency      FrequencyConfig `db:"frequency_config"`
	ValidFrom      *time.Time      `db:"valid_from"`
	ValidUntil     *time.Time      `db:"valid_until"`
	AutoRedeem     bool            `db:"auto_redeem"`
	Enabled        bool            `db:"enabled"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// WithinWindow - whether t falls inside the rule's validity window
func (r *Rule) WithinWindow(t time.Time) bool {
	if r.ValidFrom != nil && t.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && t.After(*r.ValidUntil) {
		return false
	}
	return true
}

// OrderStatus - redemption order lifecycle
type OrderStatus string

const (
	// OrderPending - created, consumption in progress
	OrderPending OrderStatus = "pending"
	// OrderSuccess - badges consumed, benefit dispatch underway
	OrderSuccess OrderStatus = "success"
	// OrderFailed - the order could not complete
	OrderFailed OrderStatus = "failed"
)

// Order - a redemption order
type Order struct {
	ID             int64           `db:"id"`
	OrderNo        string          `db:"order_no"`
	UserID         string          `db:"user_id"`
	RuleID         int64           `db:"rule_id"`
	BenefitID      int64           `db:"benefit_id"`
	Status         OrderStatus     `db:"status"`
	IdempotencyKey string          `db:"idempotency_key"`
	BenefitResult  json.RawMessage `db:"benefit_result"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// Detail - one consumed badge lot of an order
type Detail struct {
	ID          int64 `db:"id"`
	OrderID     int64 `db:"order_id"`
	UserBadgeID int64 `db:"user_badge_id"`
	BadgeID     int64 `db:"badge_id"`
	Quantity    int64 `db:"quantity"`
}
