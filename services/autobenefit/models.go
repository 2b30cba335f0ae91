// Package autobenefit evaluates cumulative-badge redemption rules after
// each grant and dispatches the matching benefits automatically.
package autobenefit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/badgeworks/badge-go/services/redemption"
)

// GrantStatus - lifecycle of an automatic benefit grant
type GrantStatus string

const (
	// StatusPending - created, not yet dispatched
	StatusPending GrantStatus = "pending"
	// StatusProcessing - dispatch in flight
	StatusProcessing GrantStatus = "processing"
	// StatusSuccess - the downstream service granted the benefit
	StatusSuccess GrantStatus = "success"
	// StatusFailed - dispatch failed
	StatusFailed GrantStatus = "failed"
	// StatusSkipped - the benefit service was unreachable or absent
	StatusSkipped GrantStatus = "skipped"
)

// Grant - a record of one automatic benefit dispatch
type Grant struct {
	ID                 int64       `db:"id"`
	UserID             string      `db:"user_id"`
	RuleID             int64       `db:"rule_id"`
	TriggerBadgeID     int64       `db:"trigger_badge_id"`
	TriggerUserBadgeID int64       `db:"trigger_user_badge_id"`
	IdempotencyKey     string      `db:"idempotency_key"`
	Status             GrantStatus `db:"status"`
	BenefitGrantID     *string     `db:"benefit_grant_id"`
	Error              *string     `db:"error"`
	CreatedAt          time.Time   `db:"created_at"`
	UpdatedAt          time.Time   `db:"updated_at"`
}

// IdempotencyKey - deterministic key so retries of the same trigger
// converge on the same grant row
func IdempotencyKey(userID string, ruleID, triggerUserBadgeID int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("auto:%s:%d:%d", userID, ruleID, triggerUserBadgeID)))
	return hex.EncodeToString(sum[:])
}

// CachedRule - a redemption rule as held by the trigger index
type CachedRule struct {
	RuleID         int64
	BenefitID      int64
	BenefitType    string
	BenefitConfig  []byte
	RequiredBadges redemption.RequiredBadges
	Frequency      *redemption.FrequencyConfig
	ValidFrom      *time.Time
	ValidUntil     *time.Time
}

// WithinWindow - whether t falls inside the rule's validity window
func (r *CachedRule) WithinWindow(t time.Time) bool {
	if r.ValidFrom != nil && t.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && t.After(*r.ValidUntil) {
		return false
	}
	return true
}

// SatisfiedBy - whether every required badge is in the held set
func (r *CachedRule) SatisfiedBy(held map[int64]struct{}) bool {
	for _, required := range r.RequiredBadges {
		if _, ok := held[required.BadgeID]; !ok {
			return false
		}
	}
	return true
}

// EvaluationLog - counts recorded after each evaluation pass
type EvaluationLog struct {
	RulesEvaluated int
	RulesMatched   int
	GrantsCreated  int
	SkippedRules   []SkippedRule
	Elapsed        time.Duration
}

// SkippedRule - a rule passed over and why
type SkippedRule struct {
	RuleID int64
	Reason string
}

// skip reasons
const (
	SkipTimeWindowClosed       = "time_window_closed"
	SkipBadgeRequirementNotMet = "badge_requirement_not_met"
	SkipAlreadyGranted         = "already_granted"
	SkipFrequencyLimitReached  = "frequency_limit_reached"
	SkipBudgetExceeded         = "budget_exceeded"
	SkipNoBenefitService       = "no_benefit_service"
)
