// Package grant implements badge issuance, revocation and refund
// reconciliation. Every mutation of a user's badge quantity happens in
// one transaction and produces exactly one ledger row.
package grant

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserBadgeStatus - lifecycle of a held badge
type UserBadgeStatus string

const (
	// StatusActive - held and usable
	StatusActive UserBadgeStatus = "active"
	// StatusRedeemed - fully consumed through redemption
	StatusRedeemed UserBadgeStatus = "redeemed"
	// StatusRevoked - cancelled, quantity returned to zero
	StatusRevoked UserBadgeStatus = "revoked"
	// StatusExpired - validity window elapsed
	StatusExpired UserBadgeStatus = "expired"
)

// UserBadge - a user's holding of one badge
type UserBadge struct {
	ID         int64           `db:"id"`
	UserID     string          `db:"user_id"`
	BadgeID    int64           `db:"badge_id"`
	Status     UserBadgeStatus `db:"status"`
	Quantity   int64           `db:"quantity"`
	AcquiredAt time.Time       `db:"acquired_at"`
	ExpiresAt  *time.Time      `db:"expires_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

// ChangeType - ledger entry type
type ChangeType string

const (
	// ChangeGrant - issuance, positive quantity
	ChangeGrant ChangeType = "grant"
	// ChangeCancel - revocation, negative quantity
	ChangeCancel ChangeType = "cancel"
	// ChangeRedeemOut - consumed by redemption, negative quantity
	ChangeRedeemOut ChangeType = "redeem_out"
	// ChangeExpire - expired, negative quantity
	ChangeExpire ChangeType = "expire"
)

// SourceType - what initiated a ledger change
type SourceType string

const (
	// SourceEvent - rule match on a bus event
	SourceEvent SourceType = "event"
	// SourceManual - administrator issuance
	SourceManual SourceType = "manual"
	// SourceRedemption - redemption consumed or produced the badge
	SourceRedemption SourceType = "redemption"
	// SourceRefund - refund reconciliation
	SourceRefund SourceType = "refund"
	// SourceBatch - batch task issuance
	SourceBatch SourceType = "batch"
	// SourceSystem - system triggered (expiry sweeps, auto revoke)
	SourceSystem SourceType = "system"
)

// LedgerEntry - one signed quantity change. Append only; the sum of
// quantities for a (user, badge) pair always equals the current holding.
type LedgerEntry struct {
	ID           int64            `db:"id"`
	UserID       string           `db:"user_id"`
	BadgeID      int64            `db:"badge_id"`
	RuleID       *int64           `db:"rule_id"`
	ChangeType   ChangeType       `db:"change_type"`
	SourceType   SourceType       `db:"source_type"`
	RefID        string           `db:"ref_id"`
	OrderID      *string          `db:"order_id"`
	OrderAmount  *decimal.Decimal `db:"order_amount"`
	Quantity     int64            `db:"quantity"`
	BalanceAfter int64            `db:"balance_after"`
	Remark       string           `db:"remark"`
	CreatedAt    time.Time        `db:"created_at"`
}

// Request - a grant request
type Request struct {
	UserID     string
	BadgeID    int64
	Quantity   int64
	SourceType SourceType
	RefID      string
	Reason     string
	// RuleID ties the grant to a rule's global quota accounting
	RuleID *int64
	// OrderID and OrderAmount are captured for purchase triggered grants
	// so refunds can be reconciled later
	OrderID     *string
	OrderAmount *decimal.Decimal
}

// RevokeRequest - a revocation request
type RevokeRequest struct {
	UserID     string
	BadgeID    int64
	Quantity   int64
	Reason     string
	SourceType SourceType
	RefID      string
}

// AutoRevokeScenario - why an automatic revocation fired
type AutoRevokeScenario string

const (
	// ScenarioAccountDeletion - the account was removed
	ScenarioAccountDeletion AutoRevokeScenario = "account_deletion"
	// ScenarioIdentityChange - the identity backing the badge changed
	ScenarioIdentityChange AutoRevokeScenario = "identity_change"
	// ScenarioConditionUnmet - the qualifying condition no longer holds
	ScenarioConditionUnmet AutoRevokeScenario = "condition_unmet"
	// ScenarioViolation - terms violation
	ScenarioViolation AutoRevokeScenario = "violation"
	// ScenarioSystemTriggered - other system initiated revocation
	ScenarioSystemTriggered AutoRevokeScenario = "system_triggered"
)

// Valid - whether this is a known scenario
func (s AutoRevokeScenario) Valid() bool {
	switch s {
	case ScenarioAccountDeletion, ScenarioIdentityChange, ScenarioConditionUnmet,
		ScenarioViolation, ScenarioSystemTriggered:
		return true
	}
	return false
}

// GrantedBadge - a grant located during refund reconciliation
type GrantedBadge struct {
	UserBadgeID int64            `db:"user_badge_id"`
	BadgeID     int64            `db:"badge_id"`
	RuleID      *int64           `db:"rule_id"`
	RuleJSON    []byte           `db:"rule_json"`
	OrderID     string           `db:"order_id"`
	OrderAmount *decimal.Decimal `db:"order_amount"`
}
