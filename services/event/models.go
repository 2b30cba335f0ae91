// Package event implements the per-event processing pipeline: decode,
// idempotency, rule lookup, validation, evaluation, grant and
// acknowledgement.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/asaskevich/govalidator"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
)

// event type codes, SCREAMING_SNAKE_CASE on the wire
const (
	// engagement
	TypeCheckIn       = "CHECK_IN"
	TypeProfileUpdate = "PROFILE_UPDATE"
	TypePageView      = "PAGE_VIEW"
	TypeShare         = "SHARE"
	TypeReview        = "REVIEW"

	// transaction
	TypePurchase    = "PURCHASE"
	TypeRefund      = "REFUND"
	TypeOrderCancel = "ORDER_CANCEL"

	// identity
	TypeRegistration      = "REGISTRATION"
	TypeMembershipUpgrade = "MEMBERSHIP_UPGRADE"
	TypeAnniversary       = "ANNIVERSARY"

	// seasonal
	TypeSeasonalActivity      = "SEASONAL_ACTIVITY"
	TypeCampaignParticipation = "CAMPAIGN_PARTICIPATION"
)

// Envelope - the canonical event wire format
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	UserID    string          `json:"userId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Source    string          `json:"source"`
	TraceID   string          `json:"traceId,omitempty"`
}

// Decode - parse and validate an envelope from the wire
func Decode(payload []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, errorutils.Wrap(err, "malformed event envelope")
	}
	if err := envelope.Validate(); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// Validate - shape constraints on the envelope
func (e *Envelope) Validate() error {
	if e.EventID == "" {
		return errorutils.Validation("eventId", "must not be empty")
	}
	if !govalidator.IsUUID(e.EventID) {
		return errorutils.Validation("eventId", "must be a uuid")
	}
	if e.EventType == "" {
		return errorutils.Validation("eventType", "must not be empty")
	}
	if e.UserID == "" {
		return errorutils.Validation("userId", "must not be empty")
	}
	if e.Timestamp.IsZero() {
		return errorutils.Validation("timestamp", "must be present")
	}
	return nil
}

// RefundData - the data payload of REFUND events
type RefundData struct {
	OrderID          string   `json:"orderId"`
	OriginalOrderID  string   `json:"originalOrderId"`
	RefundAmount     float64  `json:"refundAmount"`
	RefundReason     string   `json:"refundReason,omitempty"`
	BadgeIDsToRevoke []int64  `json:"badgeIdsToRevoke,omitempty"`
}

// PurchaseData - the data payload of PURCHASE events
type PurchaseData struct {
	OrderID     string  `json:"orderId"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	TotalAmount float64 `json:"total_amount,omitempty"`
}

// SkipReason - why a candidate rule was not granted
type SkipReason struct {
	RuleID int64  `json:"ruleId"`
	Reason string `json:"reason"`
}

// Result - the outcome of processing one event
type Result struct {
	EventID   string
	EventType string
	Candidates int
	Matched   int
	Granted   []int64
	Skips     []SkipReason
	Errors    errorutils.MultiError
}

// String - compact summary for logging
func (r *Result) String() string {
	return fmt.Sprintf("event %s: %d candidates, %d matched, %d granted, %d skipped, %d errors",
		r.EventID, r.Candidates, r.Matched, len(r.Granted), len(r.Skips), r.Errors.Count())
}
