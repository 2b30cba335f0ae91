package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/badgeworks/badge-go/libs/cache"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/badgeworks/badge-go/services/notification"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// timeNow is swappable for tests
var timeNow = time.Now

const refundMarkerTTLSeconds = 86400

var (
	grantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badge_grants_total",
			Help: "count of badge grants by source and outcome",
		},
		[]string{"source", "outcome"},
	)
	revokesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "badge_revokes_total",
			Help: "count of badge revocations by source and outcome",
		},
		[]string{"source", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(grantsTotal, revokesTotal)
}

// AutoBenefitEvaluator is notified after each successful grant. It is a
// late bound slot: the evaluator is installed after construction and the
// service no-ops while it is absent.
type AutoBenefitEvaluator interface {
	EvaluateTrigger(ctx context.Context, userID string, badgeID, userBadgeID int64)
}

// Service wires the grant datastore to the cache, notifications and the
// auto benefit evaluator
type Service struct {
	datastore Datastore
	cache     *cache.Cache
	notifier  *notification.Publisher
	evaluator AutoBenefitEvaluator
}

// InitService creates a grant service
func InitService(datastore Datastore, c *cache.Cache, notifier *notification.Publisher) *Service {
	return &Service{
		datastore: datastore,
		cache:     c,
		notifier:  notifier,
	}
}

// SetEvaluator installs the auto benefit evaluator. Must happen before
// the consumer loops start.
func (s *Service) SetEvaluator(evaluator AutoBenefitEvaluator) {
	s.evaluator = evaluator
}

// Datastore - the underlying datastore
func (s *Service) Datastore() Datastore {
	return s.datastore
}

// Grant issues a badge and performs the post-commit side effects: cache
// invalidation, auto benefit evaluation and the granted notification
func (s *Service) Grant(ctx context.Context, req Request) (int64, error) {
	logger := logging.Logger(ctx, "grant.Grant")

	userBadgeID, err := s.datastore.Grant(ctx, req)
	if err != nil {
		grantsTotal.WithLabelValues(string(req.SourceType), "error").Inc()
		return 0, err
	}
	grantsTotal.WithLabelValues(string(req.SourceType), "success").Inc()

	s.invalidateUserCache(ctx, req.UserID)

	if s.evaluator != nil {
		s.evaluator.EvaluateTrigger(ctx, req.UserID, req.BadgeID, userBadgeID)
	}

	if s.notifier != nil {
		s.notifier.Publish(ctx, notification.TypeBadgeGranted, req.UserID,
			"badge granted", "you earned a new badge",
			map[string]interface{}{
				"badgeId":     req.BadgeID,
				"userBadgeId": userBadgeID,
				"quantity":    req.Quantity,
			})
	}

	logger.Info().
		Str("userId", req.UserID).
		Int64("badgeId", req.BadgeID).
		Int64("userBadgeId", userBadgeID).
		Str("source", string(req.SourceType)).
		Msg("badge granted")
	return userBadgeID, nil
}

// Revoke cancels part or all of a holding
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) error {
	logger := logging.Logger(ctx, "grant.Revoke")

	if err := s.datastore.Revoke(ctx, req); err != nil {
		revokesTotal.WithLabelValues(string(req.SourceType), "error").Inc()
		return err
	}
	revokesTotal.WithLabelValues(string(req.SourceType), "success").Inc()

	s.invalidateUserCache(ctx, req.UserID)

	if s.notifier != nil {
		s.notifier.Publish(ctx, notification.TypeBadgeRevoked, req.UserID,
			"badge revoked", req.Reason,
			map[string]interface{}{
				"badgeId":  req.BadgeID,
				"quantity": req.Quantity,
			})
	}

	logger.Info().
		Str("userId", req.UserID).
		Int64("badgeId", req.BadgeID).
		Str("reason", req.Reason).
		Msg("badge revoked")
	return nil
}

// AutoRevoke revokes a specific badge or every active badge of a user
// under one of the recognized scenarios
func (s *Service) AutoRevoke(ctx context.Context, scenario AutoRevokeScenario, userID string, badgeID *int64, reason string) error {
	if !scenario.Valid() {
		return errorutils.Validation("scenario", fmt.Sprintf("unknown scenario %q", scenario))
	}
	if reason == "" {
		reason = string(scenario)
	}

	if badgeID != nil {
		held, err := s.datastore.GetUserBadge(ctx, userID, *badgeID)
		if err != nil {
			return err
		}
		return s.Revoke(ctx, RevokeRequest{
			UserID:     userID,
			BadgeID:    *badgeID,
			Quantity:   held.Quantity,
			Reason:     fmt.Sprintf("%s: %s", scenario, reason),
			SourceType: SourceSystem,
		})
	}

	revoked, err := s.datastore.RevokeAllActive(ctx, userID, fmt.Sprintf("%s: %s", scenario, reason))
	if err != nil {
		revokesTotal.WithLabelValues(string(SourceSystem), "error").Inc()
		return err
	}
	revokesTotal.WithLabelValues(string(SourceSystem), "success").Inc()
	s.invalidateUserCache(ctx, userID)

	if s.notifier != nil {
		for _, id := range revoked {
			s.notifier.Publish(ctx, notification.TypeBadgeRevoked, userID,
				"badge revoked", reason,
				map[string]interface{}{"badgeId": id, "scenario": string(scenario)})
		}
	}
	return nil
}

// RefundEvent - the data needed to reconcile a refund against grants
type RefundEvent struct {
	EventID         string
	UserID          string
	OrderID         string
	OriginalOrderID string
	RefundAmount    decimal.Decimal
	BadgeIDsToRevoke []int64
}

// HandleRefund reverses grants issued against the refunded order. A full
// refund always revokes; a partial refund revokes only when the
// remaining effective amount falls below the originating rule's amount
// threshold. Redelivery of the same refund event is a no-op.
func (s *Service) HandleRefund(ctx context.Context, refund RefundEvent) error {
	logger := logging.Logger(ctx, "grant.HandleRefund")

	marker := fmt.Sprintf(cache.RefundProcessedKeyFormat, refund.EventID)
	if _, hit, err := s.cache.Get(ctx, marker); err != nil {
		// fail open but say so: a cache outage must not stall refunds
		logger.Warn().Err(err).Str("eventId", refund.EventID).
			Msg("refund idempotency check failed open")
	} else if hit {
		logger.Info().Str("eventId", refund.EventID).Msg("refund already processed")
		return nil
	}

	granted, err := s.datastore.GetGrantsByOrderID(ctx, refund.UserID, refund.OriginalOrderID)
	if err != nil {
		return err
	}

	shouldRevoke := func(g GrantedBadge) bool {
		if len(refund.BadgeIDsToRevoke) > 0 && !containsID(refund.BadgeIDsToRevoke, g.BadgeID) {
			return false
		}
		if g.OrderAmount == nil || refund.RefundAmount.GreaterThanOrEqual(*g.OrderAmount) {
			// full refund
			return true
		}
		threshold := amountThreshold(g.RuleJSON)
		if threshold == nil {
			// no threshold on the rule, the badge survives a partial refund
			return false
		}
		effective := g.OrderAmount.Sub(refund.RefundAmount)
		return effective.LessThan(*threshold)
	}

	var errs errorutils.MultiError
	for _, g := range granted {
		if !shouldRevoke(g) {
			continue
		}
		err := s.Revoke(ctx, RevokeRequest{
			UserID:     refund.UserID,
			BadgeID:    g.BadgeID,
			Quantity:   1,
			Reason:     "refund of order " + refund.OrderID,
			SourceType: SourceRefund,
			RefID:      refund.EventID,
		})
		if err != nil {
			// an already-revoked holding is fine on redelivery
			if errors.Is(err, errorutils.ErrNotFound) || errors.Is(err, errorutils.ErrConflict) {
				continue
			}
			errs.Append(err)
		}
	}
	if errs.Count() > 0 {
		return &errs
	}

	if err := s.cache.SetEX(ctx, marker, "1", refundMarkerTTLSeconds); err != nil {
		logger.Warn().Err(err).Str("eventId", refund.EventID).
			Msg("failed to record refund processed marker")
	}
	return nil
}

// amountThreshold walks a rule document for the spend threshold its
// purchase condition gates on (gte/gt over amount fields)
func amountThreshold(ruleJSON []byte) *decimal.Decimal {
	if len(ruleJSON) == 0 {
		return nil
	}
	var found *decimal.Decimal
	var walk func(node gjson.Result)
	walk = func(node gjson.Result) {
		if children := node.Get("conditions"); children.Exists() {
			children.ForEach(func(_, child gjson.Result) bool {
				walk(child)
				return found == nil
			})
			return
		}
		field := node.Get("field").Str
		op := node.Get("operator").Str
		if (field == "amount" || field == "total_amount" ||
			field == "data.amount" || field == "data.total_amount") &&
			(op == "gte" || op == "gt") {
			if v := node.Get("value"); v.Type == gjson.Number {
				d := decimal.NewFromFloat(v.Num)
				found = &d
			}
		}
	}
	walk(gjson.ParseBytes(ruleJSON))
	return found
}

func (s *Service) invalidateUserCache(ctx context.Context, userID string) {
	if err := s.cache.Del(ctx, cache.UserBadgeKeys(userID)...); err != nil {
		logging.Logger(ctx, "grant.invalidateUserCache").
			Warn().Err(err).Str("userId", userID).Msg("failed to invalidate user badge cache")
	}
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
