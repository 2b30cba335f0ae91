package redemption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/badgeworks/badge-go/libs/cache"
	"github.com/badgeworks/badge-go/libs/clients/benefits"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/badgeworks/badge-go/libs/lock"
	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/badgeworks/badge-go/libs/ptr"
	"github.com/badgeworks/badge-go/services/badge"
	"github.com/badgeworks/badge-go/services/notification"
	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	competitiveLockTTL = 10 * time.Second
)

var redemptionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "redemptions_total",
		Help: "count of redemptions by flavor and outcome",
	},
	[]string{"flavor", "outcome"},
)

func init() {
	prometheus.MustRegister(redemptionsTotal)
}

// ShipmentWriter - the physical shipment bus producer
type ShipmentWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// Service wires the redemption datastore to locks, the benefit client
// and the shipment producer
type Service struct {
	datastore      Datastore
	badgeDatastore badge.Datastore
	cache          *cache.Cache
	locks          *lock.Manager
	benefitClient  benefits.Client
	shipments      ShipmentWriter
	notifier       *notification.Publisher
}

// InitService creates a redemption service
func InitService(
	datastore Datastore,
	badgeDatastore badge.Datastore,
	c *cache.Cache,
	locks *lock.Manager,
	benefitClient benefits.Client,
	shipments ShipmentWriter,
	notifier *notification.Publisher,
) *Service {
	return &Service{
		datastore:      datastore,
		badgeDatastore: badgeDatastore,
		cache:          c,
		locks:          locks,
		benefitClient:  benefitClient,
		shipments:      shipments,
		notifier:       notifier,
	}
}

// Redeem exchanges the rule's required badges for its benefit. Seeing
// the same idempotency key twice returns the prior order without
// re-execution.
func (s *Service) Redeem(ctx context.Context, userID string, ruleID int64, idempotencyKey string) (*Order, error) {
	logger := logging.Logger(ctx, "redemption.Redeem")

	if idempotencyKey == "" {
		return nil, errorutils.Validation("idempotencyKey", "must not be empty")
	}

	if prior, err := s.datastore.GetOrderByIdempotencyKey(ctx, idempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		logger.Info().Str("orderNo", prior.OrderNo).Msg("idempotent replay, returning prior order")
		return prior, nil
	}

	rule, err := s.datastore.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !rule.Enabled {
		return nil, errorutils.New(errorutils.ErrConflict, "redemption rule is disabled", nil)
	}
	now := time.Now()
	if !rule.WithinWindow(now) {
		return nil, errorutils.New(errorutils.ErrConflict, "redemption rule is outside its validity window", nil)
	}

	benefit, err := s.datastore.GetBenefit(ctx, rule.BenefitID)
	if err != nil {
		return nil, err
	}
	if !benefit.Enabled {
		return nil, errorutils.New(errorutils.ErrConflict, "benefit is disabled", nil)
	}
	if benefit.TotalStock != nil && benefit.RedeemedCount >= *benefit.TotalStock {
		return nil, errorutils.ErrQuotaExhausted
	}

	if err := s.checkFrequency(ctx, userID, rule, now); err != nil {
		return nil, err
	}

	order, err := s.datastore.Redeem(ctx, rule, userID, idempotencyKey)
	if err != nil {
		redemptionsTotal.WithLabelValues("order", "error").Inc()
		return nil, err
	}
	redemptionsTotal.WithLabelValues("order", "success").Inc()

	s.invalidateUserCache(ctx, userID)

	// dispatch is asynchronous: the badges are consumed, downstream
	// reconciles against the order number
	go s.dispatchBenefit(context.Background(), order, benefit, userID)

	logger.Info().
		Str("userId", userID).
		Str("orderNo", order.OrderNo).
		Int64("ruleId", ruleID).
		Msg("redemption order completed")
	return order, nil
}

func (s *Service) checkFrequency(ctx context.Context, userID string, rule *Rule, now time.Time) error {
	check := func(max *int64, since *time.Time) error {
		if max == nil {
			return nil
		}
		count, err := s.datastore.CountUserOrders(ctx, userID, rule.ID, since)
		if err != nil {
			return err
		}
		if count >= *max {
			return errorutils.ErrQuotaExhausted
		}
		return nil
	}

	if err := check(rule.Frequency.MaxPerUser, nil); err != nil {
		return err
	}
	if err := check(rule.Frequency.MaxPerDay, ptr.FromTime(now.Add(-24*time.Hour))); err != nil {
		return err
	}
	if err := check(rule.Frequency.MaxPerWeek, ptr.FromTime(now.Add(-7*24*time.Hour))); err != nil {
		return err
	}
	return check(rule.Frequency.MaxPerMonth, ptr.FromTime(now.Add(-30*24*time.Hour)))
}

// dispatchBenefit sends the benefit downstream with the order number as
// the external reference and records the result on the order
func (s *Service) dispatchBenefit(ctx context.Context, order *Order, benefit *Benefit, userID string) {
	logger := logging.Logger(ctx, "redemption.dispatchBenefit")

	var result interface{}
	var err error

	switch benefit.Type {
	case BenefitCoupon:
		result, err = s.benefitClient.GrantCoupon(ctx, benefits.CouponRequest{
			UserID:       userID,
			TemplateID:   gjson.GetBytes(benefit.Config, "template_id").String(),
			ExternalRef:  order.OrderNo,
			SourceSystem: "badge-redemption",
		})
	case BenefitPoints:
		result, err = s.benefitClient.CreditPoints(ctx, benefits.PointsRequest{
			UserID:       userID,
			Amount:       decimal.NewFromFloat(gjson.GetBytes(benefit.Config, "amount").Num),
			ExternalRef:  order.OrderNo,
			SourceSystem: "badge-redemption",
		})
	case BenefitPhysical:
		payload, merr := json.Marshal(map[string]interface{}{
			"orderNo":   order.OrderNo,
			"userId":    userID,
			"benefitId": benefit.ID,
			"config":    json.RawMessage(benefit.Config),
		})
		if merr == nil {
			err = s.shipments.WriteMessages(ctx, kafkago.Message{
				Key:   []byte(userID),
				Value: payload,
			})
			result = map[string]string{"dispatch": "shipment_requested"}
		} else {
			err = merr
		}
	default:
		result = map[string]string{"dispatch": "deferred"}
	}

	if err != nil {
		logger.Error().Err(err).
			Str("orderNo", order.OrderNo).
			Str("benefitType", string(benefit.Type)).
			Msg("benefit dispatch failed, downstream reconciliation required")
		result = map[string]string{"error": err.Error()}
	}

	raw, merr := json.Marshal(result)
	if merr != nil {
		logger.Error().Err(merr).Str("orderNo", order.OrderNo).Msg("failed to encode benefit result")
		return
	}
	if err := s.datastore.SetOrderBenefitResult(ctx, order.ID, raw); err != nil {
		logger.Error().Err(err).Str("orderNo", order.OrderNo).Msg("failed to record benefit result")
	}

	if err == nil && s.notifier != nil {
		s.notifier.Publish(ctx, notification.TypeRedemptionSuccess, userID,
			"redemption complete", fmt.Sprintf("your %s is on the way", benefit.Name),
			map[string]interface{}{"orderNo": order.OrderNo, "benefitId": benefit.ID})
	}
}

// CompetitiveRedeem consumes the target badge's dependency badges and
// grants the target under a distributed lock. Contended rows fail fast
// with LockConflict rather than blocking.
func (s *Service) CompetitiveRedeem(ctx context.Context, userID string, targetBadgeID int64) (int64, error) {
	logger := logging.Logger(ctx, "redemption.CompetitiveRedeem")

	guard, err := s.locks.TryAcquire(ctx,
		fmt.Sprintf("redeem:%s:%d", userID, targetBadgeID), competitiveLockTTL)
	if err != nil {
		redemptionsTotal.WithLabelValues("competitive", "lock_conflict").Inc()
		return 0, errorutils.ErrLockConflict
	}
	defer func() {
		if err := guard.Release(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to release competitive redemption lock")
		}
	}()

	target, err := s.badgeDatastore.GetBadge(ctx, targetBadgeID)
	if err != nil {
		return 0, err
	}

	deps, err := s.badgeDatastore.GetDependencies(ctx, targetBadgeID, badge.DependencyConsume)
	if err != nil {
		return 0, err
	}
	if len(deps) == 0 {
		return 0, errorutils.New(errorutils.ErrConflict,
			fmt.Sprintf("badge %d has no consume dependencies", targetBadgeID), nil)
	}

	if err := s.checkExclusiveGroups(ctx, userID, deps); err != nil {
		return 0, err
	}

	userBadgeID, err := s.datastore.CompetitiveRedeem(ctx, userID, target, deps)
	if err != nil {
		outcome := "error"
		if errors.Is(err, errorutils.ErrLockConflict) {
			outcome = "lock_conflict"
		}
		redemptionsTotal.WithLabelValues("competitive", outcome).Inc()
		return 0, err
	}
	redemptionsTotal.WithLabelValues("competitive", "success").Inc()

	s.invalidateUserCache(ctx, userID)

	if s.notifier != nil {
		s.notifier.Publish(ctx, notification.TypeBadgeGranted, userID,
			"badge won", fmt.Sprintf("you claimed %s", target.Name),
			map[string]interface{}{"badgeId": target.ID, "userBadgeId": userBadgeID})
	}
	return userBadgeID, nil
}

// checkExclusiveGroups rejects the redemption when the user already
// holds another badge in any exclusive group the dependencies touch
func (s *Service) checkExclusiveGroups(ctx context.Context, userID string, deps []badge.Dependency) error {
	consumed := map[int64]struct{}{}
	groups := map[int64]struct{}{}
	for _, dep := range deps {
		consumed[dep.DependsOnBadgeID] = struct{}{}
		if dep.ExclusiveGroupID != nil {
			groups[*dep.ExclusiveGroupID] = struct{}{}
		}
	}
	if len(groups) == 0 {
		return nil
	}

	for groupID := range groups {
		memberIDs, err := s.badgeDatastore.GetExclusiveGroupBadgeIDs(ctx, groupID)
		if err != nil {
			return err
		}
		for _, memberID := range memberIDs {
			if _, isConsumed := consumed[memberID]; isConsumed {
				continue
			}
			held, err := s.heldActive(ctx, userID, memberID)
			if err != nil {
				return err
			}
			if held {
				return errorutils.New(errorutils.ErrConflict,
					fmt.Sprintf("user already holds badge %d in exclusive group %d", memberID, groupID), nil)
			}
		}
	}
	return nil
}

func (s *Service) heldActive(ctx context.Context, userID string, badgeID int64) (bool, error) {
	var held bool
	err := s.datastore.RawDB().GetContext(ctx, &held, `
		select exists(
			select 1 from user_badges
			where user_id = $1 and badge_id = $2 and status = 'active' and quantity > 0)`,
		userID, badgeID)
	return held, err
}

func (s *Service) invalidateUserCache(ctx context.Context, userID string) {
	if err := s.cache.Del(ctx, cache.UserBadgeKeys(userID)...); err != nil {
		logging.Logger(ctx, "redemption.invalidateUserCache").
			Warn().Err(err).Str("userId", userID).Msg("failed to invalidate user badge cache")
	}
}
