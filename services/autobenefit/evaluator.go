package autobenefit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/badgeworks/badge-go/libs/clients/benefits"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/badgeworks/badge-go/libs/ptr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Config - evaluation budgets
type Config struct {
	Enabled               bool
	MaxRulesPerEvaluation int
	EvaluationTimeout     time.Duration
}

// DefaultConfig - evaluator defaults
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		MaxRulesPerEvaluation: 100,
		EvaluationTimeout:     5 * time.Second,
	}
}

var (
	evaluationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auto_benefit_evaluations_total",
			Help: "count of auto benefit evaluation passes",
		},
	)
	grantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_benefit_grants_total",
			Help: "count of auto benefit grants by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(evaluationsTotal, grantsTotal)
}

// BadgeHoldings looks up the user's active badges; satisfied by the
// grant service datastore
type BadgeHoldings interface {
	GetActiveBadgeIDs(ctx context.Context, userID string) ([]int64, error)
}

// Evaluator checks, after each grant, whether any cumulative rules now
// qualify the user and dispatches the matching benefits
type Evaluator struct {
	cfg       Config
	datastore Datastore
	ruleCache *RuleCache
	holdings  BadgeHoldings

	// benefitClient is late bound: the evaluator is constructed before
	// the benefit service, and skips dispatch while the slot is empty
	benefitClient benefits.Client
}

// NewEvaluator - create an evaluator; the benefit service is installed
// later via SetBenefitService
func NewEvaluator(cfg Config, datastore Datastore, ruleCache *RuleCache, holdings BadgeHoldings) *Evaluator {
	if cfg.MaxRulesPerEvaluation <= 0 {
		cfg.MaxRulesPerEvaluation = 100
	}
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = 5 * time.Second
	}
	return &Evaluator{
		cfg:       cfg,
		datastore: datastore,
		ruleCache: ruleCache,
		holdings:  holdings,
	}
}

// SetBenefitService - install the benefit client. Must happen before the
// consumer loops start.
func (e *Evaluator) SetBenefitService(client benefits.Client) {
	e.benefitClient = client
}

// HasBenefitService - whether the late bound slot has been filled
func (e *Evaluator) HasBenefitService() bool {
	return e.benefitClient != nil
}

// EvaluateTrigger - implement the grant service's evaluator hook.
// Failures are logged, never propagated into the grant path.
func (e *Evaluator) EvaluateTrigger(ctx context.Context, userID string, badgeID, userBadgeID int64) {
	logger := logging.Logger(ctx, "autobenefit.EvaluateTrigger")

	evalLog, err := e.Evaluate(ctx, userID, badgeID, userBadgeID)
	if err != nil {
		logger.Error().Err(err).
			Str("userId", userID).
			Int64("badgeId", badgeID).
			Msg("auto benefit evaluation failed")
		return
	}

	logger.Info().
		Str("userId", userID).
		Int64("badgeId", badgeID).
		Int("rulesEvaluated", evalLog.RulesEvaluated).
		Int("rulesMatched", evalLog.RulesMatched).
		Int("grantsCreated", evalLog.GrantsCreated).
		Interface("skipped", evalLog.SkippedRules).
		Dur("elapsed", evalLog.Elapsed).
		Msg("auto benefit evaluation complete")
}

// Evaluate runs the candidate rules for the trigger badge under the
// configured rule and wall clock budgets
func (e *Evaluator) Evaluate(ctx context.Context, userID string, triggerBadgeID, triggerUserBadgeID int64) (*EvaluationLog, error) {
	evalLog := &EvaluationLog{}
	if !e.cfg.Enabled {
		return evalLog, nil
	}

	start := time.Now()
	evaluationsTotal.Inc()

	deadline, cancel := context.WithTimeout(ctx, e.cfg.EvaluationTimeout)
	defer cancel()

	candidates, err := e.ruleCache.RulesForTrigger(deadline, triggerBadgeID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		evalLog.Elapsed = time.Since(start)
		return evalLog, nil
	}

	activeIDs, err := e.holdings.GetActiveBadgeIDs(deadline, userID)
	if err != nil {
		return nil, err
	}
	held := make(map[int64]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		held[id] = struct{}{}
	}

	now := time.Now()
	for i, rule := range candidates {
		if i >= e.cfg.MaxRulesPerEvaluation || time.Since(start) > e.cfg.EvaluationTimeout {
			evalLog.SkippedRules = append(evalLog.SkippedRules,
				SkippedRule{RuleID: rule.RuleID, Reason: SkipBudgetExceeded})
			continue
		}
		evalLog.RulesEvaluated++

		if !rule.WithinWindow(now) {
			evalLog.SkippedRules = append(evalLog.SkippedRules,
				SkippedRule{RuleID: rule.RuleID, Reason: SkipTimeWindowClosed})
			continue
		}

		if !rule.SatisfiedBy(held) {
			evalLog.SkippedRules = append(evalLog.SkippedRules,
				SkippedRule{RuleID: rule.RuleID, Reason: SkipBadgeRequirementNotMet})
			continue
		}

		key := IdempotencyKey(userID, rule.RuleID, triggerUserBadgeID)
		exists, err := e.datastore.ExistsByIdempotencyKey(deadline, key)
		if err != nil {
			return nil, err
		}
		if exists {
			evalLog.SkippedRules = append(evalLog.SkippedRules,
				SkippedRule{RuleID: rule.RuleID, Reason: SkipAlreadyGranted})
			continue
		}

		allowed, err := e.checkFrequency(deadline, userID, rule, now)
		if err != nil {
			return nil, err
		}
		if !allowed {
			evalLog.SkippedRules = append(evalLog.SkippedRules,
				SkippedRule{RuleID: rule.RuleID, Reason: SkipFrequencyLimitReached})
			continue
		}

		evalLog.RulesMatched++
		created, err := e.executeGrant(deadline, userID, rule, triggerBadgeID, triggerUserBadgeID, key)
		if err != nil {
			return nil, err
		}
		if created {
			evalLog.GrantsCreated++
		}
	}

	evalLog.Elapsed = time.Since(start)
	return evalLog, nil
}

// checkFrequency enforces the rule's per-user total and rolling window caps
func (e *Evaluator) checkFrequency(ctx context.Context, userID string, rule *CachedRule, now time.Time) (bool, error) {
	freq := rule.Frequency
	if freq == nil {
		return true, nil
	}

	check := func(max *int64, since *time.Time) (bool, error) {
		if max == nil {
			return true, nil
		}
		count, err := e.datastore.CountUserGrants(ctx, userID, rule.RuleID, since)
		if err != nil {
			return false, err
		}
		return count < *max, nil
	}

	if ok, err := check(freq.MaxPerUser, nil); err != nil || !ok {
		return ok, err
	}
	if ok, err := check(freq.MaxPerDay, ptr.FromTime(now.Add(-24*time.Hour))); err != nil || !ok {
		return ok, err
	}
	if ok, err := check(freq.MaxPerWeek, ptr.FromTime(now.Add(-7*24*time.Hour))); err != nil || !ok {
		return ok, err
	}
	if ok, err := check(freq.MaxPerMonth, ptr.FromTime(now.Add(-30*24*time.Hour))); err != nil || !ok {
		return ok, err
	}
	return true, nil
}

// executeGrant records the grant row, walks it through processing and
// dispatches the benefit
func (e *Evaluator) executeGrant(ctx context.Context, userID string, rule *CachedRule, triggerBadgeID, triggerUserBadgeID int64, key string) (bool, error) {
	logger := logging.Logger(ctx, "autobenefit.executeGrant")

	grantID, created, err := e.datastore.InsertPending(ctx, &Grant{
		UserID:             userID,
		RuleID:             rule.RuleID,
		TriggerBadgeID:     triggerBadgeID,
		TriggerUserBadgeID: triggerUserBadgeID,
		IdempotencyKey:     key,
	})
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}

	if !e.HasBenefitService() {
		grantsTotal.WithLabelValues("skipped").Inc()
		logger.Warn().Int64("ruleId", rule.RuleID).Msg("no benefit service installed, skipping dispatch")
		return true, e.datastore.SetStatus(ctx, grantID, StatusSkipped, nil,
			ptr.FromString(SkipNoBenefitService))
	}

	if err := e.datastore.SetStatus(ctx, grantID, StatusProcessing, nil, nil); err != nil {
		return true, err
	}

	result, err := e.dispatch(ctx, userID, rule, key)
	if err != nil {
		// an open breaker means we never reached the service, record a
		// skip so the row is distinguishable from a rejected dispatch
		status := StatusFailed
		if errors.Is(err, errorutils.ErrCircuitOpen) {
			status = StatusSkipped
		}
		grantsTotal.WithLabelValues(string(status)).Inc()
		setErr := e.datastore.SetStatus(ctx, grantID, status, nil, ptr.FromString(err.Error()))
		if setErr != nil {
			logger.Error().Err(setErr).Int64("grantId", grantID).Msg("failed to record grant failure")
		}
		// dispatch failures do not bubble into the grant path
		return true, nil
	}

	grantsTotal.WithLabelValues("success").Inc()
	return true, e.datastore.SetStatus(ctx, grantID, StatusSuccess, ptr.FromString(result.GrantID), nil)
}

// dispatch routes by benefit type. Points amounts and coupon template
// ids come out of the benefit's config document.
func (e *Evaluator) dispatch(ctx context.Context, userID string, rule *CachedRule, key string) (*benefits.GrantResult, error) {
	switch rule.BenefitType {
	case "points":
		amount := decimal.Zero
		if v := gjson.GetBytes(rule.BenefitConfig, "amount"); v.Exists() {
			amount = decimal.NewFromFloat(v.Num)
		}
		return e.benefitClient.CreditPoints(ctx, benefits.PointsRequest{
			UserID:       userID,
			Amount:       amount,
			ExternalRef:  key,
			SourceSystem: "badge-auto-benefit",
		})
	case "coupon":
		return e.benefitClient.GrantCoupon(ctx, benefits.CouponRequest{
			UserID:       userID,
			TemplateID:   gjson.GetBytes(rule.BenefitConfig, "template_id").String(),
			ExternalRef:  key,
			SourceSystem: "badge-auto-benefit",
		})
	default:
		return nil, fmt.Errorf("benefit type %q cannot be auto dispatched", rule.BenefitType)
	}
}
