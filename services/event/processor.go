package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/badgeworks/badge-go/libs/cache"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/badgeworks/badge-go/services/badge"
	"github.com/badgeworks/badge-go/services/grant"
	"github.com/badgeworks/badge-go/services/rules"
	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// DefaultProcessedTTL - how long processed-event markers are kept
const DefaultProcessedTTL = 24 * time.Hour

var (
	eventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_processed_total",
			Help: "count of processed events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)
	ruleSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_rule_skips_total",
			Help: "count of candidate rules skipped during validation",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(eventsProcessedTotal, ruleSkipsTotal)
}

// Processor runs the per-event pipeline
type Processor struct {
	catalog        *rules.Catalog
	engine         *rules.Engine
	ruleDatastore  rules.Datastore
	badgeDatastore badge.Datastore
	grants         *grant.Service
	cache          *cache.Cache
	processedTTL   time.Duration
}

// NewProcessor - wire up the pipeline
func NewProcessor(
	catalog *rules.Catalog,
	engine *rules.Engine,
	ruleDatastore rules.Datastore,
	badgeDatastore badge.Datastore,
	grants *grant.Service,
	c *cache.Cache,
) *Processor {
	return &Processor{
		catalog:        catalog,
		engine:         engine,
		ruleDatastore:  ruleDatastore,
		badgeDatastore: badgeDatastore,
		grants:         grants,
		cache:          c,
		processedTTL:   DefaultProcessedTTL,
	}
}

// SetProcessedTTL - override the processed-marker retention
func (p *Processor) SetProcessedTTL(ttl time.Duration) {
	if ttl > 0 {
		p.processedTTL = ttl
	}
}

// Handle - implement the consumer loop handler. A returned error routes
// the message to the dead letter queue; the loop commits either way.
func (p *Processor) Handle(ctx context.Context, message kafkago.Message) error {
	logger := logging.Logger(ctx, "event.Processor")

	envelope, err := Decode(message.Value)
	if err != nil {
		eventsProcessedTotal.WithLabelValues("unknown", "malformed").Inc()
		return err
	}

	result, err := p.Process(ctx, envelope)
	if err != nil {
		eventsProcessedTotal.WithLabelValues(envelope.EventType, "error").Inc()
		return err
	}

	outcome := "no_match"
	if len(result.Granted) > 0 {
		outcome = "granted"
	}
	eventsProcessedTotal.WithLabelValues(envelope.EventType, outcome).Inc()

	logger.Info().
		Str("eventId", envelope.EventID).
		Str("eventType", envelope.EventType).
		Str("userId", envelope.UserID).
		Str("result", result.String()).
		Msg("event processed")
	return nil
}

// Process - run the pipeline for one decoded envelope
func (p *Processor) Process(ctx context.Context, envelope *Envelope) (*Result, error) {
	logger := logging.Logger(ctx, "event.Process")
	result := &Result{EventID: envelope.EventID, EventType: envelope.EventType}

	// idempotency: the same event id produces side effects at most once
	marker := fmt.Sprintf(cache.EventProcessedKeyFormat, envelope.EventID)
	if _, hit, err := p.cache.Get(ctx, marker); err != nil {
		// fail open, but never silently
		logger.Warn().Err(err).Str("eventId", envelope.EventID).
			Msg("idempotency check failed open")
	} else if hit {
		logger.Debug().Str("eventId", envelope.EventID).Msg("duplicate delivery, skipping")
		return result, nil
	}

	// refunds follow the compensation path, not rule evaluation
	if envelope.EventType == TypeRefund || envelope.EventType == TypeOrderCancel {
		if err := p.processRefund(ctx, envelope); err != nil {
			return nil, err
		}
		p.markProcessed(ctx, marker, envelope.EventID)
		return result, nil
	}

	enabled, err := p.badgeDatastore.IsEventTypeEnabled(ctx, envelope.EventType)
	if err != nil {
		logger.Warn().Err(err).Msg("event type whitelist check failed open")
	} else if !enabled {
		ruleSkipsTotal.WithLabelValues("event_type_disabled").Inc()
		p.markProcessed(ctx, marker, envelope.EventID)
		return result, nil
	}

	candidates := p.catalog.RulesFor(envelope.EventType)
	result.Candidates = len(candidates)
	if len(candidates) == 0 {
		p.markProcessed(ctx, marker, envelope.EventID)
		return result, nil
	}

	survivors := p.validateCandidates(ctx, envelope, candidates, result)
	if len(survivors) > 0 {
		p.evaluateAndGrant(ctx, envelope, survivors, result)
	}

	p.markProcessed(ctx, marker, envelope.EventID)
	return result, nil
}

// validateCandidates applies the per-rule pre-checks independently: one
// rule's failed validation is recorded as a skip, never blocks the rest
func (p *Processor) validateCandidates(ctx context.Context, envelope *Envelope, candidates []*rules.CatalogRule, result *Result) []*rules.CatalogRule {
	survivors := make([]*rules.CatalogRule, 0, len(candidates))

	for _, candidate := range candidates {
		r := candidate.Rule

		if !r.ActiveAt(envelope.Timestamp) {
			ruleSkipsTotal.WithLabelValues("window_inactive").Inc()
			result.Skips = append(result.Skips, SkipReason{RuleID: r.ID, Reason: "window_inactive"})
			continue
		}

		// the snapshot's counter is advisory; the grant transaction
		// enforces the quota atomically
		if r.GlobalQuota != nil && r.GlobalGranted >= *r.GlobalQuota {
			ruleSkipsTotal.WithLabelValues("global_quota").Inc()
			result.Skips = append(result.Skips, SkipReason{RuleID: r.ID, Reason: "global_quota"})
			continue
		}

		if r.MaxCountPerUser != nil {
			count, err := p.ruleDatastore.CountUserGrants(ctx, r.ID, envelope.UserID)
			if err != nil {
				result.Errors.Append(fmt.Errorf("rule %d user count: %w", r.ID, err))
				continue
			}
			if count >= *r.MaxCountPerUser {
				ruleSkipsTotal.WithLabelValues("user_limit").Inc()
				result.Skips = append(result.Skips, SkipReason{RuleID: r.ID, Reason: "user_limit"})
				continue
			}
		}

		survivors = append(survivors, candidate)
	}
	return survivors
}

// evaluateAndGrant batch evaluates the surviving rules and grants per
// match. Failures are collected, one rule's failure does not stop others.
func (p *Processor) evaluateAndGrant(ctx context.Context, envelope *Envelope, survivors []*rules.CatalogRule, result *Result) {
	logger := logging.Logger(ctx, "event.evaluateAndGrant")

	evalCtx := &rules.Context{
		EventID:   envelope.EventID,
		EventType: envelope.EventType,
		UserID:    envelope.UserID,
		Timestamp: envelope.Timestamp,
		Source:    envelope.Source,
		Data:      envelope.Data,
	}

	ids := make([]int64, len(survivors))
	byID := make(map[int64]*rules.CatalogRule, len(survivors))
	for i, s := range survivors {
		ids[i] = s.Rule.ID
		byID[s.Rule.ID] = s
	}

	evaluations, err := p.engine.EvaluateBatch(ids, evalCtx)
	if err != nil {
		result.Errors.Append(err)
		evaluations = nil
	}

	// if the engine has no compiled copies (partial rollout), evaluate
	// the catalog's own compiled trees in process so events still flow
	if len(evaluations) == 0 {
		for _, s := range survivors {
			evaluation, err := rules.EvaluateCompiled(s.Compiled, evalCtx)
			if err != nil {
				result.Errors.Append(fmt.Errorf("rule %d: %w", s.Rule.ID, err))
				continue
			}
			evaluations = append(evaluations, evaluation)
		}
	}

	for _, evaluation := range evaluations {
		if !evaluation.Matched {
			continue
		}
		result.Matched++

		matchedRule := byID[evaluation.RuleID]
		if matchedRule == nil {
			continue
		}

		req := grant.Request{
			UserID:     envelope.UserID,
			BadgeID:    matchedRule.Rule.BadgeID,
			Quantity:   1,
			SourceType: grant.SourceEvent,
			RefID:      envelope.EventID,
			Reason:     fmt.Sprintf("matched rule %s", matchedRule.Rule.RuleCode),
			RuleID:     &matchedRule.Rule.ID,
		}
		if envelope.EventType == TypePurchase {
			if orderID := gjson.GetBytes(envelope.Data, "orderId"); orderID.Exists() {
				s := orderID.String()
				req.OrderID = &s
			}
			if amount := gjson.GetBytes(envelope.Data, "amount"); amount.Exists() {
				d := decimal.NewFromFloat(amount.Num)
				req.OrderAmount = &d
			}
		}

		userBadgeID, err := p.grants.Grant(ctx, req)
		if err != nil {
			logger.Warn().Err(err).
				Int64("ruleId", matchedRule.Rule.ID).
				Str("eventId", envelope.EventID).
				Msg("grant failed for matched rule")
			result.Errors.Append(fmt.Errorf("rule %d: %w", matchedRule.Rule.ID, err))
			continue
		}
		result.Granted = append(result.Granted, userBadgeID)
	}
}

func (p *Processor) processRefund(ctx context.Context, envelope *Envelope) error {
	var data RefundData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return errorutils.Wrap(err, "malformed refund data")
	}
	if data.OriginalOrderID == "" {
		return errorutils.Validation("originalOrderId", "must not be empty")
	}

	return p.grants.HandleRefund(ctx, grant.RefundEvent{
		EventID:          envelope.EventID,
		UserID:           envelope.UserID,
		OrderID:          data.OrderID,
		OriginalOrderID:  data.OriginalOrderID,
		RefundAmount:     decimal.NewFromFloat(data.RefundAmount),
		BadgeIDsToRevoke: data.BadgeIDsToRevoke,
	})
}

func (p *Processor) markProcessed(ctx context.Context, marker, eventID string) {
	if err := p.cache.SetEX(ctx, marker, "1", int(p.processedTTL.Seconds())); err != nil {
		logging.Logger(ctx, "event.markProcessed").
			Warn().Err(err).Str("eventId", eventID).
			Msg("failed to record processed marker, duplicate side effects possible")
	}
}
