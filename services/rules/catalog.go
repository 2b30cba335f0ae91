package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/badgeworks/badge-go/libs/kafka"
	"github.com/badgeworks/badge-go/libs/logging"
	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	// DefaultRefreshInterval - catalog refresh cadence
	DefaultRefreshInterval = 30 * time.Second
	// DefaultInitialLoadTimeout - maximum time to wait for the first load
	DefaultInitialLoadTimeout = 10 * time.Second
)

var (
	catalogRulesLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rule_catalog_rules_loaded",
			Help: "number of rules in the current catalog snapshot",
		},
	)
	catalogRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_catalog_refresh_total",
			Help: "count of catalog refreshes by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(catalogRulesLoaded, catalogRefreshTotal)
}

// ReloadSignal - the badge.rule.reload payload. Any field may be null
// meaning reload everything.
type ReloadSignal struct {
	ServiceGroup  *string   `json:"service_group"`
	EventType     *string   `json:"event_type"`
	TriggerSource string    `json:"trigger_source"`
	TriggeredAt   time.Time `json:"triggered_at"`
}

// snapshot - one immutable generation of the catalog
type snapshot struct {
	byEventType map[string][]*CatalogRule
}

// CatalogRule - a rule with its compiled form, as served by the catalog
type CatalogRule struct {
	Rule     Rule
	Compiled *CompiledRule
}

// Catalog - the per-process index of active rules by event type.
// Readers see either the old or the new snapshot, never a mix.
type Catalog struct {
	datastore Datastore
	engine    *Engine
	interval  time.Duration

	current atomic.Value // *snapshot
}

// NewCatalog - create an unloaded catalog
func NewCatalog(datastore Datastore, engine *Engine, interval time.Duration) *Catalog {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	c := &Catalog{
		datastore: datastore,
		engine:    engine,
		interval:  interval,
	}
	c.current.Store(&snapshot{byEventType: map[string][]*CatalogRule{}})
	return c
}

// InitialLoad - block until the first load succeeds or the timeout
// elapses. A failed initial load is fatal to service startup.
func (c *Catalog) InitialLoad(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultInitialLoadTimeout
	}
	loadCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.Refresh(loadCtx, ""); err != nil {
		return fmt.Errorf("rule catalog initial load failed: %w", err)
	}
	return nil
}

// Refresh - rebuild the snapshot from the store. With an event type the
// reload is partial: only that event type's slice is replaced.
func (c *Catalog) Refresh(ctx context.Context, eventType string) error {
	logger := logging.Logger(ctx, "rules.Catalog")

	loaded, err := c.datastore.GetActiveRules(ctx, eventType)
	if err != nil {
		catalogRefreshTotal.WithLabelValues("error").Inc()
		// serve the previous snapshot on refresh failure
		logger.Error().Err(err).Msg("catalog refresh failed, keeping previous snapshot")
		return err
	}

	next := map[string][]*CatalogRule{}
	if eventType != "" {
		// carry over every other event type from the current snapshot
		for et, catalogRules := range c.snapshot().byEventType {
			if et != eventType {
				next[et] = catalogRules
			}
		}
	}

	count := 0
	for i := range loaded {
		r := loaded[i]
		if r.EndTime != nil && time.Now().After(*r.EndTime) {
			// a rule whose window has closed never matches, skip it
			continue
		}
		compiled, err := Compile(r.ID, r.RuleCode, 0, r.RuleJSON)
		if err != nil {
			logger.Error().Err(err).Int64("ruleId", r.ID).Msg("skipping uncompilable rule")
			continue
		}
		if err := c.engine.LoadRule(r.ID, r.RuleCode, 0, r.RuleJSON); err != nil {
			logger.Error().Err(err).Int64("ruleId", r.ID).Msg("failed to load rule into engine")
			continue
		}
		next[r.EventType] = append(next[r.EventType], &CatalogRule{Rule: r, Compiled: compiled})
		count++
	}

	c.current.Store(&snapshot{byEventType: next})
	catalogRefreshTotal.WithLabelValues("success").Inc()

	total := 0
	for _, catalogRules := range next {
		total += len(catalogRules)
	}
	catalogRulesLoaded.Set(float64(total))

	logger.Debug().Int("loaded", count).Int("total", total).Str("eventType", eventType).
		Msg("rule catalog refreshed")
	return nil
}

func (c *Catalog) snapshot() *snapshot {
	return c.current.Load().(*snapshot)
}

// RulesFor - the active rules subscribed to an event type. The returned
// slice belongs to an immutable snapshot and must not be mutated.
func (c *Catalog) RulesFor(eventType string) []*CatalogRule {
	return c.snapshot().byEventType[eventType]
}

// Run - periodic refresh until ctx is done
func (c *Catalog) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// failures keep the previous snapshot, already logged
			_ = c.Refresh(ctx, "")
		}
	}
}

// HandleReload - implement the bus reload listener. Malformed signals
// trigger a full reload rather than being dropped.
func (c *Catalog) HandleReload(ctx context.Context, message kafkago.Message) error {
	logger := logging.Logger(ctx, "rules.Catalog")

	var signal ReloadSignal
	eventType := ""
	if err := json.Unmarshal(message.Value, &signal); err != nil {
		logger.Warn().Err(err).Msg("malformed reload signal, reloading everything")
	} else if signal.EventType != nil {
		eventType = *signal.EventType
	}

	return c.Refresh(ctx, eventType)
}

// RunReloadListener - consume badge.rule.reload
func (c *Catalog) RunReloadListener(ctx context.Context, dialer *kafkago.Dialer, group string) error {
	reader := kafka.NewReader(dialer, kafka.RuleReloadTopic, group)
	defer func() { _ = reader.Close() }()

	return kafka.Consume(ctx, reader, kafka.HandlerFunc(c.HandleReload),
		// reload failures keep the old snapshot, nothing to dead letter
		errorSwallower{})
}

type errorSwallower struct{}

func (errorSwallower) Handle(ctx context.Context, message kafkago.Message, handleErr error) error {
	logging.Logger(ctx, "rules.Catalog").Warn().Err(handleErr).Msg("reload signal processing failed")
	return nil
}
