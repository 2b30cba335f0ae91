package autobenefit

import (
	"context"
	"time"

	"github.com/badgeworks/badge-go/libs/logging"
	gocache "github.com/patrickmn/go-cache"
)

const (
	indexCacheKey = "trigger_index"

	// DefaultIndexTTL - how long the trigger index is served before the
	// next read rebuilds it
	DefaultIndexTTL = 5 * time.Minute
)

// triggerIndex maps a trigger badge id to the cached rules that list it
// among their requirements
type triggerIndex map[int64][]*CachedRule

// RuleCache holds the trigger index with a ttl plus explicit invalidation
type RuleCache struct {
	datastore Datastore
	store     *gocache.Cache
}

// NewRuleCache - create a rule cache over the datastore
func NewRuleCache(datastore Datastore) *RuleCache {
	return &RuleCache{
		datastore: datastore,
		store:     gocache.New(DefaultIndexTTL, 10*time.Minute),
	}
}

// Invalidate - drop the index so the next read rebuilds it
func (rc *RuleCache) Invalidate() {
	rc.store.Delete(indexCacheKey)
}

// RulesForTrigger - the candidate rules for a trigger badge
func (rc *RuleCache) RulesForTrigger(ctx context.Context, badgeID int64) ([]*CachedRule, error) {
	index, err := rc.index(ctx)
	if err != nil {
		return nil, err
	}
	return index[badgeID], nil
}

func (rc *RuleCache) index(ctx context.Context) (triggerIndex, error) {
	if cached, ok := rc.store.Get(indexCacheKey); ok {
		return cached.(triggerIndex), nil
	}

	logger := logging.Logger(ctx, "autobenefit.RuleCache")

	loaded, err := rc.datastore.GetAutoRedeemRules(ctx)
	if err != nil {
		return nil, err
	}

	index := triggerIndex{}
	for i := range loaded {
		row := loaded[i]
		freq := row.Frequency
		rule := &CachedRule{
			RuleID:         row.ID,
			BenefitID:      row.BenefitID,
			BenefitType:    row.BenefitType,
			BenefitConfig:  row.BenefitConfig,
			RequiredBadges: row.RequiredBadges,
			Frequency:      &freq,
			ValidFrom:      row.ValidFrom,
			ValidUntil:     row.ValidUntil,
		}
		// a rule is triggerable by any of the badges it requires
		for _, required := range row.RequiredBadges {
			index[required.BadgeID] = append(index[required.BadgeID], rule)
		}
	}

	rc.store.SetDefault(indexCacheKey, index)
	logger.Debug().Int("rules", len(loaded)).Msg("rebuilt auto benefit trigger index")
	return index, nil
}
