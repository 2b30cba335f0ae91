package grant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/badgeworks/badge-go/libs/cache"
	"github.com/badgeworks/badge-go/libs/logging"
)

const wallCacheTTLSeconds = 300

// WallEntry - one badge on a user's badge wall
type WallEntry struct {
	BadgeID    int64      `db:"badge_id" json:"badgeId"`
	Name       string     `db:"name" json:"name"`
	Icon       string     `db:"icon" json:"icon"`
	Status     string     `db:"status" json:"status"`
	Quantity   int64      `db:"quantity" json:"quantity"`
	AcquiredAt time.Time  `db:"acquired_at" json:"acquiredAt"`
	ExpiresAt  *time.Time `db:"expires_at" json:"expiresAt,omitempty"`
}

// GetBadgeWall - the user's display view, cache-aside over the store.
// Grants, revocations and redemptions invalidate it; staleness between
// those is acceptable.
func (s *Service) GetBadgeWall(ctx context.Context, userID string) ([]WallEntry, error) {
	logger := logging.Logger(ctx, "grant.GetBadgeWall")

	key := fmt.Sprintf(cache.UserBadgeWallKeyFormat, userID)
	if cached, hit, err := s.cache.Get(ctx, key); err != nil {
		logger.Warn().Err(err).Str("userId", userID).Msg("wall cache read failed, falling through")
	} else if hit {
		wall := []WallEntry{}
		if err := json.Unmarshal([]byte(cached), &wall); err == nil {
			return wall, nil
		}
		// a corrupt entry falls through to the store and gets rewritten
		logger.Warn().Str("userId", userID).Msg("discarding unreadable wall cache entry")
	}

	wall, err := s.datastore.GetBadgeWall(ctx, userID)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(wall); err == nil {
		if err := s.cache.SetEX(ctx, key, string(encoded), wallCacheTTLSeconds); err != nil {
			logger.Warn().Err(err).Str("userId", userID).Msg("failed to populate wall cache")
		}
	}
	return wall, nil
}
