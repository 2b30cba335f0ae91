package grant

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/badgeworks/badge-go/libs/cache"
	"github.com/badgeworks/badge-go/libs/datastore"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/gomodule/redigo/redis"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDatastore struct {
	datastore.Datastore
	granted   []Request
	revoked   []RevokeRequest
	grants    []GrantedBadge
	holdings  map[int64]*UserBadge
	wall      []WallEntry
	wallReads int
	nextID    int64
	revokeErr error
}

func (f *fakeDatastore) Grant(ctx context.Context, req Request) (int64, error) {
	f.granted = append(f.granted, req)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeDatastore) Revoke(ctx context.Context, req RevokeRequest) error {
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revoked = append(f.revoked, req)
	return nil
}

func (f *fakeDatastore) RevokeAllActive(ctx context.Context, userID, reason string) ([]int64, error) {
	ids := []int64{}
	for id, held := range f.holdings {
		if held.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeDatastore) GetUserBadge(ctx context.Context, userID string, badgeID int64) (*UserBadge, error) {
	held, ok := f.holdings[badgeID]
	if !ok {
		return nil, errorutils.ErrNotFound
	}
	return held, nil
}

func (f *fakeDatastore) GetActiveBadgeIDs(ctx context.Context, userID string) ([]int64, error) {
	return nil, nil
}

func (f *fakeDatastore) GetGrantsByOrderID(ctx context.Context, userID, orderID string) ([]GrantedBadge, error) {
	return f.grants, nil
}

func (f *fakeDatastore) GetLedger(ctx context.Context, userID string, badgeID int64, limit int) ([]LedgerEntry, error) {
	return nil, nil
}

func (f *fakeDatastore) GetBadgeWall(ctx context.Context, userID string) ([]WallEntry, error) {
	f.wallReads++
	return f.wall, nil
}

func (f *fakeDatastore) ExpireDue(ctx context.Context, limit int) (int64, error) {
	return 0, nil
}

func testService(t *testing.T) (*Service, *fakeDatastore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", mr.Addr())
		},
	}
	ds := &fakeDatastore{holdings: map[int64]*UserBadge{}}
	// notifications are exercised separately; nil keeps tests off kafka
	return InitService(ds, cache.New(pool), nil), ds, mr
}

func d(s string) decimal.Decimal {
	out, _ := decimal.NewFromString(s)
	return out
}

func TestHandleRefund_FullRefundRevokes(t *testing.T) {
	t.Parallel()
	service, ds, _ := testService(t)

	amount := d("600")
	ds.grants = []GrantedBadge{
		{UserBadgeID: 1, BadgeID: 10, OrderID: "o1", OrderAmount: &amount},
	}

	err := service.HandleRefund(context.Background(), RefundEvent{
		EventID:         "e2",
		UserID:          "u1",
		OrderID:         "r1",
		OriginalOrderID: "o1",
		RefundAmount:    d("600"),
	})
	require.NoError(t, err)
	require.Len(t, ds.revoked, 1)
	assert.Equal(t, int64(10), ds.revoked[0].BadgeID)
	assert.Equal(t, SourceRefund, ds.revoked[0].SourceType)
	assert.Equal(t, int64(1), ds.revoked[0].Quantity)
}

func TestHandleRefund_PartialRefundBelowThresholdRevokes(t *testing.T) {
	t.Parallel()
	service, ds, _ := testService(t)

	amount := d("600")
	ds.grants = []GrantedBadge{{
		UserBadgeID: 1, BadgeID: 10, OrderID: "o1", OrderAmount: &amount,
		RuleJSON: []byte(`{
			"logicalOp": "AND",
			"conditions": [
				{"field": "event_type", "operator": "eq", "value": "PURCHASE"},
				{"field": "amount", "operator": "gte", "value": 500}
			]
		}`),
	}}

	// 600 - 200 = 400, below the rule's 500 threshold
	err := service.HandleRefund(context.Background(), RefundEvent{
		EventID:         "e3",
		UserID:          "u1",
		OrderID:         "r1",
		OriginalOrderID: "o1",
		RefundAmount:    d("200"),
	})
	require.NoError(t, err)
	assert.Len(t, ds.revoked, 1)
}

func TestHandleRefund_PartialRefundAboveThresholdRetains(t *testing.T) {
	t.Parallel()
	service, ds, _ := testService(t)

	amount := d("600")
	ds.grants = []GrantedBadge{{
		UserBadgeID: 1, BadgeID: 10, OrderID: "o1", OrderAmount: &amount,
		RuleJSON: []byte(`{"field": "amount", "operator": "gte", "value": 500}`),
	}}

	// 600 - 50 = 550, still above threshold, the badge survives
	err := service.HandleRefund(context.Background(), RefundEvent{
		EventID:         "e4",
		UserID:          "u1",
		OrderID:         "r1",
		OriginalOrderID: "o1",
		RefundAmount:    d("50"),
	})
	require.NoError(t, err)
	assert.Empty(t, ds.revoked)
}

func TestHandleRefund_RedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()
	service, ds, _ := testService(t)

	amount := d("600")
	ds.grants = []GrantedBadge{
		{UserBadgeID: 1, BadgeID: 10, OrderID: "o1", OrderAmount: &amount},
	}

	refund := RefundEvent{
		EventID:         "e5",
		UserID:          "u1",
		OrderID:         "r1",
		OriginalOrderID: "o1",
		RefundAmount:    d("600"),
	}

	require.NoError(t, service.HandleRefund(context.Background(), refund))
	require.NoError(t, service.HandleRefund(context.Background(), refund))

	// the second delivery short-circuits on the processed marker
	assert.Len(t, ds.revoked, 1)
}

func TestHandleRefund_FiltersByBadgeIDs(t *testing.T) {
	t.Parallel()
	service, ds, _ := testService(t)

	amount := d("600")
	ds.grants = []GrantedBadge{
		{UserBadgeID: 1, BadgeID: 10, OrderID: "o1", OrderAmount: &amount},
		{UserBadgeID: 2, BadgeID: 20, OrderID: "o1", OrderAmount: &amount},
	}

	err := service.HandleRefund(context.Background(), RefundEvent{
		EventID:          "e6",
		UserID:           "u1",
		OrderID:          "r1",
		OriginalOrderID:  "o1",
		RefundAmount:     d("600"),
		BadgeIDsToRevoke: []int64{20},
	})
	require.NoError(t, err)
	require.Len(t, ds.revoked, 1)
	assert.Equal(t, int64(20), ds.revoked[0].BadgeID)
}

func TestAutoRevoke_RejectsUnknownScenario(t *testing.T) {
	t.Parallel()
	service, _, _ := testService(t)

	err := service.AutoRevoke(context.Background(), "made_up", "u1", nil, "because")
	assert.True(t, errorutils.IsValidation(err))
}

func TestAutoRevoke_SingleBadge(t *testing.T) {
	t.Parallel()
	service, ds, _ := testService(t)

	ds.holdings[10] = &UserBadge{ID: 1, UserID: "u1", BadgeID: 10, Status: StatusActive, Quantity: 2}

	badgeID := int64(10)
	err := service.AutoRevoke(context.Background(), ScenarioViolation, "u1", &badgeID, "tos breach")
	require.NoError(t, err)
	require.Len(t, ds.revoked, 1)
	// the whole holding is revoked
	assert.Equal(t, int64(2), ds.revoked[0].Quantity)
}

func TestAmountThreshold(t *testing.T) {
	t.Parallel()

	found := amountThreshold([]byte(`{
		"logicalOp": "AND",
		"conditions": [
			{"field": "event_type", "operator": "eq", "value": "PURCHASE"},
			{"field": "amount", "operator": "gte", "value": 500}
		]
	}`))
	require.NotNil(t, found)
	assert.True(t, found.Equal(d("500")))

	assert.Nil(t, amountThreshold([]byte(`{"field": "event_type", "operator": "eq", "value": "X"}`)))
	assert.Nil(t, amountThreshold(nil))
}

func TestGetBadgeWall_CacheAside(t *testing.T) {
	t.Parallel()
	service, ds, _ := testService(t)
	ctx := context.Background()

	ds.wall = []WallEntry{{BadgeID: 10, Name: "first purchase", Quantity: 1, Status: "active"}}

	wall, err := service.GetBadgeWall(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, wall, 1)
	assert.Equal(t, 1, ds.wallReads)

	// second read is served from the cache
	wall, err = service.GetBadgeWall(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, wall, 1)
	assert.Equal(t, int64(10), wall[0].BadgeID)
	assert.Equal(t, 1, ds.wallReads)
}

func TestGetBadgeWall_GrantInvalidates(t *testing.T) {
	t.Parallel()
	service, ds, _ := testService(t)
	ctx := context.Background()

	_, err := service.GetBadgeWall(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, ds.wallReads)

	_, err = service.Grant(ctx, Request{
		UserID: "u1", BadgeID: 10, Quantity: 1, SourceType: SourceManual, RefID: "cli",
	})
	require.NoError(t, err)

	// the grant dropped the cached wall, the next read hits the store
	_, err = service.GetBadgeWall(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, ds.wallReads)
}

func TestGrant_CacheInvalidation(t *testing.T) {
	t.Parallel()
	service, _, mr := testService(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("user:badge:u1", "cached"))
	require.NoError(t, mr.Set("user:badge:wall:u1", "cached"))

	_, err := service.Grant(ctx, Request{
		UserID:     "u1",
		BadgeID:    10,
		Quantity:   1,
		SourceType: SourceManual,
		RefID:      "test",
	})
	require.NoError(t, err)

	assert.False(t, mr.Exists("user:badge:u1"))
	assert.False(t, mr.Exists("user:badge:wall:u1"))
}
