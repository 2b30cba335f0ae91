// Package benefits holds the client for the downstream benefit services
// (coupon issuance and points credit). Physical goods are dispatched over
// the bus, not through this client.
package benefits

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/badgeworks/badge-go/libs/backoff"
	"github.com/badgeworks/badge-go/libs/backoff/retrypolicy"
	"github.com/badgeworks/badge-go/libs/breaker"
	"github.com/badgeworks/badge-go/libs/clients"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/shopspring/decimal"
)

var nonRetriableErrors = []int{
	http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
	http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity,
}

// requestRetryPolicy - a fresh policy per request; the attempt counter
// and expiry clock belong to one dispatch, not the process
func requestRetryPolicy() retrypolicy.Retry {
	policy, err := retrypolicy.New(
		retrypolicy.WithInitialInterval(100*time.Millisecond),
		retrypolicy.WithBackoffCoefficient(2),
		retrypolicy.WithMaximumInterval(2*time.Second),
		retrypolicy.WithMaximumAttempts(3),
		retrypolicy.WithExpirationInterval(30*time.Second),
	)
	if err != nil {
		return retrypolicy.NoRetry
	}
	return policy
}

// Client abstracts over the benefit service endpoints
type Client interface {
	GrantCoupon(ctx context.Context, req CouponRequest) (*GrantResult, error)
	CreditPoints(ctx context.Context, req PointsRequest) (*GrantResult, error)
}

// CouponRequest - issue a coupon to a user
type CouponRequest struct {
	UserID       string `json:"userId"`
	TemplateID   string `json:"templateId"`
	ExternalRef  string `json:"externalRef"`
	SourceSystem string `json:"sourceSystem"`
}

// PointsRequest - credit points to a user
type PointsRequest struct {
	UserID       string          `json:"userId"`
	Amount       decimal.Decimal `json:"amount"`
	ExternalRef  string          `json:"externalRef"`
	SourceSystem string          `json:"sourceSystem"`
}

// GrantResult - the downstream grant identifier
type GrantResult struct {
	GrantID string `json:"grantId"`
	Status  string `json:"status"`
}

// HTTPClient - benefit service client over http. Transient failures are
// retried with backoff; the circuit breaker sees only the final outcome.
type HTTPClient struct {
	client  *clients.SimpleHTTPClient
	breaker *breaker.Breaker
	retry   backoff.RetryFunc
}

// New - benefit client from the environment
func New() (Client, error) {
	base, err := clients.NewWithHTTPClient(
		os.Getenv("BADGE_BENEFIT_SERVER"),
		os.Getenv("BADGE_BENEFIT_TOKEN"),
		&http.Client{Timeout: 30 * time.Second},
	)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		client:  base,
		breaker: breaker.New(breaker.DefaultConfig("benefit_service")),
		retry:   backoff.Retry,
	}, nil
}

// canRetry - transient outcomes only; client-caused statuses abort
func canRetry(nonRetriableErrors []int) func(error) bool {
	return func(err error) bool {
		var eb *errorutils.ErrorBundle
		if errors.As(err, &eb) {
			if hs, ok := eb.Data().(clients.HTTPState); ok {
				for _, httpStatusCode := range nonRetriableErrors {
					if hs.Status == httpStatusCode {
						return false
					}
				}
				return true
			}
		}
		return false
	}
}

func (c *HTTPClient) post(ctx context.Context, path string, body interface{}) (*GrantResult, error) {
	var result GrantResult
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		requestOperation := func() (interface{}, error) {
			req, err := c.client.NewRequest(ctx, http.MethodPost, path, body)
			if err != nil {
				return nil, err
			}
			return c.client.Do(ctx, req, &result)
		}
		_, err := c.retry(ctx, requestOperation, requestRetryPolicy(), canRetry(nonRetriableErrors))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GrantCoupon - issue a coupon through the coupon api
func (c *HTTPClient) GrantCoupon(ctx context.Context, couponReq CouponRequest) (*GrantResult, error) {
	return c.post(ctx, "/v1/coupons/grant", couponReq)
}

// CreditPoints - credit points through the points api
func (c *HTTPClient) CreditPoints(ctx context.Context, pointsReq PointsRequest) (*GrantResult, error) {
	return c.post(ctx, "/v1/points/credit", pointsReq)
}
