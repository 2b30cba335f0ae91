// Package clients holds the base outbound http client the per-service
// clients build on.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/badgeworks/badge-go/libs/closers"
	errorutils "github.com/badgeworks/badge-go/libs/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var concurrentClientRequests = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "concurrent_client_requests",
		Help: "Gauge that holds the current number of client requests",
	},
	[]string{
		"host",
		"method",
	},
)

func init() {
	prometheus.MustRegister(concurrentClientRequests)
}

// HTTPState - the state of an outbound request, attached to error bundles
type HTTPState struct {
	Status int
	Path   string
	Body   interface{}
}

// NewHTTPError - build an error bundle carrying request state
func NewHTTPError(cause error, path, message string, status int, v interface{}) error {
	return errorutils.New(cause, message, HTTPState{
		Status: status,
		Path:   path,
		Body:   v,
	})
}

// SimpleHTTPClient wraps http.Client for making simple token authorized requests
type SimpleHTTPClient struct {
	BaseURL   *url.URL
	AuthToken string

	client *http.Client
}

// New returns a new SimpleHTTPClient
func New(serverURL string, authToken string) (*SimpleHTTPClient, error) {
	return NewWithHTTPClient(serverURL, authToken, &http.Client{
		Timeout: time.Second * 10,
	})
}

// NewWithHTTPClient returns a new SimpleHTTPClient, using the provided http.Client
func NewWithHTTPClient(serverURL string, authToken string, client *http.Client) (*SimpleHTTPClient, error) {
	baseURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}

	return &SimpleHTTPClient{
		BaseURL:   baseURL,
		AuthToken: authToken,
		client:    client,
	}, nil
}

// NewRequest creates a request against this client's base url, JSON
// encoding the body passed
func (c *SimpleHTTPClient) NewRequest(
	ctx context.Context,
	method,
	path string,
	body interface{},
) (*http.Request, error) {
	var buf io.ReadWriter

	resolvedURL := c.BaseURL.ResolveReference(&url.URL{Path: path})

	if body != nil && method != http.MethodGet {
		buf = new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, errorutils.Wrap(err, "unable to encode body")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, resolvedURL.String(), buf)
	if err != nil {
		return nil, NewHTTPError(err, resolvedURL.String(), "request", http.StatusBadRequest, body)
	}

	req.Header.Set("accept", "application/json")
	if body != nil {
		req.Header.Add("content-type", "application/json")
	}
	if c.AuthToken != "" {
		req.Header.Set("authorization", "Bearer "+c.AuthToken)
	}
	return req, nil
}

// Do the specified http request, decoding the JSON result into v
func (c *SimpleHTTPClient) Do(ctx context.Context, req *http.Request, v interface{}) (*http.Response, error) {
	labels := prometheus.Labels{"host": req.URL.Host, "method": req.Method}
	concurrentClientRequests.With(labels).Inc()
	defer concurrentClientRequests.With(labels).Dec()

	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, NewHTTPError(err, req.URL.Path, "failed to perform api request", 0, nil)
	}
	defer closers.Log(ctx, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return resp, NewHTTPError(
			fmt.Errorf("request error: %d", resp.StatusCode),
			req.URL.Path,
			fmt.Sprintf("request error: %d", resp.StatusCode),
			resp.StatusCode,
			string(body),
		)
	}

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return resp, errorutils.Wrap(err, "failed to unmarshal the response")
		}
	}
	return resp, nil
}
