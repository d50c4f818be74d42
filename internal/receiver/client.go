package receiver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/kroqdotdev/webhooks-cc/pkg/types"
)

// errCircuitOpen is returned without touching the network while the store
// is considered down.
var errCircuitOpen = errors.New("store circuit breaker is open")

// StoreClient is the receiver's HTTP client for the store's internal
// actions. Every call goes through a shared circuit breaker so a store
// outage degrades to cached behavior instead of piling up timeouts.
type StoreClient struct {
	baseURL string
	secret  string
	http    *http.Client
	breaker *circuitBreaker
	log     zerolog.Logger
}

// NewStoreClient builds a client for the store at baseURL. secret may be
// empty during local development; the store then skips auth too.
func NewStoreClient(baseURL, secret string, log zerolog.Logger) *StoreClient {
	return &StoreClient{
		baseURL: baseURL,
		secret:  secret,
		http: &http.Client{
			Timeout: httpTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: newCircuitBreaker(breakerThreshold, breakerCooldown),
		log:     log,
	}
}

// FetchEndpointInfo resolves an endpoint's configuration by slug.
func (s *StoreClient) FetchEndpointInfo(ctx context.Context, slug string) (*types.EndpointInfo, error) {
	var result types.EndpointInfo
	err := s.getJSON(ctx, "/endpoint-info?slug="+url.QueryEscape(slug), &result)
	if err != nil {
		return nil, fmt.Errorf("fetch endpoint info: %w", err)
	}
	return &result, nil
}

// FetchQuota resolves the owning user's remaining request budget by slug.
func (s *StoreClient) FetchQuota(ctx context.Context, slug string) (*types.QuotaResponse, error) {
	var result types.QuotaResponse
	err := s.getJSON(ctx, "/quota?slug="+url.QueryEscape(slug), &result)
	if err != nil {
		return nil, fmt.Errorf("fetch quota: %w", err)
	}
	return &result, nil
}

// CaptureBatch ships a slug's buffered requests to the store.
func (s *StoreClient) CaptureBatch(ctx context.Context, slug string, requests []types.BufferedRequest) (*types.CaptureResponse, error) {
	payload, err := json.Marshal(types.CaptureBatchRequest{
		Slug:     slug,
		Requests: requests,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}

	var result types.CaptureResponse
	if err := s.do(ctx, "POST", "/capture-batch", payload, &result); err != nil {
		return nil, fmt.Errorf("capture batch: %w", err)
	}
	return &result, nil
}

func (s *StoreClient) getJSON(ctx context.Context, path string, out any) error {
	return s.do(ctx, "GET", path, nil, out)
}

func (s *StoreClient) do(ctx context.Context, method, path string, payload []byte, out any) error {
	if !s.breaker.AllowRequest() {
		return errCircuitOpen
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		s.breaker.RecordFailure()
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.secret != "" {
		req.Header.Set("Authorization", "Bearer "+s.secret)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		s.breaker.RecordFailure()
		return fmt.Errorf("call store: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxStoreResponseSize))
	if err != nil {
		s.breaker.RecordFailure()
		return fmt.Errorf("read store response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.breaker.RecordFailure()
		return fmt.Errorf("store returned status %d: %s", resp.StatusCode, string(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		s.breaker.RecordFailure()
		return fmt.Errorf("parse store response: %w", err)
	}

	s.breaker.RecordSuccess()
	return nil
}
