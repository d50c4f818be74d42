package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// ReceiverNotifier evicts receiver caches after endpoint changes so stale
// mock responses do not linger for a full TTL. Best effort: a miss only
// means the receiver serves stale config until the cache expires.
type ReceiverNotifier struct {
	baseURL string
	secret  string
	http    *http.Client
	log     zerolog.Logger
}

func NewReceiverNotifier(baseURL, secret string, log zerolog.Logger) *ReceiverNotifier {
	return &ReceiverNotifier{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 5 * time.Second},
		log:     log,
	}
}

// Invalidate asks the receiver to drop its cached entries for slug.
// No-op when no receiver URL is configured.
func (n *ReceiverNotifier) Invalidate(ctx context.Context, slug string) {
	if n.baseURL == "" {
		return
	}

	if err := n.post(ctx, slug); err != nil {
		n.log.Warn().Str("slug", slug).Err(err).Msg("receiver cache invalidation failed")
	}
}

func (n *ReceiverNotifier) post(ctx context.Context, slug string) error {
	req, err := http.NewRequestWithContext(ctx, "POST", n.baseURL+"/cache-invalidate/"+url.PathEscape(slug), nil)
	if err != nil {
		return fmt.Errorf("create invalidation request: %w", err)
	}
	if n.secret != "" {
		req.Header.Set("Authorization", "Bearer "+n.secret)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("call receiver: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("receiver returned status %d", resp.StatusCode)
	}
	return nil
}
