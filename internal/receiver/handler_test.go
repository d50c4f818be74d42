package receiver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/kroqdotdev/webhooks-cc/internal/config"
	"github.com/kroqdotdev/webhooks-cc/pkg/types"
)

// newTestServer builds a receiver pointed at storeURL. Tests that never
// want a store round-trip preload the caches instead.
func newTestServer(t *testing.T, storeURL string) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &config.Receiver{
		StoreSiteURL: storeURL,
		SharedSecret: "test-secret",
		Port:         "0",
	}
	return New(ctx, cfg, zerolog.Nop())
}

func preloadEndpoint(t *testing.T, s *Server, slug string, info *types.EndpointInfo) {
	t.Helper()
	s.endpoints.mu.Lock()
	s.endpoints.entries[slug] = &endpointEntry{info: info, lastSync: time.Now()}
	s.endpoints.mu.Unlock()
}

func preloadQuota(t *testing.T, s *Server, slug string, entry *QuotaEntry) {
	t.Helper()
	entry.lastSync = time.Now()
	s.quotas.mu.Lock()
	s.quotas.entries[slug] = entry
	s.quotas.mu.Unlock()
}

func unlimitedQuota() *QuotaEntry {
	return &QuotaEntry{Remaining: -1, Limit: -1, IsUnlimited: true}
}

func TestIsValidSlug(t *testing.T) {
	tests := []struct {
		name  string
		slug  string
		valid bool
	}{
		{"lowercase", "abc", true},
		{"uppercase", "ABC", true},
		{"digits", "123", true},
		{"hyphen", "my-slug", true},
		{"underscore", "my_slug", true},
		{"mixed", "My-Slug_123", true},
		{"single char", "a", true},
		{"max length", strings.Repeat("a", maxSlugLen), true},
		{"too long", strings.Repeat("a", maxSlugLen+1), false},
		{"empty", "", false},
		{"path traversal dots", "../etc", false},
		{"path traversal slash", "foo/bar", false},
		{"unicode", "héllo", false},
		{"spaces", "my slug", false},
		{"special chars", "slug!", false},
		{"newline", "slug\n", false},
		{"null byte", "slug\x00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidSlug(tt.slug); got != tt.valid {
				t.Errorf("isValidSlug(%q) = %v, want %v", tt.slug, got, tt.valid)
			}
		})
	}
}

func TestRealIP(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		expected string
	}{
		{
			"X-Real-Ip takes precedence",
			map[string]string{"X-Real-Ip": "1.2.3.4", "X-Forwarded-For": "5.6.7.8"},
			"1.2.3.4",
		},
		{
			"X-Forwarded-For first IP",
			map[string]string{"X-Forwarded-For": "5.6.7.8, 9.10.11.12"},
			"5.6.7.8",
		},
		{
			"X-Forwarded-For single",
			map[string]string{"X-Forwarded-For": "13.14.15.16"},
			"13.14.15.16",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotIP string
			app := fiber.New()
			app.Get("/test-ip", func(c *fiber.Ctx) error {
				gotIP = realIP(c)
				return c.SendString("ok")
			})

			req := httptest.NewRequest("GET", "/test-ip", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			resp, err := app.Test(req, -1)
			if err != nil {
				t.Fatal(err)
			}
			_ = resp.Body.Close()

			if gotIP != tt.expected {
				t.Errorf("realIP() = %q, want %q", gotIP, tt.expected)
			}
		})
	}
}

func TestHandleWebhook_InvalidSlug(t *testing.T) {
	s := newTestServer(t, "http://store.invalid")

	// %20 decodes to a space, which fails slug validation without being
	// canonicalized away like "../" would be.
	req := httptest.NewRequest("GET", "/w/bad%20slug/", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 400 {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("expected 400 for invalid slug, got %d: %s", resp.StatusCode, string(body))
	}
}

func TestHandleWebhook_NotFound(t *testing.T) {
	mockStore := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-secret" {
			t.Errorf("expected bearer auth on store call, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(types.EndpointInfo{Error: "not_found"})
	}))
	defer mockStore.Close()

	s := newTestServer(t, mockStore.URL)

	req := httptest.NewRequest("GET", "/w/ghost-slug/", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 404 {
		t.Errorf("expected 404 for unknown endpoint, got %d", resp.StatusCode)
	}
}

func TestHandleWebhook_ExpiredEndpoint(t *testing.T) {
	s := newTestServer(t, "http://store.invalid")

	pastTime := time.Now().Add(-1 * time.Hour).UnixMilli()
	preloadEndpoint(t, s, "expired-test", &types.EndpointInfo{
		EndpointID: "ep-8",
		ExpiresAt:  &pastTime,
	})
	preloadQuota(t, s, "expired-test", unlimitedQuota())

	req := httptest.NewRequest("GET", "/w/expired-test/", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 410 {
		t.Errorf("expected 410 for expired endpoint, got %d", resp.StatusCode)
	}
}

func TestHandleWebhook_QuotaExceeded(t *testing.T) {
	s := newTestServer(t, "http://store.invalid")

	owner := "user-1"
	periodEnd := time.Now().Add(2 * time.Hour).UnixMilli()
	preloadEndpoint(t, s, "quota-test", &types.EndpointInfo{EndpointID: "ep-q", OwnerID: &owner})
	preloadQuota(t, s, "quota-test", &QuotaEntry{
		OwnerID:   &owner,
		Remaining: 0,
		Limit:     500,
		PeriodEnd: periodEnd,
	})

	req := httptest.NewRequest("POST", "/w/quota-test/", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 429 {
		t.Fatalf("expected 429 when quota exhausted, got %d", resp.StatusCode)
	}
	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retryAfter <= 0 {
		t.Errorf("expected positive Retry-After, got %q", resp.Header.Get("Retry-After"))
	}
}

func TestHandleWebhook_QuotaExhaustedByRequests(t *testing.T) {
	s := newTestServer(t, "http://store.invalid")

	owner := "user-1"
	preloadEndpoint(t, s, "drain-test", &types.EndpointInfo{EndpointID: "ep-d", OwnerID: &owner})
	preloadQuota(t, s, "drain-test", &QuotaEntry{OwnerID: &owner, Remaining: 2, Limit: 500})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/w/drain-test/", nil)
		resp, err := s.App().Test(req, -1)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
	}

	req := httptest.NewRequest("POST", "/w/drain-test/", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != 429 {
		t.Errorf("expected 429 once budget drained, got %d", resp.StatusCode)
	}
}

func TestHandleWebhook_BuffersCapture(t *testing.T) {
	s := newTestServer(t, "http://store.invalid")

	preloadEndpoint(t, s, "buffer-test", &types.EndpointInfo{EndpointID: "ep-b"})
	preloadQuota(t, s, "buffer-test", unlimitedQuota())

	req := httptest.NewRequest("POST", "/w/buffer-test/hooks/github?delivery=42", strings.NewReader(`{"action":"push"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Real-Ip", "1.2.3.4")
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	_ = resp.Body.Close()

	s.batcher.mu.Lock()
	buffered := s.batcher.buffers["buffer-test"]
	s.batcher.mu.Unlock()

	if len(buffered) != 1 {
		t.Fatalf("expected 1 buffered request, got %d", len(buffered))
	}
	got := buffered[0]
	if got.Method != "POST" {
		t.Errorf("method = %q, want POST", got.Method)
	}
	if got.Path != "/hooks/github" {
		t.Errorf("path = %q, want /hooks/github", got.Path)
	}
	if got.Body != `{"action":"push"}` {
		t.Errorf("body = %q", got.Body)
	}
	if got.QueryParams["delivery"] != "42" {
		t.Errorf("queryParams = %+v", got.QueryParams)
	}
	if got.IP != "1.2.3.4" {
		t.Errorf("ip = %q, want 1.2.3.4", got.IP)
	}
	if got.ReceivedAt == 0 {
		t.Error("receivedAt should be set at ingest")
	}
}

func TestHandleWebhook_MockResponseStatus(t *testing.T) {
	s := newTestServer(t, "http://store.invalid")

	preloadEndpoint(t, s, "status-test", &types.EndpointInfo{
		EndpointID: "ep-4",
		MockResponse: &types.MockResponse{
			Status: 201,
			Body:   `{"created": true}`,
		},
	})
	preloadQuota(t, s, "status-test", unlimitedQuota())

	req := httptest.NewRequest("POST", "/w/status-test/", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 201 {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"created": true}` {
		t.Errorf("unexpected body: %s", string(body))
	}
}

func TestHandleWebhook_InvalidMockStatus(t *testing.T) {
	s := newTestServer(t, "http://store.invalid")

	preloadEndpoint(t, s, "badstatus-test", &types.EndpointInfo{
		EndpointID: "ep-5",
		MockResponse: &types.MockResponse{
			Status: 999,
			Body:   "fallback",
		},
	})
	preloadQuota(t, s, "badstatus-test", unlimitedQuota())

	req := httptest.NewRequest("GET", "/w/badstatus-test/", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		t.Errorf("invalid mock status should fall back to 200, got %d", resp.StatusCode)
	}
}

func TestHandleWebhook_NoMockResponse(t *testing.T) {
	s := newTestServer(t, "http://store.invalid")

	preloadEndpoint(t, s, "nomock-test", &types.EndpointInfo{EndpointID: "ep-6"})
	preloadQuota(t, s, "nomock-test", unlimitedQuota())

	req := httptest.NewRequest("GET", "/w/nomock-test/", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		t.Errorf("expected 200 for no mock response, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK" {
		t.Errorf("expected body 'OK', got %q", string(body))
	}
}

func TestHandleWebhook_BlockedHeaders(t *testing.T) {
	s := newTestServer(t, "http://store.invalid")

	preloadEndpoint(t, s, "header-test", &types.EndpointInfo{
		EndpointID: "ep-1",
		MockResponse: &types.MockResponse{
			Status: 200,
			Body:   "OK",
			Headers: map[string]string{
				"X-Custom":                  "allowed",
				"Set-Cookie":                "sessionid=abc",
				"Strict-Transport-Security": "max-age=31536000",
				"Content-Security-Policy":   "default-src 'self'",
				"X-Frame-Options":           "DENY",
			},
		},
	})
	preloadQuota(t, s, "header-test", unlimitedQuota())

	req := httptest.NewRequest("GET", "/w/header-test/", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Custom") != "allowed" {
		t.Errorf("expected X-Custom=allowed, got %q", resp.Header.Get("X-Custom"))
	}
	for _, h := range []string{"Set-Cookie", "Strict-Transport-Security", "Content-Security-Policy", "X-Frame-Options"} {
		if v := resp.Header.Get(h); v != "" {
			t.Errorf("blocked header %s should not be present, got %q", h, v)
		}
	}
}

func TestHandleWebhook_CRLFInjection(t *testing.T) {
	s := newTestServer(t, "http://store.invalid")

	preloadEndpoint(t, s, "crlf-test", &types.EndpointInfo{
		EndpointID: "ep-2",
		MockResponse: &types.MockResponse{
			Status: 200,
			Body:   "OK",
			Headers: map[string]string{
				"X-Clean":    "good",
				"X-Injected": "bad\r\nInjected-Header: evil",
				"X-Key\r\n":  "bad-key",
			},
		},
	})
	preloadQuota(t, s, "crlf-test", unlimitedQuota())

	req := httptest.NewRequest("GET", "/w/crlf-test/", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Header.Get("X-Clean") != "good" {
		t.Errorf("X-Clean should be present")
	}
	if v := resp.Header.Get("X-Injected"); v != "" {
		t.Errorf("CRLF-injected header should be stripped, got %q", v)
	}
	if v := resp.Header.Get("Injected-Header"); v != "" {
		t.Errorf("CRLF-smuggled Injected-Header should not be present, got %q", v)
	}
}

func TestHandleWebhook_OversizedHeaders(t *testing.T) {
	s := newTestServer(t, "http://store.invalid")

	preloadEndpoint(t, s, "oversize-test", &types.EndpointInfo{
		EndpointID: "ep-3",
		MockResponse: &types.MockResponse{
			Status: 200,
			Body:   "OK",
			Headers: map[string]string{
				"X-Normal":   "ok",
				"X-Long-Val": strings.Repeat("x", maxHeaderValueLen+1),
				strings.Repeat("k", maxHeaderKeyLen+1): "too-long-key",
			},
		},
	})
	preloadQuota(t, s, "oversize-test", unlimitedQuota())

	req := httptest.NewRequest("GET", "/w/oversize-test/", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Header.Get("X-Normal") != "ok" {
		t.Errorf("normal header should be present")
	}
	if v := resp.Header.Get("X-Long-Val"); v != "" {
		t.Errorf("header with oversized value should be stripped, got %d chars", len(v))
	}
	for k := range resp.Header {
		if len(k) > maxHeaderKeyLen {
			t.Errorf("header with oversized key should be stripped: %q", k[:50])
		}
	}
}

func TestHandleWebhook_BodySizeLimit(t *testing.T) {
	s := newTestServer(t, "http://store.invalid")

	preloadEndpoint(t, s, "bigbody-test", &types.EndpointInfo{EndpointID: "ep-7"})
	preloadQuota(t, s, "bigbody-test", unlimitedQuota())

	bigBody := strings.NewReader(strings.Repeat("x", maxBodySize+1))
	req := httptest.NewRequest("POST", "/w/bigbody-test/", bigBody)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := s.App().Test(req, -1)

	// Fiber may surface the body limit as a transport error or a 413.
	if err != nil {
		if strings.Contains(err.Error(), "body size") || strings.Contains(err.Error(), "limit") {
			return
		}
		t.Fatalf("app.Test: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != 413 {
		t.Errorf("expected 413 for oversized body, got %d", resp.StatusCode)
	}
}

func TestHandleCacheInvalidate(t *testing.T) {
	s := newTestServer(t, "http://store.invalid")

	preloadEndpoint(t, s, "inval-test", &types.EndpointInfo{EndpointID: "ep-i"})
	preloadQuota(t, s, "inval-test", unlimitedQuota())

	req := httptest.NewRequest("POST", "/cache-invalidate/inval-test", nil)
	req.Header.Set("Authorization", "Bearer test-secret")
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	s.endpoints.mu.RLock()
	_, epCached := s.endpoints.entries["inval-test"]
	s.endpoints.mu.RUnlock()
	s.quotas.mu.RLock()
	_, qCached := s.quotas.entries["inval-test"]
	s.quotas.mu.RUnlock()

	if epCached || qCached {
		t.Errorf("expected both caches evicted, endpoint=%v quota=%v", epCached, qCached)
	}
}

func TestHandleCacheInvalidate_Unauthorized(t *testing.T) {
	s := newTestServer(t, "http://store.invalid")

	req := httptest.NewRequest("POST", "/cache-invalidate/some-slug", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != 401 {
		t.Errorf("expected 401 for wrong secret, got %d", resp.StatusCode)
	}
}

func TestHandleCacheInvalidate_NoSecretConfigured(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := New(ctx, &config.Receiver{StoreSiteURL: "http://store.invalid", Port: "0"}, zerolog.Nop())

	req := httptest.NewRequest("POST", "/cache-invalidate/some-slug", nil)
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != 401 {
		t.Errorf("invalidation must be rejected when no secret is configured, got %d", resp.StatusCode)
	}
}
