package receiver

import (
	"crypto/subtle"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kroqdotdev/webhooks-cc/pkg/types"
)

// realIP extracts the client IP from proxy headers, falling back to the
// direct connection IP. The reverse proxy sets X-Forwarded-For and X-Real-Ip.
func realIP(c *fiber.Ctx) string {
	if ip := c.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	// X-Forwarded-For can be a comma-separated chain; first entry is the client
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	return c.IP()
}

// handleWebhook is the ingest fast path: resolve the endpoint from cache,
// admit against the cached quota, buffer the capture, and answer with the
// configured mock response. No store I/O happens synchronously unless a
// cache is cold.
func (s *Server) handleWebhook(c *fiber.Ctx) error {
	slug := c.Params("slug")
	if !isValidSlug(slug) {
		return c.Status(400).JSON(fiber.Map{"error": "invalid_slug"})
	}
	path := c.Params("*")
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	endpointInfo, err := s.endpoints.Get(c.UserContext(), slug)
	if err != nil {
		s.log.Error().Str("slug", slug).Err(err).Msg("endpoint info fetch failed")
		return c.Status(500).SendString("Internal server error")
	}
	if endpointInfo == nil || endpointInfo.Error == "not_found" {
		return c.Status(404).SendString("Endpoint not found")
	}

	if endpointInfo.ExpiresAt != nil && *endpointInfo.ExpiresAt < time.Now().UnixMilli() {
		return c.Status(410).SendString("Endpoint expired")
	}

	// Quota is advisory and fails open: an unreachable store must never
	// block ingest.
	quota, err := s.quotas.Check(c.UserContext(), slug)
	if err != nil {
		s.log.Warn().Str("slug", slug).Err(err).Msg("quota check failed, allowing request")
	} else if quota != nil && !s.quotas.Admit(slug) {
		if quota.PeriodEnd > 0 {
			if secs := (quota.PeriodEnd - time.Now().UnixMilli()) / 1000; secs > 0 {
				c.Set("Retry-After", strconv.FormatInt(secs, 10))
			}
		}
		return c.Status(429).SendString("Request limit exceeded")
	}

	headers := make(map[string]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = string(value)
	})

	queryParams := make(map[string]string)
	c.Request().URI().QueryArgs().VisitAll(func(key, value []byte) {
		queryParams[string(key)] = string(value)
	})

	s.batcher.Add(slug, types.BufferedRequest{
		Method:      c.Method(),
		Path:        path,
		Headers:     headers,
		Body:        string(c.Body()),
		QueryParams: queryParams,
		IP:          realIP(c),
		ReceivedAt:  time.Now().UnixMilli(),
	})

	if endpointInfo.MockResponse != nil {
		return writeMockResponse(c, endpointInfo.MockResponse)
	}
	return c.SendString("OK")
}

// blockedMockHeader reports whether a configured mock header must not be
// forwarded to webhook senders.
func blockedMockHeader(key string) bool {
	switch strings.ToLower(key) {
	case "set-cookie", "strict-transport-security", "content-security-policy", "x-frame-options":
		return true
	}
	return false
}

func writeMockResponse(c *fiber.Ctx, mock *types.MockResponse) error {
	for key, value := range mock.Headers {
		if len(key) > maxHeaderKeyLen || len(value) > maxHeaderValueLen {
			continue
		}
		if blockedMockHeader(key) {
			continue
		}
		if strings.ContainsAny(key, "\r\n") || strings.ContainsAny(value, "\r\n") {
			continue
		}
		c.Set(key, value)
	}
	status := mock.Status
	if status < 100 || status > 599 {
		status = 200
	}
	return c.Status(status).SendString(mock.Body)
}

// handleCacheInvalidate evicts a slug from both caches. The store calls
// this after an endpoint's configuration changes so stale mock responses
// and quotas do not linger for a full TTL.
func (s *Server) handleCacheInvalidate(c *fiber.Ctx) error {
	if s.secret == "" {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}
	auth := c.Get("Authorization")
	expected := "Bearer " + s.secret
	if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}

	slug := c.Params("slug")
	if !isValidSlug(slug) {
		return c.Status(400).JSON(fiber.Map{"error": "invalid_slug"})
	}

	s.endpoints.Evict(slug)
	s.quotas.Evict(slug)
	s.log.Debug().Str("slug", slug).Msg("cache invalidated")

	return c.JSON(fiber.Map{"ok": true})
}
