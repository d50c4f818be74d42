package store

import (
	"strings"

	"github.com/kroqdotdev/webhooks-cc/pkg/types"
)

// validMethods is the set of HTTP methods accepted on capture.
var validMethods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"PATCH":   true,
	"DELETE":  true,
	"HEAD":    true,
	"OPTIONS": true,
}

// isValidSlug reports whether slug matches ^[A-Za-z0-9_-]{1,50}$.
func isValidSlug(slug string) bool {
	if len(slug) == 0 || len(slug) > maxSlugLen {
		return false
	}
	for _, r := range slug {
		isLower := r >= 'a' && r <= 'z'
		isUpper := r >= 'A' && r <= 'Z'
		isDigit := r >= '0' && r <= '9'
		isSpecial := r == '-' || r == '_'
		if isLower || isUpper || isDigit || isSpecial {
			continue
		}
		return false
	}
	return true
}

// validateCapture checks one queued request against the capture limits.
// It returns an error kind ("" when valid) and the HTTP status to pair
// with it.
func validateCapture(r *types.BufferedRequest) (kind string, status int) {
	if !validMethods[r.Method] {
		return "invalid_method", 400
	}
	if r.Path == "" || len(r.Path) > maxPathLen {
		return "invalid_path", 400
	}
	if len(r.IP) > maxIPLen {
		return "invalid_ip", 400
	}
	if len(r.Body) > maxCaptureBody {
		return "body_too_large", 413
	}
	if len(r.Headers) > maxHeaderCount {
		return "invalid_headers", 400
	}
	if len(r.QueryParams) > maxQueryParsCount {
		return "invalid_query_params", 400
	}
	return "", 0
}

// contentTypeOf extracts the content type from captured headers,
// case-insensitively.
func contentTypeOf(headers map[string]string) *string {
	for k, v := range headers {
		if strings.EqualFold(k, "Content-Type") {
			ct := v
			return &ct
		}
	}
	return nil
}
