// Package types holds the wire types shared between the receiver and the
// store: capture payloads, endpoint configuration, and quota lookups.
package types

// BufferedRequest is a single captured webhook request as shipped from the
// receiver to the store. ReceivedAt is assigned by the receiver at ingest.
type BufferedRequest struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body,omitempty"`
	QueryParams map[string]string `json:"queryParams"`
	IP          string            `json:"ip"`
	ReceivedAt  int64             `json:"receivedAt"`
}

// CaptureBatchRequest is the body of POST /capture-batch.
type CaptureBatchRequest struct {
	Slug     string            `json:"slug"`
	Requests []BufferedRequest `json:"requests"`
}

// CaptureRequest is the body of the legacy single-request POST /capture.
// ReceivedAt is assigned server-side on this path.
type CaptureRequest struct {
	Slug        string            `json:"slug"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body,omitempty"`
	QueryParams map[string]string `json:"queryParams"`
	IP          string            `json:"ip"`
}

// CaptureResponse is the store's reply to /capture and /capture-batch.
type CaptureResponse struct {
	Success      bool          `json:"success,omitempty"`
	Error        string        `json:"error,omitempty"`
	Inserted     int           `json:"inserted,omitempty"`
	MockResponse *MockResponse `json:"mockResponse,omitempty"`
}

// MockResponse defines the HTTP response an endpoint returns to webhook
// senders.
type MockResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// EndpointInfo is the store's reply to GET /endpoint-info.
type EndpointInfo struct {
	EndpointID   string        `json:"endpointId"`
	OwnerID      *string       `json:"ownerId"`
	IsEphemeral  bool          `json:"isEphemeral"`
	ExpiresAt    *int64        `json:"expiresAt"`
	MockResponse *MockResponse `json:"mockResponse"`
	Error        string        `json:"error,omitempty"`
}

// QuotaResponse is the store's reply to GET /quota. Remaining is -1 for
// ephemeral or owner-less endpoints (unlimited).
type QuotaResponse struct {
	Error     string  `json:"error,omitempty"`
	OwnerID   *string `json:"ownerId"`
	Remaining int64   `json:"remaining"`
	Limit     int64   `json:"limit"`
	PeriodEnd *int64  `json:"periodEnd"`
}

// CreateEndpointRequest is the body of POST /endpoints. Slug is generated
// when absent. An endpoint without an owner is ephemeral and receives an
// expiry.
type CreateEndpointRequest struct {
	Slug         string        `json:"slug,omitempty"`
	OwnerID      string        `json:"ownerId,omitempty"`
	Name         string        `json:"name,omitempty"`
	MockResponse *MockResponse `json:"mockResponse,omitempty"`
}

// CreateEndpointResponse is the store's reply to POST /endpoints.
type CreateEndpointResponse struct {
	Error      string `json:"error,omitempty"`
	EndpointID string `json:"endpointId,omitempty"`
	Slug       string `json:"slug,omitempty"`
	ExpiresAt  *int64 `json:"expiresAt,omitempty"`
}
