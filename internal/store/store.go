// Package store implements the system of record: it validates and persists
// captured webhook requests, answers quota and endpoint-info lookups for
// the receiver, and runs the expiry-cleanup and period-reset jobs.
package store

import (
	"context"
	"errors"

	"github.com/kroqdotdev/webhooks-cc/pkg/types"
)

const (
	maxBatchSize     = 100 // requests per /capture-batch call
	cleanupScanLimit = 100 // expired endpoints examined per cleanup tick
	cleanupBatchSize = 100 // request rows deleted per endpoint per tick
	periodScanLimit  = 100 // users examined per period-reset tick

	// maxActionBody bounds a whole action payload; a full batch of maximal
	// captures is larger than any single capture body.
	maxActionBody = 32 * 1024 * 1024

	maxSlugLen        = 50
	maxPathLen        = 2048
	maxIPLen          = 45
	maxCaptureBody    = 1024 * 1024
	maxHeaderCount    = 100
	maxQueryParsCount = 100
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by repositories on a uniqueness violation,
// in practice a slug collision on endpoint creation.
var ErrConflict = errors.New("conflict")

// Endpoint is a capture endpoint reachable at /w/{slug}. Ephemeral
// endpoints have no owner and carry an expiry; the cleanup job reaps them.
type Endpoint struct {
	ID           string
	Slug         string
	OwnerID      *string
	Name         *string
	MockResponse *types.MockResponse
	IsEphemeral  bool
	ExpiresAt    *int64
	RequestCount int64
	CreatedAt    int64
}

// User is an endpoint owner. RequestsUsed advances via the scheduled
// usage increments; the receiver enforces the limit from its quota cache.
type User struct {
	ID                 string
	Email              string
	Plan               string
	RequestLimit       int64
	RequestsUsed       int64
	PeriodStart        *int64
	PeriodEnd          *int64
	CancelAtPeriodEnd  bool
	SubscriptionStatus *string
}

// CapturedRequest is one persisted webhook request row. Rows are immutable
// and reachable only through their endpoint.
type CapturedRequest struct {
	ID          string
	EndpointID  string
	Method      string
	Path        string
	Headers     map[string]string
	Body        string
	QueryParams map[string]string
	ContentType *string
	IP          string
	Size        int
	ReceivedAt  int64
}

// Repository is the persistence contract for the capture pipeline and the
// background jobs.
type Repository interface {
	EndpointBySlug(ctx context.Context, slug string) (*Endpoint, error)
	CreateEndpoint(ctx context.Context, ep *Endpoint) error

	// InsertRequests persists the rows for one endpoint in input order and
	// bumps the endpoint's denormalized request counter.
	InsertRequests(ctx context.Context, endpointID string, reqs []CapturedRequest) (int, error)

	UserByID(ctx context.Context, id string) (*User, error)
	// IncrementUsage atomically advances requestsUsed. No cap enforcement;
	// capping is the receiver's job.
	IncrementUsage(ctx context.Context, ownerID string, n int64) error
	// StartPeriod opens a fresh billing period and zeroes requestsUsed.
	StartPeriod(ctx context.Context, ownerID string, periodStart, periodEnd int64) error

	ExpiredEndpoints(ctx context.Context, now int64, limit int) ([]Endpoint, error)
	// DeleteRequests removes up to limit rows for an endpoint, returning
	// how many were deleted.
	DeleteRequests(ctx context.Context, endpointID string, limit int) (int, error)
	DeleteEndpoint(ctx context.Context, id string) error

	UsersPastPeriod(ctx context.Context, now int64, limit int) ([]User, error)
	// RollPeriod moves a pro user into the next billing period and zeroes
	// requestsUsed.
	RollPeriod(ctx context.Context, ownerID string, periodStart, periodEnd int64) error
	// Downgrade moves a cancelled pro user back to the free plan: period
	// cleared, requestsUsed zeroed, limit set to the free default.
	Downgrade(ctx context.Context, ownerID string, freeLimit int64) error
}
