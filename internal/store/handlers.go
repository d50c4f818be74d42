package store

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/kroqdotdev/webhooks-cc/pkg/types"
)

// handleCaptureBatch persists a slug's batch of captured requests.
// Validation failures reject the whole batch; an unknown or expired
// endpoint is reported in-band so the receiver can log and drop.
func (s *Server) handleCaptureBatch(c *fiber.Ctx) error {
	var req types.CaptureBatchRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(400).JSON(types.CaptureResponse{Error: "invalid_json"})
	}
	if !isValidSlug(req.Slug) {
		return c.Status(400).JSON(types.CaptureResponse{Error: "invalid_slug"})
	}
	if len(req.Requests) == 0 {
		return c.Status(400).JSON(types.CaptureResponse{Error: "invalid_requests"})
	}
	if len(req.Requests) > maxBatchSize {
		return c.Status(400).JSON(types.CaptureResponse{Error: "batch_too_large"})
	}
	for i := range req.Requests {
		if kind, status := validateCapture(&req.Requests[i]); kind != "" {
			return c.Status(status).JSON(types.CaptureResponse{Error: kind})
		}
	}

	ep, err := s.repo.EndpointBySlug(c.UserContext(), req.Slug)
	if errors.Is(err, ErrNotFound) {
		return c.JSON(types.CaptureResponse{Error: "not_found", Inserted: 0})
	}
	if err != nil {
		s.log.Error().Str("slug", req.Slug).Err(err).Msg("endpoint lookup failed")
		return c.Status(500).JSON(types.CaptureResponse{Error: "internal_error"})
	}
	now := time.Now().UnixMilli()
	if ep.ExpiresAt != nil && *ep.ExpiresAt <= now {
		return c.JSON(types.CaptureResponse{Error: "expired", Inserted: 0})
	}

	rows := make([]CapturedRequest, 0, len(req.Requests))
	for i := range req.Requests {
		rows = append(rows, capturedRow(ep.ID, &req.Requests[i]))
	}

	inserted, err := s.repo.InsertRequests(c.UserContext(), ep.ID, rows)
	if err != nil {
		s.log.Error().Str("slug", req.Slug).Err(err).Msg("batch insert failed")
		return c.Status(500).JSON(types.CaptureResponse{Error: "internal_error"})
	}

	// The owner counter is never touched from the capture write; the
	// scheduled increment serializes per owner instead.
	if ep.OwnerID != nil && inserted > 0 {
		s.usage.Schedule(*ep.OwnerID, int64(inserted))
	}

	return c.JSON(types.CaptureResponse{Success: true, Inserted: inserted})
}

// handleCapture is the legacy single-request path. The server assigns
// receivedAt, enforces the owner's quota inline, and echoes the endpoint's
// mock response so non-batching clients can serve it.
func (s *Server) handleCapture(c *fiber.Ctx) error {
	var req types.CaptureRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(400).JSON(types.CaptureResponse{Error: "invalid_json"})
	}
	if !isValidSlug(req.Slug) {
		return c.Status(400).JSON(types.CaptureResponse{Error: "invalid_slug"})
	}

	buffered := types.BufferedRequest{
		Method:      req.Method,
		Path:        req.Path,
		Headers:     req.Headers,
		Body:        req.Body,
		QueryParams: req.QueryParams,
		IP:          req.IP,
		ReceivedAt:  time.Now().UnixMilli(),
	}
	if kind, status := validateCapture(&buffered); kind != "" {
		return c.Status(status).JSON(types.CaptureResponse{Error: kind})
	}

	ep, err := s.repo.EndpointBySlug(c.UserContext(), req.Slug)
	if errors.Is(err, ErrNotFound) {
		return c.JSON(types.CaptureResponse{Error: "not_found"})
	}
	if err != nil {
		s.log.Error().Str("slug", req.Slug).Err(err).Msg("endpoint lookup failed")
		return c.Status(500).JSON(types.CaptureResponse{Error: "internal_error"})
	}
	now := time.Now().UnixMilli()
	if ep.ExpiresAt != nil && *ep.ExpiresAt <= now {
		return c.JSON(types.CaptureResponse{Error: "expired"})
	}

	// Unlike the batch path, this one is synchronous with the sender, so
	// the quota check happens here rather than at the edge.
	if ep.OwnerID != nil {
		user, err := s.activatedUser(c, *ep.OwnerID)
		if err != nil {
			return c.Status(500).JSON(types.CaptureResponse{Error: "internal_error"})
		}
		if user != nil && user.RequestsUsed >= user.RequestLimit {
			return c.JSON(types.CaptureResponse{Error: "limit_exceeded"})
		}
	}

	row := capturedRow(ep.ID, &buffered)
	inserted, err := s.repo.InsertRequests(c.UserContext(), ep.ID, []CapturedRequest{row})
	if err != nil {
		s.log.Error().Str("slug", req.Slug).Err(err).Msg("capture insert failed")
		return c.Status(500).JSON(types.CaptureResponse{Error: "internal_error"})
	}
	if ep.OwnerID != nil && inserted > 0 {
		s.usage.Schedule(*ep.OwnerID, int64(inserted))
	}

	return c.JSON(types.CaptureResponse{Success: true, Inserted: inserted, MockResponse: ep.MockResponse})
}

// handleQuota reports the remaining request budget for a slug's owner.
// Ephemeral and owner-less endpoints are unlimited (remaining -1), as is a
// missing owner record.
func (s *Server) handleQuota(c *fiber.Ctx) error {
	slug := c.Query("slug")
	if !isValidSlug(slug) {
		return c.Status(400).JSON(types.QuotaResponse{Error: "invalid_slug"})
	}

	ep, err := s.repo.EndpointBySlug(c.UserContext(), slug)
	if errors.Is(err, ErrNotFound) {
		return c.JSON(types.QuotaResponse{Error: "not_found"})
	}
	if err != nil {
		s.log.Error().Str("slug", slug).Err(err).Msg("endpoint lookup failed")
		return c.Status(500).JSON(types.QuotaResponse{Error: "internal_error"})
	}

	if ep.OwnerID == nil {
		return c.JSON(types.QuotaResponse{OwnerID: nil, Remaining: -1, Limit: -1})
	}

	user, err := s.activatedUser(c, *ep.OwnerID)
	if err != nil {
		return c.Status(500).JSON(types.QuotaResponse{Error: "internal_error"})
	}
	if user == nil {
		return c.JSON(types.QuotaResponse{OwnerID: nil, Remaining: -1, Limit: -1})
	}

	remaining := user.RequestLimit - user.RequestsUsed
	return c.JSON(types.QuotaResponse{
		OwnerID:   ep.OwnerID,
		Remaining: remaining,
		Limit:     user.RequestLimit,
		PeriodEnd: user.PeriodEnd,
	})
}

// activatedUser loads an owner, lazily opening a fresh billing period for
// free users whose period is unset or elapsed. Returns nil when the owner
// record is missing.
func (s *Server) activatedUser(c *fiber.Ctx, ownerID string) (*User, error) {
	user, err := s.repo.UserByID(c.UserContext(), ownerID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.log.Error().Str("ownerId", ownerID).Err(err).Msg("user lookup failed")
		return nil, err
	}

	now := time.Now().UnixMilli()
	if user.Plan == "free" && (user.PeriodEnd == nil || *user.PeriodEnd < now) {
		start := now
		end := now + s.cfg.BillingPeriod.Milliseconds()
		if err := s.repo.StartPeriod(c.UserContext(), ownerID, start, end); err != nil {
			s.log.Error().Str("ownerId", ownerID).Err(err).Msg("period activation failed")
			return nil, err
		}
		user.PeriodStart = &start
		user.PeriodEnd = &end
		user.RequestsUsed = 0
	}
	return user, nil
}

// handleEndpointInfo returns the endpoint configuration the receiver caches.
func (s *Server) handleEndpointInfo(c *fiber.Ctx) error {
	slug := c.Query("slug")
	if !isValidSlug(slug) {
		return c.Status(400).JSON(types.EndpointInfo{Error: "invalid_slug"})
	}

	ep, err := s.repo.EndpointBySlug(c.UserContext(), slug)
	if errors.Is(err, ErrNotFound) {
		return c.JSON(types.EndpointInfo{Error: "not_found"})
	}
	if err != nil {
		s.log.Error().Str("slug", slug).Err(err).Msg("endpoint lookup failed")
		return c.Status(500).JSON(types.EndpointInfo{Error: "internal_error"})
	}

	return c.JSON(types.EndpointInfo{
		EndpointID:   ep.ID,
		OwnerID:      ep.OwnerID,
		IsEphemeral:  ep.IsEphemeral,
		ExpiresAt:    ep.ExpiresAt,
		MockResponse: ep.MockResponse,
	})
}

// handleCreateEndpoint provisions a capture endpoint. Without an owner the
// endpoint is ephemeral and expires after the configured TTL.
func (s *Server) handleCreateEndpoint(c *fiber.Ctx) error {
	var req types.CreateEndpointRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(400).JSON(types.CreateEndpointResponse{Error: "invalid_json"})
	}

	slug := req.Slug
	if slug == "" {
		slug = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if !isValidSlug(slug) {
		return c.Status(400).JSON(types.CreateEndpointResponse{Error: "invalid_slug"})
	}
	if req.MockResponse != nil && (req.MockResponse.Status < 100 || req.MockResponse.Status > 599) {
		return c.Status(400).JSON(types.CreateEndpointResponse{Error: "invalid_mock_status"})
	}

	now := time.Now().UnixMilli()
	ep := &Endpoint{
		ID:           uuid.NewString(),
		Slug:         slug,
		MockResponse: req.MockResponse,
		CreatedAt:    now,
	}
	if req.Name != "" {
		ep.Name = &req.Name
	}
	if req.OwnerID != "" {
		owner := req.OwnerID
		ep.OwnerID = &owner
	} else {
		ep.IsEphemeral = true
		expires := now + s.cfg.EphemeralTTL.Milliseconds()
		ep.ExpiresAt = &expires
	}

	if err := s.repo.CreateEndpoint(c.UserContext(), ep); err != nil {
		if errors.Is(err, ErrConflict) {
			return c.Status(409).JSON(types.CreateEndpointResponse{Error: "slug_taken"})
		}
		s.log.Error().Str("slug", slug).Err(err).Msg("endpoint create failed")
		return c.Status(500).JSON(types.CreateEndpointResponse{Error: "internal_error"})
	}

	return c.JSON(types.CreateEndpointResponse{
		EndpointID: ep.ID,
		Slug:       ep.Slug,
		ExpiresAt:  ep.ExpiresAt,
	})
}

// handleDeleteEndpoint removes an endpoint and its captured requests, then
// evicts the receiver's caches for the slug so the deletion is visible
// before the TTL elapses.
func (s *Server) handleDeleteEndpoint(c *fiber.Ctx) error {
	slug := c.Params("slug")
	if !isValidSlug(slug) {
		return c.Status(400).JSON(fiber.Map{"error": "invalid_slug"})
	}

	ep, err := s.repo.EndpointBySlug(c.UserContext(), slug)
	if errors.Is(err, ErrNotFound) {
		return c.JSON(fiber.Map{"error": "not_found"})
	}
	if err != nil {
		s.log.Error().Str("slug", slug).Err(err).Msg("endpoint lookup failed")
		return c.Status(500).JSON(fiber.Map{"error": "internal_error"})
	}

	for {
		deleted, err := s.repo.DeleteRequests(c.UserContext(), ep.ID, cleanupBatchSize)
		if err != nil {
			s.log.Error().Str("slug", slug).Err(err).Msg("request delete failed")
			return c.Status(500).JSON(fiber.Map{"error": "internal_error"})
		}
		if deleted < cleanupBatchSize {
			break
		}
	}
	if err := s.repo.DeleteEndpoint(c.UserContext(), ep.ID); err != nil {
		s.log.Error().Str("slug", slug).Err(err).Msg("endpoint delete failed")
		return c.Status(500).JSON(fiber.Map{"error": "internal_error"})
	}

	s.notifier.Invalidate(c.UserContext(), slug)
	s.log.Info().Str("slug", slug).Msg("endpoint deleted")
	return c.JSON(fiber.Map{"success": true})
}

func capturedRow(endpointID string, r *types.BufferedRequest) CapturedRequest {
	return CapturedRequest{
		ID:          uuid.NewString(),
		EndpointID:  endpointID,
		Method:      r.Method,
		Path:        r.Path,
		Headers:     r.Headers,
		Body:        r.Body,
		QueryParams: r.QueryParams,
		ContentType: contentTypeOf(r.Headers),
		IP:          r.IP,
		Size:        len(r.Body),
		ReceivedAt:  r.ReceivedAt,
	}
}
