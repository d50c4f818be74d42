package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kroqdotdev/webhooks-cc/internal/store"
	"github.com/kroqdotdev/webhooks-cc/pkg/types"
)

const uniqueViolation = "23505"

// Repository implements store.Repository on a pgx pool.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) EndpointBySlug(ctx context.Context, slug string) (*store.Endpoint, error) {
	var (
		ep      store.Endpoint
		mockRaw []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, slug, owner_id, name, mock_response, is_ephemeral, expires_at, request_count, created_at
		FROM endpoints WHERE slug = $1`, slug).
		Scan(&ep.ID, &ep.Slug, &ep.OwnerID, &ep.Name, &mockRaw, &ep.IsEphemeral, &ep.ExpiresAt, &ep.RequestCount, &ep.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select endpoint: %w", err)
	}

	if mockRaw != nil {
		var mock types.MockResponse
		if err := json.Unmarshal(mockRaw, &mock); err != nil {
			return nil, fmt.Errorf("decode mock response: %w", err)
		}
		ep.MockResponse = &mock
	}
	return &ep, nil
}

func (r *Repository) CreateEndpoint(ctx context.Context, ep *store.Endpoint) error {
	var mockRaw []byte
	if ep.MockResponse != nil {
		raw, err := json.Marshal(ep.MockResponse)
		if err != nil {
			return fmt.Errorf("encode mock response: %w", err)
		}
		mockRaw = raw
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO endpoints (id, slug, owner_id, name, mock_response, is_ephemeral, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ep.ID, ep.Slug, ep.OwnerID, ep.Name, mockRaw, ep.IsEphemeral, ep.ExpiresAt, ep.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrConflict
		}
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

func (r *Repository) InsertRequests(ctx context.Context, endpointID string, reqs []store.CapturedRequest) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for i := range reqs {
		req := &reqs[i]
		headers, err := json.Marshal(req.Headers)
		if err != nil {
			return 0, fmt.Errorf("encode headers: %w", err)
		}
		query, err := json.Marshal(req.QueryParams)
		if err != nil {
			return 0, fmt.Errorf("encode query params: %w", err)
		}
		batch.Queue(`
			INSERT INTO requests (id, endpoint_id, method, path, headers, body, query_params, content_type, ip, size, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			req.ID, endpointID, req.Method, req.Path, headers, req.Body, query, req.ContentType, req.IP, req.Size, req.ReceivedAt)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("insert requests: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE endpoints SET request_count = request_count + $2 WHERE id = $1`,
		endpointID, len(reqs))
	if err != nil {
		return 0, fmt.Errorf("bump request count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(reqs), nil
}

func (r *Repository) UserByID(ctx context.Context, id string) (*store.User, error) {
	var u store.User
	err := r.db.QueryRow(ctx, `
		SELECT id, email, plan, request_limit, requests_used, period_start, period_end, cancel_at_period_end, subscription_status
		FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Plan, &u.RequestLimit, &u.RequestsUsed, &u.PeriodStart, &u.PeriodEnd, &u.CancelAtPeriodEnd, &u.SubscriptionStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &u, nil
}

func (r *Repository) IncrementUsage(ctx context.Context, ownerID string, n int64) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET requests_used = requests_used + $2 WHERE id = $1`,
		ownerID, n)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

func (r *Repository) StartPeriod(ctx context.Context, ownerID string, periodStart, periodEnd int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE users SET period_start = $2, period_end = $3, requests_used = 0 WHERE id = $1`,
		ownerID, periodStart, periodEnd)
	if err != nil {
		return fmt.Errorf("start period: %w", err)
	}
	return nil
}

func (r *Repository) ExpiredEndpoints(ctx context.Context, now int64, limit int) ([]store.Endpoint, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, slug, owner_id, is_ephemeral, expires_at
		FROM endpoints
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select expired endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []store.Endpoint
	for rows.Next() {
		var ep store.Endpoint
		if err := rows.Scan(&ep.ID, &ep.Slug, &ep.OwnerID, &ep.IsEphemeral, &ep.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

func (r *Repository) DeleteRequests(ctx context.Context, endpointID string, limit int) (int, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM requests
		WHERE id IN (SELECT id FROM requests WHERE endpoint_id = $1 LIMIT $2)`,
		endpointID, limit)
	if err != nil {
		return 0, fmt.Errorf("delete requests: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) DeleteEndpoint(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM endpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	return nil
}

func (r *Repository) UsersPastPeriod(ctx context.Context, now int64, limit int) ([]store.User, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, email, plan, request_limit, requests_used, period_start, period_end, cancel_at_period_end, subscription_status
		FROM users
		WHERE period_end IS NOT NULL AND period_end < $1
		ORDER BY period_end
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select users past period: %w", err)
	}
	defer rows.Close()

	var users []store.User
	for rows.Next() {
		var u store.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Plan, &u.RequestLimit, &u.RequestsUsed, &u.PeriodStart, &u.PeriodEnd, &u.CancelAtPeriodEnd, &u.SubscriptionStatus); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *Repository) RollPeriod(ctx context.Context, ownerID string, periodStart, periodEnd int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE users SET period_start = $2, period_end = $3, requests_used = 0 WHERE id = $1`,
		ownerID, periodStart, periodEnd)
	if err != nil {
		return fmt.Errorf("roll period: %w", err)
	}
	return nil
}

func (r *Repository) Downgrade(ctx context.Context, ownerID string, freeLimit int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE users
		SET plan = 'free', request_limit = $2, requests_used = 0,
		    period_start = NULL, period_end = NULL,
		    cancel_at_period_end = FALSE, subscription_status = NULL
		WHERE id = $1`, ownerID, freeLimit)
	if err != nil {
		return fmt.Errorf("downgrade user: %w", err)
	}
	return nil
}
