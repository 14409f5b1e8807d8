package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_relay/internal/payload"
)

// DB is satisfied by *pgxpool.Pool and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore keeps undelivered payloads in harborrelay.undelivered_payloads.
// The table is created by db.EnsureSchema.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context, kind payload.Kind) ([]payload.Payload, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, url, method, headers::text, body, created_at
		FROM harborrelay.undelivered_payloads
		WHERE kind = $1
		ORDER BY seq`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query payloads: %w", err)
	}
	defer rows.Close()

	var out []payload.Payload
	for rows.Next() {
		var (
			p       payload.Payload
			headers string
			created time.Time
		)
		if err := rows.Scan(&p.ID, &p.URL, &p.Method, &headers, &p.Body, &created); err != nil {
			return nil, fmt.Errorf("scan payload: %w", err)
		}
		if err := json.Unmarshal([]byte(headers), &p.Headers); err != nil {
			return nil, fmt.Errorf("decode headers for %s: %w", p.ID, err)
		}
		p.Kind = kind
		p.CreatedAt = created.UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payloads: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Append(ctx context.Context, p payload.Payload) error {
	headers, err := json.Marshal(p.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	if p.Headers == nil {
		headers = []byte("[]")
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO harborrelay.undelivered_payloads (id, kind, url, method, headers, body, created_at)
		VALUES ($1, $2, $3, $4, $5::text::jsonb, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, string(p.Kind), p.URL, p.Method, string(headers), p.Body, created)
	if err != nil {
		return fmt.Errorf("insert payload: %w", err)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, p payload.Payload) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM harborrelay.undelivered_payloads WHERE id = $1`, p.ID); err != nil {
		return fmt.Errorf("delete payload: %w", err)
	}
	return nil
}
