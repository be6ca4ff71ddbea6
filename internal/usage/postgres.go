package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres persists records in the usage_records table.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

func NewPostgresWithDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Record(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO usage_records (request_id, tenant_id, agent, provider, model, input_tokens, output_tokens, latency_ms, stream, error_kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := p.db.ExecContext(ctx, query,
		rec.RequestID,
		rec.TenantID,
		rec.Agent,
		rec.Provider,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.LatencyMs,
		rec.Stream,
		rec.ErrorKind,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (p *Postgres) Summarize(ctx context.Context, tenantID string, since time.Time) (Summary, error) {
	sum := Summary{ByProvider: map[string]int{}}

	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE error_kind <> ''),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2
	`
	err := p.db.QueryRowContext(ctx, query, tenantID, since).Scan(
		&sum.Requests, &sum.Failures, &sum.InputTokens, &sum.OutputTokens,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("query usage summary: %w", err)
	}

	byProvider := `
		SELECT provider, COUNT(*)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at >= $2
		GROUP BY provider
	`
	rows, err := p.db.QueryContext(ctx, byProvider, tenantID, since)
	if err != nil {
		return Summary{}, fmt.Errorf("query usage by provider: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var provider string
		var count int
		if err := rows.Scan(&provider, &count); err != nil {
			return Summary{}, fmt.Errorf("scan usage row: %w", err)
		}
		sum.ByProvider[provider] = count
	}
	return sum, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
