// Package db persists run history to PostgreSQL. The store is an
// optional adjunct: when no connection string is configured the engine
// runs purely on the filesystem.
package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool and pings the server.
func Connect(connStr string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	log.Println("Successfully connected to PostgreSQL for run history")
	return &Store{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the run-history tables when missing.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	log.Println("Run-history schema initialized")
	return nil
}

// Run describes one engine invocation.
type Run struct {
	ID        uuid.UUID
	Kind      string // "gen" or "extract"
	Mechanism string
	Params    map[string]any
}

// StartRun records the beginning of a run.
func (s *Store) StartRun(ctx context.Context, r Run) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("failed to encode run params: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO synth_runs (run_id, kind, mechanism, params) VALUES ($1, $2, $3, $4)`,
		r.ID, r.Kind, r.Mechanism, params)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, produced, passed int64, wallSeconds float64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE synth_runs
		    SET produced = $2, passed = $3, wall_seconds = $4, finished_at = now()
		  WHERE run_id = $1`,
		id, produced, passed, wallSeconds)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	return nil
}
