// Package store persists bookings and processed gateway events in Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-orchestrator/config"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	ErrNotFound   = errors.New("booking not found")
	ErrStaleState = errors.New("booking state changed concurrently")
)

// Store is the sqlx-backed booking repository
type Store struct {
	db *sqlx.DB
}

// NewStore opens the booking database with the configured pool limits
func NewStore(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
