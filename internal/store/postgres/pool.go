// Package postgres is the durable store for the execution and risk core,
// grounded on alanyoungcy-polymarketbot's internal/store/postgres package:
// one struct per aggregate wrapping a shared *pgxpool.Pool, parameterized
// SQL with no query builder, a package-level ErrNotFound sentinel, and a
// scan-helper-per-row-shape convention.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound mirrors polymarketbot's domain.ErrNotFound: every store
// method that does a point lookup returns this on a missing row instead of
// a bare pgx.ErrNoRows, so callers never import pgx themselves.
var ErrNotFound = errors.New("postgres: not found")

// NewPool opens a pgx connection pool against databaseURL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
