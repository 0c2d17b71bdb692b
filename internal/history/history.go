// Package history records scan observations in Postgres when
// USB_DEVICE_DATABASE_URL is set. The store is strictly optional: the
// location cache remains the source of truth, history only accumulates
// sightings for fleet auditing.
package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/m-mcgowan/usb-device/internal/scan"
)

const schema = `
CREATE TABLE IF NOT EXISTS usb_scan_observations (
    id          BIGSERIAL PRIMARY KEY,
    name        TEXT        NOT NULL,
    identifier  TEXT        NOT NULL,
    hub         TEXT        NOT NULL DEFAULT '',
    port        TEXT        NOT NULL DEFAULT '',
    link        TEXT        NOT NULL DEFAULT '',
    dev         TEXT        NOT NULL DEFAULT '',
    seen_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS usb_scan_observations_name_seen
    ON usb_scan_observations (name, seen_at DESC);
`

// Store is a pgx-backed observation log.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects, verifies connectivity early, and ensures the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	p, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, err
	}
	if _, err := p.Exec(ctx, schema); err != nil {
		p.Close()
		return nil, fmt.Errorf("ensure history schema: %w", err)
	}
	return &Store{pool: p}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordScan inserts one row per observation.
func (s *Store) RecordScan(ctx context.Context, obs []scan.Observation) error {
	if s == nil || s.pool == nil {
		return nil
	}
	for _, o := range obs {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO usb_scan_observations (name, identifier, hub, port, link, dev, seen_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			o.Name, o.Identifier, o.Hub, o.Port, o.Link, o.Dev, o.SeenAt)
		if err != nil {
			return fmt.Errorf("record observation for %s: %w", o.Name, err)
		}
	}
	return nil
}
