// Package postgres provides the Postgres-backed persistence implementation.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemirror/telemirror/internal/mirror"
)

// StoreConfig controls the Postgres connection pool.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists destinations, references, content items and search tasks.
// It assumes the following schema:
//
//	CREATE TABLE destinations (
//		id            BIGINT PRIMARY KEY,
//		kind          TEXT NOT NULL,
//		alias         TEXT NOT NULL DEFAULT '',
//		title         TEXT NOT NULL DEFAULT '',
//		packed        TEXT NOT NULL DEFAULT '',
//		joined        BOOLEAN NOT NULL DEFAULT FALSE,
//		last_activity TIMESTAMPTZ NOT NULL,
//		source_type   TEXT NOT NULL,
//		source_id     BIGINT NOT NULL
//	);
//	CREATE TABLE links (
//		id          BIGSERIAL PRIMARY KEY,
//		raw         TEXT NOT NULL UNIQUE,
//		description TEXT NOT NULL DEFAULT '',
//		classified  BOOLEAN NOT NULL DEFAULT FALSE,
//		packed      TEXT NOT NULL DEFAULT '',
//		source_type TEXT NOT NULL,
//		source_id   BIGINT NOT NULL
//	);
//	CREATE TABLE content_items (
//		destination_id BIGINT NOT NULL,
//		item_id        BIGINT NOT NULL,
//		body           TEXT NOT NULL DEFAULT '',
//		payload        BYTEA,
//		posted_at      TIMESTAMPTZ NOT NULL,
//		source_type    TEXT NOT NULL,
//		source_id      BIGINT NOT NULL,
//		PRIMARY KEY (destination_id, item_id)
//	);
//	CREATE TABLE search_tasks (
//		id         BIGSERIAL PRIMARY KEY,
//		agent      TEXT NOT NULL,
//		keyword    TEXT NOT NULL,
//		started_at TIMESTAMPTZ NOT NULL
//	);
type Store struct {
	pool queryer
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for testing).
func NewStoreWithPool(pool queryer) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const destinationColumns = `id, kind, alias, title, packed, joined, last_activity, source_type, source_id`

func scanDestination(row pgx.Row) (mirror.Destination, error) {
	var d mirror.Destination
	err := row.Scan(
		&d.ID,
		&d.Kind,
		&d.Alias,
		&d.Title,
		&d.Packed,
		&d.Joined,
		&d.LastActivity,
		&d.Source.Type,
		&d.Source.ID,
	)
	return d, err
}

// UpsertDestination inserts or updates a destination keyed by ID. The joined
// flag and last-activity watermark of an existing row are left untouched; they
// change only through SetJoined and TouchDestination.
func (s *Store) UpsertDestination(ctx context.Context, d mirror.Destination) (mirror.Destination, error) {
	query := `
INSERT INTO destinations (` + destinationColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
	kind = EXCLUDED.kind,
	alias = EXCLUDED.alias,
	title = EXCLUDED.title,
	packed = EXCLUDED.packed,
	source_type = EXCLUDED.source_type,
	source_id = EXCLUDED.source_id
RETURNING ` + destinationColumns
	row := s.pool.QueryRow(ctx, query,
		d.ID,
		d.Kind,
		d.Alias,
		d.Title,
		d.Packed,
		d.Joined,
		d.LastActivity,
		d.Source.Type,
		d.Source.ID,
	)
	stored, err := scanDestination(row)
	if err != nil {
		return mirror.Destination{}, fmt.Errorf("upsert destination: %w", err)
	}
	return stored, nil
}

// DestinationByAlias resolves an alias to one destination, nil when absent.
func (s *Store) DestinationByAlias(ctx context.Context, alias string) (*mirror.Destination, error) {
	query := `SELECT ` + destinationColumns + ` FROM destinations WHERE alias = $1 LIMIT 1`
	d, err := scanDestination(s.pool.QueryRow(ctx, query, alias))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("destination by alias: %w", err)
	}
	return &d, nil
}

// DestinationByID looks a destination up by identity, nil when absent.
func (s *Store) DestinationByID(ctx context.Context, id int64) (*mirror.Destination, error) {
	query := `SELECT ` + destinationColumns + ` FROM destinations WHERE id = $1`
	d, err := scanDestination(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("destination by id: %w", err)
	}
	return &d, nil
}

// SetJoined flips the occupancy flag for one destination.
func (s *Store) SetJoined(ctx context.Context, id int64, joined bool) error {
	if _, err := s.pool.Exec(ctx, `UPDATE destinations SET joined = $2 WHERE id = $1`, id, joined); err != nil {
		return fmt.Errorf("set joined: %w", err)
	}
	return nil
}

// ClearJoined marks every destination as not occupying a slot.
func (s *Store) ClearJoined(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `UPDATE destinations SET joined = FALSE WHERE joined`); err != nil {
		return fmt.Errorf("clear joined: %w", err)
	}
	return nil
}

// TouchDestination advances the destination's last-activity watermark.
func (s *Store) TouchDestination(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE destinations SET last_activity = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("touch destination: %w", err)
	}
	return nil
}

// OldestDestination returns the least recently active destination matching the
// occupancy filter, ties broken by lowest ID; nil when none match.
func (s *Store) OldestDestination(ctx context.Context, joined bool) (*mirror.Destination, error) {
	query := `SELECT ` + destinationColumns + `
FROM destinations WHERE joined = $1
ORDER BY last_activity ASC, id ASC LIMIT 1`
	d, err := scanDestination(s.pool.QueryRow(ctx, query, joined))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest destination: %w", err)
	}
	return &d, nil
}

// InsertReference stores a discovered reference. Duplicate raw text is a
// silent no-op.
func (s *Store) InsertReference(ctx context.Context, r mirror.Reference) error {
	query := `
INSERT INTO links (raw, description, source_type, source_id)
VALUES ($1,$2,$3,$4)
ON CONFLICT (raw) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, r.Raw, r.Description, r.Source.Type, r.Source.ID); err != nil {
		return fmt.Errorf("insert reference: %w", err)
	}
	return nil
}

// ListUnclassifiedReferences scans unclassified references with ID greater
// than afterID, ascending, at most limit rows.
func (s *Store) ListUnclassifiedReferences(ctx context.Context, afterID int64, limit int) ([]mirror.Reference, error) {
	query := `
SELECT id, raw, description, classified, packed, source_type, source_id
FROM links WHERE NOT classified AND id > $1
ORDER BY id ASC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unclassified references: %w", err)
	}
	defer rows.Close()

	var out []mirror.Reference
	for rows.Next() {
		var r mirror.Reference
		if err := rows.Scan(&r.ID, &r.Raw, &r.Description, &r.Classified, &r.Packed, &r.Source.Type, &r.Source.ID); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate references: %w", err)
	}
	return out, nil
}

// MarkReferenceClassified sets the classified flag exactly once; rows already
// classified are left as they are.
func (s *Store) MarkReferenceClassified(ctx context.Context, id int64, packed string) error {
	query := `UPDATE links SET classified = TRUE, packed = $2 WHERE id = $1 AND NOT classified`
	if _, err := s.pool.Exec(ctx, query, id, packed); err != nil {
		return fmt.Errorf("mark reference classified: %w", err)
	}
	return nil
}

// PutContentItem archives one content item. Re-archiving the same
// (destination, item) key is a no-op.
func (s *Store) PutContentItem(ctx context.Context, item mirror.ContentItem) error {
	query := `
INSERT INTO content_items (destination_id, item_id, body, payload, posted_at, source_type, source_id)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (destination_id, item_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		item.DestinationID,
		item.ItemID,
		item.Text,
		item.Payload,
		item.PostedAt,
		item.Source.Type,
		item.Source.ID,
	)
	if err != nil {
		return fmt.Errorf("put content item: %w", err)
	}
	return nil
}

// CreateSearchTask records one activation and returns it with its assigned ID.
func (s *Store) CreateSearchTask(ctx context.Context, t mirror.SearchTask) (mirror.SearchTask, error) {
	query := `INSERT INTO search_tasks (agent, keyword, started_at) VALUES ($1,$2,$3) RETURNING id`
	if err := s.pool.QueryRow(ctx, query, t.Agent, t.Keyword, t.StartedAt).Scan(&t.ID); err != nil {
		return mirror.SearchTask{}, fmt.Errorf("create search task: %w", err)
	}
	return t, nil
}
