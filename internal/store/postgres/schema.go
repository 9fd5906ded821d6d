package postgres

import (
	"context"
	"fmt"
)

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS "%[1]s";

CREATE TABLE IF NOT EXISTS "%[1]s".sellers (
  id text PRIMARY KEY,
  external_id text NOT NULL DEFAULT '',
  marketplace text NOT NULL DEFAULT '',
  last_checked_at timestamptz
);

CREATE TABLE IF NOT EXISTS "%[1]s".ingest_batches (
  id text PRIMARY KEY,
  seq bigserial,
  seller_id text NOT NULL,
  items text[] NOT NULL,
  status text NOT NULL DEFAULT 'PENDING'
    CHECK (status IN ('PENDING','PROCESSING','COMPLETED','FAILED')),
  priority text NOT NULL DEFAULT 'LOW' CHECK (priority IN ('HIGH','LOW')),
  claimed_by text,
  created_at timestamptz NOT NULL DEFAULT now(),
  started_at timestamptz,
  completed_at timestamptz,
  estimated_cost int NOT NULL DEFAULT 0,
  error_summary text,
  CONSTRAINT ingest_batches_items_max CHECK (cardinality(items) BETWEEN 1 AND 100)
);

CREATE INDEX IF NOT EXISTS ingest_batches_pending_idx
  ON "%[1]s".ingest_batches (seller_id, priority, created_at)
  WHERE status = 'PENDING';

CREATE INDEX IF NOT EXISTS ingest_batches_processing_idx
  ON "%[1]s".ingest_batches (started_at)
  WHERE status = 'PROCESSING';

CREATE TABLE IF NOT EXISTS "%[1]s".catalog_templates (
  id bigserial PRIMARY KEY,
  item_id text NOT NULL,
  marketplace text NOT NULL,
  title text NOT NULL DEFAULT '',
  brand text NOT NULL DEFAULT '',
  images text[] NOT NULL DEFAULT '{}',
  category text NOT NULL DEFAULT '',
  updated_at timestamptz NOT NULL DEFAULT now(),
  CONSTRAINT catalog_templates_item_uq UNIQUE (item_id, marketplace)
);

CREATE TABLE IF NOT EXISTS "%[1]s".seller_links (
  seller_id text NOT NULL,
  item_id text NOT NULL,
  marketplace text NOT NULL,
  template_id bigint NOT NULL REFERENCES "%[1]s".catalog_templates(id),
  price numeric(12,2),
  currency text NOT NULL DEFAULT '',
  sales_rank int,
  in_stock boolean NOT NULL DEFAULT false,
  fetched_at timestamptz NOT NULL,
  PRIMARY KEY (seller_id, item_id, marketplace)
);
`

// InitSchema creates the schema and tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schemaDDL, s.schema)); err != nil {
		return fmt.Errorf("init schema %s: %w", s.schema, err)
	}
	return nil
}
