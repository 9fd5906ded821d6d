// Package postgres is the shared store.Store used by every worker process.
// Claims are single conditional UPDATE statements, so the database is the
// only arbiter between workers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"catalog-ingest/internal/store"
)

var safeIdentRE = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func isSafeIdent(s string) bool { return safeIdentRE.MatchString(s) }

// Open connects a pool. viaBouncer switches to the simple protocol, which
// transaction-mode poolers require.
func Open(ctx context.Context, dsn string, maxConns int, viaBouncer bool) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse PG_DSN: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	if viaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ping: %w", err)
	}
	return pool, nil
}

type Store struct {
	pool   *pgxpool.Pool
	schema string
	log    zerolog.Logger

	batches   string
	templates string
	links     string
	sellers   string
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool, schema string, log zerolog.Logger) (*Store, error) {
	if schema == "" {
		schema = "public"
	}
	if !isSafeIdent(schema) {
		return nil, fmt.Errorf("unsafe schema identifier %q", schema)
	}
	q := func(table string) string { return fmt.Sprintf(`"%s".%s`, schema, table) }
	return &Store{
		pool:      pool,
		schema:    schema,
		log:       log,
		batches:   q("ingest_batches"),
		templates: q("catalog_templates"),
		links:     q("seller_links"),
		sellers:   q("sellers"),
	}, nil
}

func runInTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// retryable reports serialization failures and deadlocks, which are safe to
// run again.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func isUniqueViolationOnConstraint(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

// withRetry runs fn up to three times while it fails with a retryable error.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = fn(); !retryable(err) {
			return err
		}
		s.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("retrying after serialization failure")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*50) * time.Millisecond):
		}
	}
	return err
}
