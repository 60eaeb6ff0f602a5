// Package pgstore implements the backend contract on PostgreSQL. Keys and
// values live in a single kv table with a bytea primary key, which Postgres
// orders bytewise, so range scans match the lexicographic contract.
// Serializability is delegated to SERIALIZABLE isolation; serialization
// failures surface as the retryable conflict class.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ternmail/tern/backend"
	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
)

//go:embed schema.sql
var schema string

type Store struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL and bootstraps the kv schema.
func Open(ctx context.Context, cfg *config.PostgresConfig) (*Store, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("at least one host must be specified")
	}

	// Randomly select one host; DNS or a proxy handles real balancing.
	host := cfg.Hosts[rand.Intn(len(cfg.Hosts))]
	if !strings.Contains(host, ":") {
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		host = host + ":" + strconv.Itoa(port)
	}

	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		cfg.User, cfg.Password, host, cfg.Name, sslMode)

	logger.Info("PGSTORE: connecting", "host", host, "database", cfg.Name, "sslmode", sslMode)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if lifetime, err := cfg.GetMaxConnLifetime(); err == nil {
		poolCfg.MaxConnLifetime = lifetime
	}
	if idle, err := cfg.GetMaxConnIdleTime(); err == nil {
		poolCfg.MaxConnIdleTime = idle
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", consts.ErrBackendUnavailable, err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to bootstrap kv schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Name() string { return "postgres" }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Begin opens a SERIALIZABLE transaction. Scope is not used for locking
// here: Postgres detects conflicting interleavings at commit and the
// transaction helper retries them.
func (s *Store) Begin(ctx context.Context, _ backend.Scope) (backend.Tx, error) {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, classify(err)
	}
	return &tx{pgtx: pgtx, start: time.Now()}, nil
}

type tx struct {
	pgtx  pgx.Tx
	start time.Time
	done  bool
}

func (t *tx) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := t.pgtx.QueryRow(ctx, `SELECT v FROM kv WHERE k = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrNotFound
		}
		return nil, classify(err)
	}
	return value, nil
}

func (t *tx) Scan(ctx context.Context, start, end []byte, fn backend.ScanFunc) error {
	rows, err := t.pgtx.Query(ctx,
		`SELECT k, v FROM kv WHERE k >= $1 AND k < $2 ORDER BY k`, start, end)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return classify(err)
		}
		cont, err := fn(key, value)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return classify(rows.Err())
}

func (t *tx) Put(ctx context.Context, key, value []byte) error {
	_, err := t.pgtx.Exec(ctx,
		`INSERT INTO kv (k, v) VALUES ($1, $2) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v`,
		key, value)
	return classify(err)
}

func (t *tx) Delete(ctx context.Context, key []byte) error {
	_, err := t.pgtx.Exec(ctx, `DELETE FROM kv WHERE k = $1`, key)
	return classify(err)
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	err := t.pgtx.Commit(ctx)
	if err != nil {
		if errors.Is(classify(err), consts.ErrTxConflict) {
			metrics.TransactionsTotal.WithLabelValues("postgres", "conflict").Inc()
		} else {
			metrics.TransactionsTotal.WithLabelValues("postgres", "rollback").Inc()
		}
		return classify(err)
	}
	metrics.TransactionsTotal.WithLabelValues("postgres", "commit").Inc()
	metrics.TransactionDuration.WithLabelValues("postgres").Observe(time.Since(t.start).Seconds())
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	metrics.TransactionsTotal.WithLabelValues("postgres", "rollback").Inc()
	metrics.TransactionDuration.WithLabelValues("postgres").Observe(time.Since(t.start).Seconds())
	return classify(t.pgtx.Rollback(ctx))
}

// classify maps Postgres errors onto the core taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return fmt.Errorf("%w: %v", consts.ErrTxConflict, err)
		case pgerrcode.DataCorrupted, pgerrcode.IndexCorrupted:
			return fmt.Errorf("%w: %v", consts.ErrCorruption, err)
		}
		if pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsInsufficientResources(pgErr.Code) {
			return fmt.Errorf("%w: %v", consts.ErrBackendUnavailable, err)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", consts.ErrBackendUnavailable, err)
	}
	return err
}
