package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sirbex/Digital-Shop-sub002/internal/domain"
	"github.com/sirbex/Digital-Shop-sub002/internal/store"
)

const tracerName = "github.com/sirbex/Digital-Shop-sub002/internal/store/postgres"

type Options struct {
	MaxOpenConns   int
	InvoiceDueDays int
	Logger         *zap.Logger

	// LockTimeout is applied with SET LOCAL to every ledger transaction.
	// Zero leaves the server default in place.
	LockTimeout time.Duration
}

// Store implements store.Ledger on PostgreSQL.
type Store struct {
	db             *sql.DB
	lockTimeout    time.Duration
	invoiceDueDays int
	logger         *zap.Logger
	tracer         trace.Tracer
	now            func() time.Time
}

var _ store.Ledger = (*Store)(nil)

// Open returns a pinged pgx-backed pool.
func Open(ctx context.Context, databaseURL string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	if maxOpenConns < 1 {
		maxOpenConns = 30
	}
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func New(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	db, err := Open(ctx, databaseURL, opts.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	return NewWithDB(db, opts), nil
}

// NewWithDB wraps an existing pool. The Store takes ownership of db.
func NewWithDB(db *sql.DB, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dueDays := opts.InvoiceDueDays
	if dueDays < 1 {
		dueDays = 30
	}
	return &Store{
		db:             db,
		lockTimeout:    opts.LockTimeout,
		invoiceDueDays: dueDays,
		logger:         logger,
		tracer:         otel.Tracer(tracerName),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in one READ COMMITTED transaction. Row locks are taken
// explicitly by the queries inside fn; any error rolls everything back.
func (s *Store) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx *ledgerTx) error) error {
	ctx, span := s.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attribute.String("db.system", "postgresql")))
	defer span.End()

	err := s.runTx(ctx, fn)
	if err != nil {
		err = translateError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind := store.KindOf(err); kind != "" {
			span.SetAttributes(attribute.String("ledger.error_kind", string(kind)))
		}
	}
	return err
}

// ledgerTx is the transaction handed to ledger steps. Stock movements are
// buffered on it and numbered just before commit, so the global movement
// counter row is always the last lock a transaction takes.
type ledgerTx struct {
	*sql.Tx
	movements []domain.StockMovement
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx *ledgerTx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	tx := &ledgerTx{Tx: sqlTx}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := s.flushMovementsTx(ctx, tx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// translateError maps lock and serialization failures to
// store.ErrConcurrencyConflict. Ledger errors pass through untouched.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var ledgerErr *store.LedgerError
	if errors.As(err, &ledgerErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return store.ConcurrencyConflict(err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return nowDateUTC(*val)
}

func nowDateUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func affectedRows(res sql.Result) (int64, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return affected, nil
}
