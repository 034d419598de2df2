package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentrix-io/sentrix/internal/logging"
)

// pgQueryCanceled is the SQLSTATE raised when statement_timeout fires.
const pgQueryCanceled = "57014"

// DefaultStatementTimeout bounds per-scope backlog queries.
const DefaultStatementTimeout = 60 * time.Second

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	DSN string
	// MaxConns caps the pool. Zero keeps the pgxpool default.
	MaxConns int32
	// StatementTimeout bounds backlog queries. Zero means DefaultStatementTimeout.
	StatementTimeout time.Duration
}

// PoolStats is a snapshot of connection pool usage.
type PoolStats struct {
	TotalConns    int32
	MaxConns      int32
	EmptyAcquires int64
}

// Postgres implements Store on PostgreSQL.
type Postgres struct {
	pool             *pgxpool.Pool
	statementTimeout time.Duration
	logger           *logging.Logger
	closed           atomic.Bool
}

// NewPostgres creates a pooled store. The pool connects lazily; use Ping to
// check connectivity.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger *logging.Logger) (*Postgres, error) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	timeout := cfg.StatementTimeout
	if timeout <= 0 {
		timeout = DefaultStatementTimeout
	}
	logger.Infof("postgres pool created", map[string]any{
		"host":     poolCfg.ConnConfig.Host,
		"database": poolCfg.ConnConfig.Database,
		"maxConns": poolCfg.MaxConns,
	})
	return &Postgres{pool: pool, statementTimeout: timeout, logger: logger}, nil
}

func (p *Postgres) check() error {
	if p.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

// readOnly runs fn in a read-only transaction. A positive timeout is applied
// with SET LOCAL so it only affects this transaction.
func (p *Postgres) readOnly(ctx context.Context, timeout time.Duration, fn func(pgx.Tx) error) error {
	if err := p.check(); err != nil {
		return err
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if timeout > 0 {
		if _, err := tx.Exec(ctx, statementTimeoutSQL(timeout)); err != nil {
			return mapError(err)
		}
	}
	if err := fn(tx); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit(ctx))
}

func statementTimeoutSQL(d time.Duration) string {
	return fmt.Sprintf("SET LOCAL statement_timeout = %d", d.Milliseconds())
}

// ListScopes returns scopes with settings and an existing schema.
func (p *Postgres) ListScopes(ctx context.Context) ([]string, error) {
	var scopes []string
	err := p.readOnly(ctx, 0, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT scope FROM _internal.settings
			INNER JOIN pg_namespace ON nspname = scope
			ORDER BY scope`)
		if err != nil {
			return err
		}
		scopes, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	return scopes, nil
}

// ScopeBacklog calls the scope schema's get_scope_stats function.
func (p *Postgres) ScopeBacklog(ctx context.Context, scope string) (Backlog, error) {
	if err := validateScope(scope); err != nil {
		return Backlog{}, err
	}
	b := Backlog{Scope: scope, Stages: make(map[Stage]int64, len(Stages))}
	err := p.readOnly(ctx, p.statementTimeout, func(tx pgx.Tx) error {
		var ocr, prediction, control, classification, pdf, export int64
		err := tx.QueryRow(ctx, scopeStatsSQL(scope)).Scan(
			&b.NoQuota, &ocr, &prediction, &control, &classification, &pdf, &export,
			&b.DocumentsInBacklog, &b.DocumentsInError)
		if err != nil {
			return err
		}
		b.Stages[StageOCR] = ocr
		b.Stages[StagePrediction] = prediction
		b.Stages[StageControl] = control
		b.Stages[StageClassification] = classification
		b.Stages[StagePDF] = pdf
		b.Stages[StageExport] = export
		return nil
	})
	if err != nil {
		return Backlog{}, fmt.Errorf("scope %s backlog: %w", scope, err)
	}
	return b, nil
}

func scopeStatsSQL(scope string) string {
	return `SELECT COALESCE(no_quota, false),
		COALESCE(ocr_backlog, 0), COALESCE(prediction_backlog, 0), COALESCE(control_backlog, 0),
		COALESCE(classification_backlog, 0), COALESCE(pdf_backlog, 0), COALESCE(export_backlog, 0),
		COALESCE(documents_in_backlog, 0), COALESCE(documents_in_error, 0)
		FROM ` + pgx.Identifier{scope}.Sanitize() + `.get_scope_stats()`
}

func validateScope(scope string) error {
	if scope == "" || strings.ContainsRune(scope, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	return nil
}

// ListOperations returns finished operations overlapping [since, now).
func (p *Postgres) ListOperations(ctx context.Context, since time.Time) ([]OperationRecord, error) {
	var ops []OperationRecord
	err := p.readOnly(ctx, 0, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT kind, started, ended, COALESCE(nb_pages, 0)
			FROM operation
			WHERE ended IS NOT NULL AND ended >= $1
			ORDER BY started`, since)
		if err != nil {
			return err
		}
		ops, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (OperationRecord, error) {
			var (
				r    OperationRecord
				kind string
			)
			if err := row.Scan(&kind, &r.Started, &r.Ended, &r.NbPages); err != nil {
				return r, err
			}
			r.Kind = normalizeKind(kind)
			return r, nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// normalizeKind maps stored operation kinds onto stages. Classification
// operations are stored under their legacy name.
func normalizeKind(kind string) Stage {
	k := strings.ToUpper(strings.TrimSpace(kind))
	if k == "CLASSELLA" {
		return StageClassification
	}
	return Stage(k)
}

const upsertMetricSQL = `
	INSERT INTO _internal.prometheus_db_metrics(name, scope, value)
	VALUES ($1, $2, $3)
	ON CONFLICT (scope, name)
	DO UPDATE SET value = EXCLUDED.value`

// UpsertMetrics writes rows in a single batch.
func (p *Postgres) UpsertMetrics(ctx context.Context, rows []MetricRow) error {
	if err := p.check(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertMetricSQL, r.Name, r.Scope, r.Value)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert metrics: %w", mapError(err))
	}
	return nil
}

// DeleteMetricsExcept removes rows of scopes that are no longer active.
// Rows of label-less metrics (empty scope) are kept.
func (p *Postgres) DeleteMetricsExcept(ctx context.Context, scopes []string) error {
	if err := p.check(); err != nil {
		return err
	}
	keep := append(append([]string(nil), scopes...), "")
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM _internal.prometheus_db_metrics
		WHERE scope != ALL($1::text[])`, keep)
	if err != nil {
		return fmt.Errorf("delete stale metrics: %w", mapError(err))
	}
	if n := tag.RowsAffected(); n > 0 {
		p.logger.Infof("deleted metrics of inactive scopes", map[string]any{"rows": n})
	}
	return nil
}

// ListMetrics returns every persisted metric row.
func (p *Postgres) ListMetrics(ctx context.Context) ([]MetricRow, error) {
	var out []MetricRow
	err := p.readOnly(ctx, 0, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT name, scope, value FROM _internal.prometheus_db_metrics`)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (MetricRow, error) {
			var r MetricRow
			err := row.Scan(&r.Name, &r.Scope, &r.Value)
			return r, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	return out, nil
}

// ListModelGenerations returns the model_stat rows.
func (p *Postgres) ListModelGenerations(ctx context.Context) ([]ModelGeneration, error) {
	var out []ModelGeneration
	err := p.readOnly(ctx, 0, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT scope, type, started, ended, error, compressed_size, uncompressed_size
			FROM _internal.model_stat`)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (ModelGeneration, error) {
			var g ModelGeneration
			err := row.Scan(&g.Scope, &g.Type, &g.Started, &g.Ended, &g.Error, &g.CompressedSize, &g.UncompressedSize)
			return g, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list model generations: %w", err)
	}
	return out, nil
}

// RecordModelGeneration replaces the generation record of (g.Scope, g.Type).
func (p *Postgres) RecordModelGeneration(ctx context.Context, g ModelGeneration) error {
	if err := p.check(); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO _internal.model_stat(scope, type, started, ended, error, compressed_size, uncompressed_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (scope, type)
		DO UPDATE SET started = EXCLUDED.started, ended = EXCLUDED.ended, error = EXCLUDED.error,
			compressed_size = EXCLUDED.compressed_size, uncompressed_size = EXCLUDED.uncompressed_size`,
		g.Scope, g.Type, g.Started, g.Ended, g.Error, g.CompressedSize, g.UncompressedSize)
	if err != nil {
		return fmt.Errorf("record model generation: %w", mapError(err))
	}
	return nil
}

// FactoryLastRun reads the task factory status row.
func (p *Postgres) FactoryLastRun(ctx context.Context) (time.Time, bool, error) {
	var last *time.Time
	err := p.readOnly(ctx, 0, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT (value->>'last_run')::timestamptz
			FROM _internal.status
			WHERE name = 'factory_tasks'`).Scan(&last)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("factory last run: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

// Ping checks that a connection can be acquired and used.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.check(); err != nil {
		return err
	}
	return mapError(p.pool.Ping(ctx))
}

// PoolStats returns current pool usage.
func (p *Postgres) PoolStats() PoolStats {
	s := p.pool.Stat()
	return PoolStats{
		TotalConns:    s.TotalConns(),
		MaxConns:      s.MaxConns(),
		EmptyAcquires: s.EmptyAcquireCount(),
	}
}

// Close closes the pool. It is safe to call more than once.
func (p *Postgres) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.pool.Close()
	return nil
}

// mapError translates driver errors into package errors, keeping the cause.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgQueryCanceled {
		return fmt.Errorf("%w: %s", ErrTimeout, pgErr.Message)
	}
	return err
}

var _ Store = (*Postgres)(nil)
