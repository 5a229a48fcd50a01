package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/goliatone/go-connector"
)

// PgxPool is the subset of *pgxpool.Pool used by PostgresStore.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type pgxQueryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists entities in PostgreSQL. Candidate selection uses
// FOR UPDATE SKIP LOCKED so concurrent pollers never block each other.
type PostgresStore[E connector.Entity] struct {
	pool  PgxPool
	codec Codec[E]
	opts  Options
}

// OpenPostgresPool parses dsn, connects and pings.
func OpenPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, connector.NewError(connector.ErrInvalidConfiguration, "invalid postgres dsn", err, nil)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, connector.StoreError("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, connector.StoreError("ping", err)
	}
	return pool, nil
}

func NewPostgresStore[E connector.Entity](pool PgxPool, codec Codec[E], opts ...Option) *PostgresStore[E] {
	return &PostgresStore[E]{pool: pool, codec: codec, opts: buildOptions(opts...)}
}

// ForHolder returns a store over the same pool leasing as holder.
func (s *PostgresStore[E]) ForHolder(holder string) *PostgresStore[E] {
	opts := s.opts
	WithLeaseHolder(holder)(&opts)
	return &PostgresStore[E]{pool: s.pool, codec: s.codec, opts: opts}
}

func (s *PostgresStore[E]) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return connector.StoreError("schema", errors.New("postgres store not configured"))
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		state INTEGER NOT NULL,
		state_count INTEGER NOT NULL DEFAULT 1,
		state_timestamp BIGINT NOT NULL,
		version BIGINT NOT NULL,
		leased_by TEXT NOT NULL DEFAULT '',
		leased_at BIGINT NOT NULL DEFAULT 0,
		lease_duration BIGINT NOT NULL DEFAULT 0,
		payload JSONB NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`, s.opts.Table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return connector.StoreError("schema", err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_state_ts ON %s (state, state_timestamp)`, s.opts.Table, s.opts.Table)
	if _, err := s.pool.Exec(ctx, idx); err != nil {
		return connector.StoreError("schema", err)
	}
	return nil
}

func (s *PostgresStore[E]) NextNotLeased(ctx context.Context, max int, states ...int) ([]E, error) {
	if max <= 0 || len(states) == 0 {
		return nil, nil
	}
	lease := s.opts.newLease(s.opts.now())
	codes := make([]int32, 0, len(states))
	for _, st := range states {
		codes = append(codes, int32(st))
	}

	out := make([]E, 0, max)
	for len(out) < max {
		rows, err := s.leaseRows(ctx, lease, codes, max-len(out))
		if err != nil {
			return nil, err
		}
		skipped := 0
		for _, row := range rows {
			entity, err := decodeRow(s.codec, row)
			if err != nil {
				s.opts.skipUndecodable(row.ID, err)
				skipped++
				continue
			}
			out = append(out, entity)
		}
		if len(rows) == 0 || skipped == 0 {
			break
		}
	}
	return out, nil
}

// leaseRows leases up to limit candidates in one statement, oldest first.
func (s *PostgresStore[E]) leaseRows(ctx context.Context, lease *connector.Lease, codes []int32, limit int) ([]entityRow, error) {
	q := fmt.Sprintf(`UPDATE %[1]s SET leased_by = $1, leased_at = $2, lease_duration = $3
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE state = ANY($4)
			AND (leased_by = '' OR leased_at + lease_duration < $2)
			ORDER BY state_timestamp ASC, id ASC
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, state, state_count, state_timestamp, version, leased_by, leased_at, lease_duration,
			payload, created_at, updated_at`, s.opts.Table)
	rows, err := s.pool.Query(ctx, q, lease.LeasedBy, lease.LeasedAt, lease.LeaseDuration, codes, limit)
	if err != nil {
		return nil, connector.StoreError("next_not_leased", err)
	}
	defer rows.Close()

	leasedRows := make([]entityRow, 0, limit)
	for rows.Next() {
		row, err := scanPgRow(rows)
		if err != nil {
			return nil, connector.StoreError("next_not_leased", err)
		}
		leasedRows = append(leasedRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, connector.StoreError("next_not_leased", err)
	}

	// RETURNING does not preserve the sub-select order.
	sort.Slice(leasedRows, func(i, j int) bool {
		if leasedRows[i].StateTimestamp == leasedRows[j].StateTimestamp {
			return leasedRows[i].ID < leasedRows[j].ID
		}
		return leasedRows[i].StateTimestamp < leasedRows[j].StateTimestamp
	})
	return leasedRows, nil
}

func (s *PostgresStore[E]) Find(ctx context.Context, id string) (E, error) {
	var zero E
	row, err := s.loadRow(ctx, s.pool, normalizeID(id), false)
	if err != nil {
		return zero, err
	}
	return decodeRow(s.codec, row)
}

func (s *PostgresStore[E]) FindByIDAndLease(ctx context.Context, id string) (E, error) {
	var zero E
	id = normalizeID(id)
	now := s.opts.now()
	lease := s.opts.newLease(now)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return zero, connector.StoreError("find_and_lease", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row, err := s.loadRow(ctx, tx, id, true)
	if err != nil {
		return zero, err
	}
	if leaseBlocks(row.lease(), s.opts.Holder, now.UnixMilli()) {
		return zero, leasedElsewhere(id, row.lease())
	}
	q := fmt.Sprintf(`UPDATE %s SET leased_by = $1, leased_at = $2, lease_duration = $3 WHERE id = $4`, s.opts.Table)
	if _, err := tx.Exec(ctx, q, lease.LeasedBy, lease.LeasedAt, lease.LeaseDuration, id); err != nil {
		return zero, connector.StoreError("find_and_lease", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return zero, connector.StoreError("find_and_lease", err)
	}

	row.LeasedBy, row.LeasedAt, row.LeaseDuration = lease.LeasedBy, lease.LeasedAt, lease.LeaseDuration
	return decodeRow(s.codec, row)
}

func (s *PostgresStore[E]) Save(ctx context.Context, entity E) error {
	st := entity.Stateful()
	id := normalizeID(st.ID)
	if id == "" {
		return connector.NewError(connector.ErrEntityNotFound, "entity id required", nil, nil)
	}
	now := s.opts.now()
	nowMs := now.UnixMilli()
	next := st.Version + 1

	row, err := encodeRow(s.codec, entity, next, nowMs)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return connector.StoreError("save", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := s.loadRow(ctx, tx, id, true)
	exists := true
	if err != nil {
		if !connector.IsNotFound(err) {
			return err
		}
		exists = false
	}

	switch {
	case !exists && st.Version != 0:
		return notFound(id)
	case exists && current.Version != st.Version:
		return versionConflict(id, st.Version, current.Version)
	case exists && leaseBlocks(current.lease(), s.opts.Holder, nowMs):
		return leasedElsewhere(id, current.lease())
	}

	if !exists {
		q := fmt.Sprintf(`INSERT INTO %s (
			id, state, state_count, state_timestamp, version, leased_by, leased_at, lease_duration, payload, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, '', 0, 0, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`, s.opts.Table)
		tag, err := tx.Exec(ctx, q,
			row.ID, row.State, row.StateCount, row.StateTimestamp, row.Version,
			string(row.Payload), row.CreatedAt, row.UpdatedAt,
		)
		if err != nil {
			return connector.StoreError("save", err)
		}
		if tag.RowsAffected() == 0 {
			return versionConflict(id, 0, -1)
		}
	} else {
		q := fmt.Sprintf(`UPDATE %s
			SET state = $1, state_count = $2, state_timestamp = $3, version = $4,
				leased_by = '', leased_at = 0, lease_duration = 0, payload = $5, updated_at = $6
			WHERE id = $7 AND version = $8`, s.opts.Table)
		tag, err := tx.Exec(ctx, q,
			row.State, row.StateCount, row.StateTimestamp, row.Version,
			string(row.Payload), row.UpdatedAt,
			id, st.Version,
		)
		if err != nil {
			return connector.StoreError("save", err)
		}
		if tag.RowsAffected() == 0 {
			return versionConflict(id, st.Version, -1)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return connector.StoreError("save", err)
	}

	applySaved(st, next, now)
	return nil
}

func (s *PostgresStore[E]) ReleaseLease(ctx context.Context, id string) error {
	id = normalizeID(id)
	nowMs := s.opts.now().UnixMilli()

	q := fmt.Sprintf(`UPDATE %s SET leased_by = '', leased_at = 0, lease_duration = 0
		WHERE id = $1 AND (leased_by = '' OR leased_by = $2 OR leased_at + lease_duration < $3)`, s.opts.Table)
	tag, err := s.pool.Exec(ctx, q, id, s.opts.Holder, nowMs)
	if err != nil {
		return connector.StoreError("release_lease", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	row, err := s.loadRow(ctx, s.pool, id, false)
	if err != nil {
		return err
	}
	return leasedElsewhere(id, row.lease())
}

func (s *PostgresStore[E]) IsLeased(ctx context.Context, id string) (bool, error) {
	row, err := s.loadRow(ctx, s.pool, normalizeID(id), false)
	if err != nil {
		return false, err
	}
	return leaseLive(row.lease(), s.opts.now().UnixMilli()), nil
}

// DropTable removes the entity table. Used by integration tests.
func (s *PostgresStore[E]) DropTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.opts.Table))
	return err
}

func (s *PostgresStore[E]) loadRow(ctx context.Context, q pgxQueryRower, id string, forUpdate bool) (entityRow, error) {
	query := fmt.Sprintf(`SELECT id, state, state_count, state_timestamp, version, leased_by, leased_at, lease_duration,
		payload, created_at, updated_at FROM %s WHERE id = $1`, s.opts.Table)
	if forUpdate {
		query += " FOR UPDATE"
	}
	row, err := scanPgRow(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return entityRow{}, notFound(id)
	}
	if err != nil {
		return entityRow{}, connector.StoreError("load", err)
	}
	return row, nil
}

type pgScanner interface {
	Scan(dest ...any) error
}

func scanPgRow(r pgScanner) (entityRow, error) {
	var row entityRow
	var state, stateCount int32
	err := r.Scan(
		&row.ID,
		&state,
		&stateCount,
		&row.StateTimestamp,
		&row.Version,
		&row.LeasedBy,
		&row.LeasedAt,
		&row.LeaseDuration,
		&row.Payload,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	row.State = int(state)
	row.StateCount = int(stateCount)
	return row, err
}

var _ EntityStore[connector.Entity] = (*PostgresStore[connector.Entity])(nil)
