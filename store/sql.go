package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-connector"
)

// SQLStore persists entities through database/sql using the SQLite dialect.
type SQLStore[E connector.Entity] struct {
	db    *sql.DB
	codec Codec[E]
	opts  Options
}

type sqlExecContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type sqlQueryRowContext interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLStore wraps db. Call EnsureSchema before first use.
func NewSQLStore[E connector.Entity](db *sql.DB, codec Codec[E], opts ...Option) *SQLStore[E] {
	return &SQLStore[E]{db: db, codec: codec, opts: buildOptions(opts...)}
}

// ForHolder returns a store over the same database leasing as holder.
func (s *SQLStore[E]) ForHolder(holder string) *SQLStore[E] {
	opts := s.opts
	WithLeaseHolder(holder)(&opts)
	return &SQLStore[E]{db: s.db, codec: s.codec, opts: opts}
}

// EnsureSchema creates the entity table and its polling index.
func (s *SQLStore[E]) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return connector.StoreError("schema", errors.New("sql store not configured"))
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		state INTEGER NOT NULL,
		state_count INTEGER NOT NULL DEFAULT 1,
		state_timestamp INTEGER NOT NULL,
		version INTEGER NOT NULL,
		leased_by TEXT NOT NULL DEFAULT '',
		leased_at INTEGER NOT NULL DEFAULT 0,
		lease_duration INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`, s.opts.Table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return connector.StoreError("schema", err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_state_ts ON %s (state, state_timestamp)`, s.opts.Table, s.opts.Table)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return connector.StoreError("schema", err)
	}
	return nil
}

func (s *SQLStore[E]) NextNotLeased(ctx context.Context, max int, states ...int) ([]E, error) {
	if max <= 0 || len(states) == 0 {
		return nil, nil
	}
	now := s.opts.now()
	lease := s.opts.newLease(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, connector.StoreError("next_not_leased", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	leased := make([]E, 0, max)
	for len(leased) < max {
		batch, taken, err := s.leaseBatch(ctx, tx, lease, max-len(leased), states)
		if err != nil {
			return nil, err
		}
		leased = append(leased, batch...)
		// every taken row drops out of the candidate set, so a batch
		// without skips or without takers is the last one
		if taken == 0 || taken == len(batch) {
			break
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, connector.StoreError("next_not_leased", err)
	}
	tx = nil
	return leased, nil
}

// leaseBatch leases up to limit candidates inside tx. taken counts the rows
// leased, including the undecodable ones left out of the result.
func (s *SQLStore[E]) leaseBatch(ctx context.Context, tx *sql.Tx, lease *connector.Lease, limit int, states []int) ([]E, int, error) {
	nowMs := lease.LeasedAt
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]any, 0, len(states)+2)
	for _, st := range states {
		args = append(args, st)
	}
	args = append(args, nowMs, limit)
	query := fmt.Sprintf(`SELECT id FROM %s
		WHERE state IN (%s)
		AND (leased_by = '' OR leased_at + lease_duration < ?)
		ORDER BY state_timestamp ASC, id ASC
		LIMIT ?`, s.opts.Table, placeholders)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, connector.StoreError("next_not_leased", err)
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, 0, connector.StoreError("next_not_leased", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, 0, connector.StoreError("next_not_leased", err)
	}
	_ = rows.Close()

	update := fmt.Sprintf(`UPDATE %s
		SET leased_by=?, leased_at=?, lease_duration=?
		WHERE id=?
		AND (leased_by = '' OR leased_at + lease_duration < ?)`, s.opts.Table)
	leased := make([]E, 0, len(ids))
	taken := 0
	for _, id := range ids {
		result, err := tx.ExecContext(ctx, update, lease.LeasedBy, lease.LeasedAt, lease.LeaseDuration, id, nowMs)
		if err != nil {
			return nil, 0, connector.StoreError("next_not_leased", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			continue
		}
		taken++
		row, err := s.loadRow(ctx, tx, id)
		if err != nil {
			return nil, 0, err
		}
		entity, err := decodeRow(s.codec, row)
		if err != nil {
			s.opts.skipUndecodable(id, err)
			continue
		}
		leased = append(leased, entity)
	}
	return leased, taken, nil
}

func (s *SQLStore[E]) Find(ctx context.Context, id string) (E, error) {
	var zero E
	row, err := s.loadRow(ctx, s.db, normalizeID(id))
	if err != nil {
		return zero, err
	}
	return decodeRow(s.codec, row)
}

func (s *SQLStore[E]) FindByIDAndLease(ctx context.Context, id string) (E, error) {
	var zero E
	id = normalizeID(id)
	now := s.opts.now()
	lease := s.opts.newLease(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, connector.StoreError("find_and_lease", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	row, err := s.loadRow(ctx, tx, id)
	if err != nil {
		return zero, err
	}
	if leaseBlocks(row.lease(), s.opts.Holder, now.UnixMilli()) {
		return zero, leasedElsewhere(id, row.lease())
	}
	update := fmt.Sprintf(`UPDATE %s SET leased_by=?, leased_at=?, lease_duration=? WHERE id=? AND version=?`, s.opts.Table)
	result, err := tx.ExecContext(ctx, update, lease.LeasedBy, lease.LeasedAt, lease.LeaseDuration, id, row.Version)
	if err != nil {
		return zero, connector.StoreError("find_and_lease", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return zero, versionConflict(id, row.Version, -1)
	}
	if err := tx.Commit(); err != nil {
		return zero, connector.StoreError("find_and_lease", err)
	}
	tx = nil

	row.LeasedBy, row.LeasedAt, row.LeaseDuration = lease.LeasedBy, lease.LeasedAt, lease.LeaseDuration
	return decodeRow(s.codec, row)
}

func (s *SQLStore[E]) Save(ctx context.Context, entity E) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return connector.StoreError("save", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := s.loadRow(ctx, tx, id)
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
		if err := s.insertRow(ctx, tx, row); err != nil {
			return err
		}
	} else {
		update := fmt.Sprintf(`UPDATE %s
			SET state=?, state_count=?, state_timestamp=?, version=?, leased_by='', leased_at=0, lease_duration=0,
				payload=?, updated_at=?
			WHERE id=? AND version=?`, s.opts.Table)
		result, err := tx.ExecContext(ctx, update,
			row.State, row.StateCount, row.StateTimestamp, row.Version,
			string(row.Payload), row.UpdatedAt,
			id, st.Version,
		)
		if err != nil {
			return connector.StoreError("save", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return versionConflict(id, st.Version, -1)
		}
	}
	if err := tx.Commit(); err != nil {
		return connector.StoreError("save", err)
	}
	tx = nil

	applySaved(st, next, now)
	return nil
}

func (s *SQLStore[E]) ReleaseLease(ctx context.Context, id string) error {
	id = normalizeID(id)
	nowMs := s.opts.now().UnixMilli()

	q := fmt.Sprintf(`UPDATE %s SET leased_by='', leased_at=0, lease_duration=0
		WHERE id=? AND (leased_by = '' OR leased_by = ? OR leased_at + lease_duration < ?)`, s.opts.Table)
	result, err := s.db.ExecContext(ctx, q, id, s.opts.Holder, nowMs)
	if err != nil {
		return connector.StoreError("release_lease", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return nil
	}
	row, err := s.loadRow(ctx, s.db, id)
	if err != nil {
		return err
	}
	return leasedElsewhere(id, row.lease())
}

func (s *SQLStore[E]) IsLeased(ctx context.Context, id string) (bool, error) {
	row, err := s.loadRow(ctx, s.db, normalizeID(id))
	if err != nil {
		return false, err
	}
	return leaseLive(row.lease(), s.opts.now().UnixMilli()), nil
}

func (s *SQLStore[E]) insertRow(ctx context.Context, exec sqlExecContext, row entityRow) error {
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (
		id, state, state_count, state_timestamp, version, leased_by, leased_at, lease_duration, payload, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, '', 0, 0, ?, ?, ?)`, s.opts.Table)
	result, err := exec.ExecContext(ctx, q,
		row.ID, row.State, row.StateCount, row.StateTimestamp, row.Version,
		string(row.Payload), row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return connector.StoreError("save", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return versionConflict(row.ID, 0, -1)
	}
	return nil
}

func (s *SQLStore[E]) loadRow(ctx context.Context, q sqlQueryRowContext, id string) (entityRow, error) {
	query := fmt.Sprintf(`SELECT id, state, state_count, state_timestamp, version, leased_by, leased_at, lease_duration,
		payload, created_at, updated_at FROM %s WHERE id = ?`, s.opts.Table)
	var row entityRow
	var payload string
	err := q.QueryRowContext(ctx, query, id).Scan(
		&row.ID,
		&row.State,
		&row.StateCount,
		&row.StateTimestamp,
		&row.Version,
		&row.LeasedBy,
		&row.LeasedAt,
		&row.LeaseDuration,
		&payload,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return entityRow{}, notFound(id)
	}
	if err != nil {
		return entityRow{}, connector.StoreError("load", err)
	}
	row.Payload = []byte(payload)
	return row, nil
}

var _ EntityStore[connector.Entity] = (*SQLStore[connector.Entity])(nil)
