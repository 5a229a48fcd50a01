package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-connector"
)

// DefaultLeaseDuration bounds how long a crashed holder keeps an entity.
const DefaultLeaseDuration = 60 * time.Second

// EntityStore persists entities with leases and optimistic versions.
type EntityStore[E connector.Entity] interface {
	// NextNotLeased leases up to max unleased entities in any of states,
	// oldest state timestamp first.
	NextNotLeased(ctx context.Context, max int, states ...int) ([]E, error)
	Find(ctx context.Context, id string) (E, error)
	// FindByIDAndLease leases a single entity for the store's holder.
	FindByIDAndLease(ctx context.Context, id string) (E, error)
	// Save persists entity if its version matches, bumps the version and
	// clears the lease. The caller's entity is updated in place.
	Save(ctx context.Context, entity E) error
	ReleaseLease(ctx context.Context, id string) error
	IsLeased(ctx context.Context, id string) (bool, error)
}

// Codec converts entities to and from their persisted payload.
type Codec[E connector.Entity] interface {
	Encode(entity E) ([]byte, error)
	Decode(payload []byte) (E, error)
}

// JSONCodec encodes entities as JSON. New must return an empty entity.
type JSONCodec[E connector.Entity] struct {
	New func() E
}

func NewJSONCodec[E connector.Entity](newFn func() E) JSONCodec[E] {
	return JSONCodec[E]{New: newFn}
}

func (c JSONCodec[E]) Encode(entity E) ([]byte, error) {
	payload, err := json.Marshal(entity)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "entity encode failed").
			WithTextCode("ENTITY_ENCODE_FAILED")
	}
	return payload, nil
}

func (c JSONCodec[E]) Decode(payload []byte) (E, error) {
	var zero E
	if c.New == nil {
		return zero, errors.New("json codec requires an entity constructor", errors.CategoryBadInput).
			WithTextCode("ENTITY_DECODE_FAILED")
	}
	entity := c.New()
	if err := json.Unmarshal(payload, entity); err != nil {
		return zero, errors.Wrap(err, errors.CategoryBadInput, "entity decode failed").
			WithTextCode("ENTITY_DECODE_FAILED")
	}
	return entity, nil
}

// Options holds settings shared by all store implementations.
type Options struct {
	Holder        string
	LeaseDuration time.Duration
	Clock         connector.Clock
	Logger        connector.Logger
	Table         string
	KeyPrefix     string
	ScanLimit     int
}

// Option mutates store options.
type Option func(*Options)

// WithLeaseHolder names the process acquiring leases through this store.
func WithLeaseHolder(holder string) Option {
	return func(o *Options) {
		if holder = strings.TrimSpace(holder); holder != "" {
			o.Holder = holder
		}
	}
}

func WithLeaseDuration(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.LeaseDuration = d
		}
	}
}

func WithClock(clock connector.Clock) Option {
	return func(o *Options) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

func WithLogger(logger connector.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithTable sets the table used by SQL backed stores.
func WithTable(table string) Option {
	return func(o *Options) {
		if table = strings.TrimSpace(table); table != "" {
			o.Table = table
		}
	}
}

// WithKeyPrefix sets the key namespace used by the redis store.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			o.KeyPrefix = prefix
		}
	}
}

// WithScanLimit caps how many index entries the redis store inspects per
// state when looking for candidates.
func WithScanLimit(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.ScanLimit = n
		}
	}
}

func buildOptions(opts ...Option) Options {
	o := Options{
		Holder:        "connector",
		LeaseDuration: DefaultLeaseDuration,
		Clock:         connector.SystemClock{},
		Logger:        connector.DefaultLogger(),
		Table:         "connector_entities",
		KeyPrefix:     "connector:",
		ScanLimit:     1000,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o Options) now() time.Time {
	return connector.NormalizeClock(o.Clock).Now()
}

func (o Options) newLease(now time.Time) *connector.Lease {
	return connector.NewLease(o.Holder, now, o.LeaseDuration)
}

// skipUndecodable drops a leased row whose payload no longer decodes. The
// row keeps its lease, so polls pass over it until the lease expires.
func (o Options) skipUndecodable(id string, err error) {
	connector.NormalizeLogger(o.Logger).Warn("store: skipping entity %s, payload does not decode: %v", id, err)
}

// leaseBlocks reports whether lease prevents holder from touching the row.
func leaseBlocks(lease *connector.Lease, holder string, now int64) bool {
	if lease == nil || lease.LeasedBy == "" || lease.IsExpired(now) {
		return false
	}
	return lease.LeasedBy != holder
}

func leaseLive(lease *connector.Lease, now int64) bool {
	return lease != nil && lease.LeasedBy != "" && !lease.IsExpired(now)
}

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}

func notFound(id string) error {
	return connector.NewError(connector.ErrEntityNotFound, "", nil, map[string]any{"entity_id": id})
}

func leasedElsewhere(id string, lease *connector.Lease) error {
	meta := map[string]any{"entity_id": id}
	if lease != nil {
		meta["leased_by"] = lease.LeasedBy
		meta["lease_expires_at"] = lease.ExpiresAt()
	}
	return connector.NewError(connector.ErrEntityLeased, "", nil, meta)
}

func versionConflict(id string, expected, actual int64) error {
	return connector.NewError(connector.ErrVersionConflict, "", nil, map[string]any{
		"entity_id":        id,
		"expected_version": expected,
		"actual_version":   actual,
	})
}

func stateSet(states []int) map[int]struct{} {
	out := make(map[int]struct{}, len(states))
	for _, s := range states {
		out[s] = struct{}{}
	}
	return out
}

// applySaved mirrors the persisted outcome onto the caller's entity.
func applySaved(st *connector.StatefulEntity, version int64, now time.Time) {
	st.Version = version
	st.Lease = nil
	st.UpdatedAt = now.UnixMilli()
	if st.CreatedAt == 0 {
		st.CreatedAt = st.UpdatedAt
	}
}
