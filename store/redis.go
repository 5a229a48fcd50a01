package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-connector"
)

// RedisStore keeps one JSON record per entity plus a sorted set per state
// scored by state timestamp. Mutations run in WATCH/MULTI transactions.
// The codec must produce JSON.
type RedisStore[E connector.Entity] struct {
	client redis.UniversalClient
	codec  Codec[E]
	opts   Options
}

type redisRecord struct {
	State          int              `json:"state"`
	StateTimestamp int64            `json:"state_timestamp"`
	Version        int64            `json:"version"`
	Lease          *connector.Lease `json:"lease,omitempty"`
	Payload        json.RawMessage  `json:"payload"`
}

func NewRedisStore[E connector.Entity](client redis.UniversalClient, codec Codec[E], opts ...Option) *RedisStore[E] {
	return &RedisStore[E]{client: client, codec: codec, opts: buildOptions(opts...)}
}

// OpenRedisClient connects to addr and pings.
func OpenRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, connector.StoreError("ping", err)
	}
	return client, nil
}

// ForHolder returns a store over the same client leasing as holder.
func (s *RedisStore[E]) ForHolder(holder string) *RedisStore[E] {
	opts := s.opts
	WithLeaseHolder(holder)(&opts)
	return &RedisStore[E]{client: s.client, codec: s.codec, opts: opts}
}

func (s *RedisStore[E]) entityKey(id string) string {
	return s.opts.KeyPrefix + "entity:" + id
}

func (s *RedisStore[E]) stateKey(state int) string {
	return s.opts.KeyPrefix + "state:" + strconv.Itoa(state)
}

func (s *RedisStore[E]) NextNotLeased(ctx context.Context, max int, states ...int) ([]E, error) {
	if max <= 0 || len(states) == 0 {
		return nil, nil
	}

	type candidate struct {
		id    string
		score float64
	}
	candidates := make([]candidate, 0)
	for _, state := range states {
		members, err := s.client.ZRangeWithScores(ctx, s.stateKey(state), 0, int64(s.opts.ScanLimit-1)).Result()
		if err != nil {
			return nil, connector.StoreError("next_not_leased", err)
		}
		for _, m := range members {
			id, _ := m.Member.(string)
			candidates = append(candidates, candidate{id: id, score: m.Score})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].score < candidates[j].score
	})

	wanted := stateSet(states)
	out := make([]E, 0, max)
	for _, c := range candidates {
		if len(out) >= max {
			break
		}
		entity, ok, err := s.tryLease(ctx, c.id, wanted)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, entity)
		}
	}
	return out, nil
}

// tryLease leases id if it is still in a wanted state and unleased. Losing
// a race against another holder is not an error.
func (s *RedisStore[E]) tryLease(ctx context.Context, id string, wanted map[int]struct{}) (E, bool, error) {
	var leased E
	var ok bool
	key := s.entityKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		now := s.opts.now()
		rec, err := s.readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		if _, match := wanted[rec.State]; !match || leaseLive(rec.Lease, now.UnixMilli()) {
			return nil
		}
		rec.Lease = s.opts.newLease(now)
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeRecord(ctx, pipe, key, rec)
		}); err != nil {
			return err
		}
		leased, err = s.decodeRecord(rec)
		if err != nil {
			s.opts.skipUndecodable(id, err)
			return nil
		}
		ok = true
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return leased, false, nil
	}
	if err != nil {
		return leased, false, connector.StoreError("next_not_leased", err)
	}
	return leased, ok, nil
}

func (s *RedisStore[E]) Find(ctx context.Context, id string) (E, error) {
	var zero E
	id = normalizeID(id)
	rec, err := s.readRecord(ctx, s.client, s.entityKey(id))
	if err != nil {
		return zero, connector.StoreError("load", err)
	}
	if rec == nil {
		return zero, notFound(id)
	}
	return s.decodeRecord(rec)
}

func (s *RedisStore[E]) FindByIDAndLease(ctx context.Context, id string) (E, error) {
	var leased E
	id = normalizeID(id)
	key := s.entityKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		now := s.opts.now()
		rec, err := s.readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return notFound(id)
		}
		if leaseBlocks(rec.Lease, s.opts.Holder, now.UnixMilli()) {
			return leasedElsewhere(id, rec.Lease)
		}
		rec.Lease = s.opts.newLease(now)
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeRecord(ctx, pipe, key, rec)
		}); err != nil {
			return err
		}
		leased, err = s.decodeRecord(rec)
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return leased, versionConflict(id, -1, -1)
	}
	if err != nil {
		return leased, connector.StoreError("find_and_lease", err)
	}
	return leased, nil
}

func (s *RedisStore[E]) Save(ctx context.Context, entity E) error {
	st := entity.Stateful()
	id := normalizeID(st.ID)
	if id == "" {
		return connector.NewError(connector.ErrEntityNotFound, "entity id required", nil, nil)
	}
	key := s.entityKey(id)
	now := s.opts.now()
	nowMs := now.UnixMilli()
	next := st.Version + 1

	row, err := encodeRow(s.codec, entity, next, nowMs)
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		switch {
		case current == nil && st.Version != 0:
			return notFound(id)
		case current != nil && current.Version != st.Version:
			return versionConflict(id, st.Version, current.Version)
		case current != nil && leaseBlocks(current.Lease, s.opts.Holder, nowMs):
			return leasedElsewhere(id, current.Lease)
		}
		rec := &redisRecord{
			State:          row.State,
			StateTimestamp: row.StateTimestamp,
			Version:        next,
			Payload:        row.Payload,
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if current != nil && current.State != rec.State {
				pipe.ZRem(ctx, s.stateKey(current.State), id)
			}
			return s.writeRecord(ctx, pipe, key, rec)
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return versionConflict(id, st.Version, -1)
	}
	if err != nil {
		return connector.StoreError("save", err)
	}

	applySaved(st, next, now)
	return nil
}

func (s *RedisStore[E]) ReleaseLease(ctx context.Context, id string) error {
	id = normalizeID(id)
	key := s.entityKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return notFound(id)
		}
		if leaseBlocks(rec.Lease, s.opts.Holder, s.opts.now().UnixMilli()) {
			return leasedElsewhere(id, rec.Lease)
		}
		rec.Lease = nil
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeRecord(ctx, pipe, key, rec)
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return versionConflict(id, -1, -1)
	}
	if err != nil {
		return connector.StoreError("release_lease", err)
	}
	return nil
}

func (s *RedisStore[E]) IsLeased(ctx context.Context, id string) (bool, error) {
	id = normalizeID(id)
	rec, err := s.readRecord(ctx, s.client, s.entityKey(id))
	if err != nil {
		return false, connector.StoreError("load", err)
	}
	if rec == nil {
		return false, notFound(id)
	}
	return leaseLive(rec.Lease, s.opts.now().UnixMilli()), nil
}

// Purge deletes every key under the store prefix. Used by integration tests.
func (s *RedisStore[E]) Purge(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.opts.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore[E]) readRecord(ctx context.Context, c redisGetter, key string) (*redisRecord, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore[E]) writeRecord(ctx context.Context, pipe redis.Pipeliner, key string, rec *redisRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	id := key[len(s.opts.KeyPrefix+"entity:"):]
	pipe.Set(ctx, key, raw, 0)
	pipe.ZAdd(ctx, s.stateKey(rec.State), redis.Z{Score: float64(rec.StateTimestamp), Member: id})
	return nil
}

func (s *RedisStore[E]) decodeRecord(rec *redisRecord) (E, error) {
	entity, err := s.codec.Decode(rec.Payload)
	if err != nil {
		return entity, err
	}
	st := entity.Stateful()
	st.Version = rec.Version
	if rec.Lease != nil {
		lease := *rec.Lease
		st.Lease = &lease
	} else {
		st.Lease = nil
	}
	return entity, nil
}

var _ EntityStore[connector.Entity] = (*RedisStore[connector.Entity])(nil)
