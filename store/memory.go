package store

import (
	"context"
	"sort"
	"sync"

	"github.com/goliatone/go-connector"
)

type memoryRecord struct {
	payload        []byte
	state          int
	stateTimestamp int64
	version        int64
	lease          *connector.Lease
}

type memoryBackend struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
}

// InMemoryStore is the reference EntityStore. Views created with ForHolder
// share one backend, which lets tests run several holders against the same
// data.
type InMemoryStore[E connector.Entity] struct {
	backend *memoryBackend
	codec   Codec[E]
	opts    Options
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore[E connector.Entity](codec Codec[E], opts ...Option) *InMemoryStore[E] {
	return &InMemoryStore[E]{
		backend: &memoryBackend{records: make(map[string]*memoryRecord)},
		codec:   codec,
		opts:    buildOptions(opts...),
	}
}

// ForHolder returns a view over the same backend that leases as holder.
func (s *InMemoryStore[E]) ForHolder(holder string) *InMemoryStore[E] {
	opts := s.opts
	WithLeaseHolder(holder)(&opts)
	return &InMemoryStore[E]{backend: s.backend, codec: s.codec, opts: opts}
}

func (s *InMemoryStore[E]) Holder() string {
	return s.opts.Holder
}

// Len returns the number of stored entities.
func (s *InMemoryStore[E]) Len() int {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	return len(s.backend.records)
}

func (s *InMemoryStore[E]) NextNotLeased(_ context.Context, max int, states ...int) ([]E, error) {
	if max <= 0 || len(states) == 0 {
		return nil, nil
	}
	now := s.opts.now()
	nowMs := now.UnixMilli()
	wanted := stateSet(states)

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	type candidate struct {
		id  string
		rec *memoryRecord
	}
	candidates := make([]candidate, 0)
	for id, rec := range s.backend.records {
		if _, ok := wanted[rec.state]; !ok {
			continue
		}
		if leaseLive(rec.lease, nowMs) {
			continue
		}
		candidates = append(candidates, candidate{id: id, rec: rec})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rec.stateTimestamp == candidates[j].rec.stateTimestamp {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].rec.stateTimestamp < candidates[j].rec.stateTimestamp
	})
	out := make([]E, 0, max)
	for _, c := range candidates {
		if len(out) == max {
			break
		}
		c.rec.lease = s.opts.newLease(now)
		entity, err := s.decode(c.rec)
		if err != nil {
			s.opts.skipUndecodable(c.id, err)
			continue
		}
		out = append(out, entity)
	}
	return out, nil
}

func (s *InMemoryStore[E]) Find(_ context.Context, id string) (E, error) {
	var zero E
	id = normalizeID(id)

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	rec, ok := s.backend.records[id]
	if !ok {
		return zero, notFound(id)
	}
	return s.decode(rec)
}

func (s *InMemoryStore[E]) FindByIDAndLease(_ context.Context, id string) (E, error) {
	var zero E
	id = normalizeID(id)
	now := s.opts.now()

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	rec, ok := s.backend.records[id]
	if !ok {
		return zero, notFound(id)
	}
	if leaseBlocks(rec.lease, s.opts.Holder, now.UnixMilli()) {
		return zero, leasedElsewhere(id, rec.lease)
	}
	rec.lease = s.opts.newLease(now)
	return s.decode(rec)
}

func (s *InMemoryStore[E]) Save(_ context.Context, entity E) error {
	st := entity.Stateful()
	id := normalizeID(st.ID)
	if id == "" {
		return connector.NewError(connector.ErrEntityNotFound, "entity id required", nil, nil)
	}
	now := s.opts.now()

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	rec, exists := s.backend.records[id]
	switch {
	case !exists && st.Version != 0:
		return notFound(id)
	case exists && rec.version != st.Version:
		return versionConflict(id, st.Version, rec.version)
	case exists && leaseBlocks(rec.lease, s.opts.Holder, now.UnixMilli()):
		return leasedElsewhere(id, rec.lease)
	}

	next := st.Version + 1
	row, err := encodeRow(s.codec, entity, next, now.UnixMilli())
	if err != nil {
		return err
	}

	s.backend.records[id] = &memoryRecord{
		payload:        row.Payload,
		state:          row.State,
		stateTimestamp: row.StateTimestamp,
		version:        next,
	}
	applySaved(st, next, now)
	return nil
}

func (s *InMemoryStore[E]) ReleaseLease(_ context.Context, id string) error {
	id = normalizeID(id)
	now := s.opts.now()

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	rec, ok := s.backend.records[id]
	if !ok {
		return notFound(id)
	}
	if leaseBlocks(rec.lease, s.opts.Holder, now.UnixMilli()) {
		return leasedElsewhere(id, rec.lease)
	}
	rec.lease = nil
	return nil
}

func (s *InMemoryStore[E]) IsLeased(_ context.Context, id string) (bool, error) {
	id = normalizeID(id)
	now := s.opts.now()

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	rec, ok := s.backend.records[id]
	if !ok {
		return false, notFound(id)
	}
	return leaseLive(rec.lease, now.UnixMilli()), nil
}

func (s *InMemoryStore[E]) decode(rec *memoryRecord) (E, error) {
	entity, err := s.codec.Decode(rec.payload)
	if err != nil {
		return entity, err
	}
	st := entity.Stateful()
	st.Version = rec.version
	if rec.lease != nil {
		lease := *rec.lease
		st.Lease = &lease
	} else {
		st.Lease = nil
	}
	return entity, nil
}

var _ EntityStore[connector.Entity] = (*InMemoryStore[connector.Entity])(nil)
