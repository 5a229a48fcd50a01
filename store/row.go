package store

import (
	"github.com/goliatone/go-connector"
)

// entityRow is the column layout shared by the SQL backed stores. The
// payload carries the full entity, the other columns are indexed copies.
type entityRow struct {
	ID             string
	State          int
	StateCount     int
	StateTimestamp int64
	Version        int64
	LeasedBy       string
	LeasedAt       int64
	LeaseDuration  int64
	Payload        []byte
	CreatedAt      int64
	UpdatedAt      int64
}

func (r entityRow) lease() *connector.Lease {
	if r.LeasedBy == "" {
		return nil
	}
	return &connector.Lease{
		LeasedBy:      r.LeasedBy,
		LeasedAt:      r.LeasedAt,
		LeaseDuration: r.LeaseDuration,
	}
}

func decodeRow[E connector.Entity](codec Codec[E], r entityRow) (E, error) {
	entity, err := codec.Decode(r.Payload)
	if err != nil {
		return entity, err
	}
	st := entity.Stateful()
	st.Version = r.Version
	st.Lease = r.lease()
	return entity, nil
}

// encodeRow builds the row persisted for entity once saved as version.
// The caller's entity is left untouched.
func encodeRow[E connector.Entity](codec Codec[E], entity E, version int64, nowMs int64) (entityRow, error) {
	st := entity.Stateful()
	original := *st

	snapshot := st.Clone()
	snapshot.Version = version
	snapshot.Lease = nil
	snapshot.UpdatedAt = nowMs
	if snapshot.CreatedAt == 0 {
		snapshot.CreatedAt = nowMs
	}

	*st = snapshot
	payload, err := codec.Encode(entity)
	*st = original
	if err != nil {
		return entityRow{}, err
	}
	return entityRow{
		ID:             snapshot.ID,
		State:          snapshot.State,
		StateCount:     snapshot.StateCount,
		StateTimestamp: snapshot.StateTimestamp,
		Version:        version,
		Payload:        payload,
		CreatedAt:      snapshot.CreatedAt,
		UpdatedAt:      snapshot.UpdatedAt,
	}, nil
}
