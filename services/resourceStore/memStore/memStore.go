package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/kychandar/changecast/ds"
	"github.com/kychandar/changecast/services"
	resourcestore "github.com/kychandar/changecast/services/resourceStore"
)

type memStore struct {
	kind    string
	seq     atomic.Uint64
	lock    sync.Mutex // serialises writes; reads go straight to the map
	records *haxmap.Map[uint64, ds.Record]
}

// New returns an in-process store for one entity kind. Ids start at 1.
func New(kind string) services.ResourceStore {
	return &memStore{
		kind:    kind,
		records: haxmap.New[uint64, ds.Record](),
	}
}

func (m *memStore) List(ctx context.Context) ([]ds.Record, error) {
	out := make([]ds.Record, 0, m.records.Len())
	m.records.ForEach(func(_ uint64, rec ds.Record) bool {
		out = append(out, rec)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Get(ctx context.Context, id uint64) (ds.Record, error) {
	rec, ok := m.records.Get(id)
	if !ok {
		return ds.Record{}, fmt.Errorf("%s %d: %w", m.kind, id, resourcestore.ErrNotFound)
	}
	return rec, nil
}

func (m *memStore) Create(ctx context.Context, rec *ds.Record) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now().UTC()
	rec.ID = m.seq.Add(1)
	rec.Kind = m.kind
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records.Set(rec.ID, *rec)
	return nil
}

// Update replaces title and description of an existing record and fills rec with the
// stored result.
func (m *memStore) Update(ctx context.Context, rec *ds.Record) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	existing, ok := m.records.Get(rec.ID)
	if !ok {
		return fmt.Errorf("%s %d: %w", m.kind, rec.ID, resourcestore.ErrNotFound)
	}
	existing.Title = rec.Title
	existing.Description = rec.Description
	existing.UpdatedAt = time.Now().UTC()
	m.records.Set(existing.ID, existing)
	*rec = existing
	return nil
}

func (m *memStore) Delete(ctx context.Context, id uint64) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.records.Get(id); !ok {
		return fmt.Errorf("%s %d: %w", m.kind, id, resourcestore.ErrNotFound)
	}
	m.records.Del(id)
	return nil
}
