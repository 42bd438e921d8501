package storage

import (
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/rows"
)

// IndexDef describes a sorted index over document fields.
type IndexDef struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
}

// Dataset is the JSON layout LoadJSON reads.
type Dataset struct {
	Collections map[string][]Document `json:"collections"`
	Indexes     map[string][]IndexDef `json:"indexes,omitempty"`
	Satellites  []string              `json:"satellites,omitempty"`
}

// MemoryStore is an in-memory Snapshot. Documents get local ids 1..n in
// insertion order.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	inactive    atomic.Bool
	syncDelay   time.Duration
	syncCalls   atomic.Int64
}

var _ Snapshot = (*MemoryStore)(nil)

// NewMemoryStore returns an empty, active store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

// LoadJSON builds a store from a Dataset document.
func LoadJSON(r io.Reader) (*MemoryStore, error) {
	var ds Dataset
	if err := json.NewDecoder(r).Decode(&ds); err != nil {
		return nil, qerrors.WrapRuntimeData(err, "decode dataset")
	}
	return FromDataset(ds)
}

// FromDataset builds a store from an already decoded Dataset.
func FromDataset(ds Dataset) (*MemoryStore, error) {
	s := NewMemoryStore()
	for name, docs := range ds.Collections {
		s.AddCollection(name, docs...)
	}
	for name, defs := range ds.Indexes {
		for _, def := range defs {
			if err := s.AddIndex(name, def); err != nil {
				return nil, err
			}
		}
	}
	for _, name := range ds.Satellites {
		if err := s.MarkSatellite(name); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddCollection creates or extends a collection.
func (s *MemoryStore) AddCollection(name string, docs ...Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &memCollection{name: name, docs: make(map[LocalDocumentID]Document), indexes: make(map[string]IndexDef)}
		s.collections[name] = c
	}
	for _, d := range docs {
		id := LocalDocumentID(len(c.order) + 1)
		c.order = append(c.order, id)
		c.docs[id] = d
	}
}

// AddIndex registers a sorted index on an existing collection.
func (s *MemoryStore) AddIndex(collection string, def IndexDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		return qerrors.NotFoundf("collection %q not found", collection)
	}
	if def.Name == "" || len(def.Fields) == 0 {
		return qerrors.MalformedPlanf("index on %q needs a name and at least one field", collection)
	}
	c.indexes[def.Name] = def
	return nil
}

// MarkSatellite flags a collection as satellite.
func (s *MemoryStore) MarkSatellite(collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		return qerrors.NotFoundf("collection %q not found", collection)
	}
	c.satellite = true
	return nil
}

// SetActive opens or closes the snapshot. Cost estimation reads no counts
// from an inactive snapshot.
func (s *MemoryStore) SetActive(active bool) { s.inactive.Store(!active) }

// SetSyncDelay makes WaitForSync block for d.
func (s *MemoryStore) SetSyncDelay(d time.Duration) { s.syncDelay = d }

// SyncCalls returns how many times WaitForSync ran.
func (s *MemoryStore) SyncCalls() int64 { return s.syncCalls.Load() }

func (s *MemoryStore) Active() bool { return !s.inactive.Load() }

func (s *MemoryStore) Count(collection string) (int64, error) {
	c, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	return c.Count(), nil
}

func (s *MemoryStore) Collection(name string) (Collection, error) {
	return s.collection(name)
}

func (s *MemoryStore) collection(name string) (*memCollection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, qerrors.NotFoundf("collection %q not found", name)
	}
	return c, nil
}

func (s *MemoryStore) WaitForSync(ctx context.Context, collection string) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	if !c.satellite {
		return nil
	}
	s.syncCalls.Add(1)
	if s.syncDelay <= 0 {
		return nil
	}
	t := time.NewTimer(s.syncDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return qerrors.Timeoutf("waiting for satellite %q: %v", collection, ctx.Err())
	}
}

type memCollection struct {
	name      string
	order     []LocalDocumentID
	docs      map[LocalDocumentID]Document
	indexes   map[string]IndexDef
	satellite bool
}

func (c *memCollection) Name() string      { return c.name }
func (c *memCollection) IsSatellite() bool { return c.satellite }
func (c *memCollection) Count() int64      { return int64(len(c.order)) }

func (c *memCollection) Iterator(random bool, seed int64) DocumentIterator {
	ids := c.order
	if random {
		ids = slices.Clone(c.order)
		r := rand.New(rand.NewPCG(uint64(seed), uint64(len(ids))))
		r.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	}
	return &sliceIterator{ids: ids, fetch: c.lookup}
}

func (c *memCollection) IndexIterator(index string, covering bool) (DocumentIterator, error) {
	def, ok := c.indexes[index]
	if !ok {
		return nil, qerrors.NotFoundf("index %q not found on collection %q", index, c.name)
	}
	ids := slices.Clone(c.order)
	slices.SortStableFunc(ids, func(a, b LocalDocumentID) int {
		da, db := c.docs[a], c.docs[b]
		for _, f := range def.Fields {
			if r := rows.Compare(da[f], db[f]); r != 0 {
				return r
			}
		}
		return 0
	})
	fetch := c.lookup
	if covering {
		fetch = func(id LocalDocumentID) Document {
			doc := c.docs[id]
			proj := make(Document, len(def.Fields))
			for _, f := range def.Fields {
				proj[f] = doc[f]
			}
			return proj
		}
	}
	return &sliceIterator{ids: ids, fetch: fetch}, nil
}

func (c *memCollection) lookup(id LocalDocumentID) Document { return c.docs[id] }

func (c *memCollection) Document(_ context.Context, id LocalDocumentID) (Document, error) {
	doc, ok := c.docs[id]
	if !ok {
		return nil, qerrors.RuntimeDataf("document %d not found in collection %q", id, c.name)
	}
	return doc, nil
}

// sliceIterator walks a precomputed id order.
type sliceIterator struct {
	ids   []LocalDocumentID
	pos   int
	fetch func(LocalDocumentID) Document
}

func (it *sliceIterator) Next(ctx context.Context, limit int, visit Visit) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, qerrors.Killedf("iteration cancelled: %v", err)
	}
	for n := 0; n < limit && it.pos < len(it.ids); n++ {
		id := it.ids[it.pos]
		it.pos++
		if err := visit(id, it.fetch(id)); err != nil {
			return false, err
		}
	}
	return it.pos < len(it.ids), nil
}

func (it *sliceIterator) Skip(ctx context.Context, n int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, qerrors.Killedf("iteration cancelled: %v", err)
	}
	skipped := min(n, len(it.ids)-it.pos)
	it.pos += skipped
	return skipped, nil
}

func (it *sliceIterator) Reset() { it.pos = 0 }
