package store

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/datakit/internal/oid"
	"github.com/roach88/datakit/internal/storeerr"
)

// memoryState is the full content of a memory backend.
type memoryState struct {
	meta    Meta
	records map[string]Record // by key
}

func (s memoryState) clone() memoryState {
	out := memoryState{meta: s.meta, records: make(map[string]Record, len(s.records))}
	for k, r := range s.records {
		out.records[k] = r.Clone()
	}
	return out
}

// MemoryBackend keeps records in process memory.
// Apply works on a copy of the state and swaps it in only on success.
type MemoryBackend struct {
	mu    sync.RWMutex
	state memoryState
}

// NewMemoryBackend creates an empty memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: memoryState{records: map[string]Record{}}}
}

func (b *MemoryBackend) Meta(_ context.Context) (Meta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.meta.StoreID == "" {
		b.state.meta.StoreID = oid.NewStoreIdentifier()
	}
	return b.state.meta, nil
}

func (b *MemoryBackend) SetModelHash(_ context.Context, hash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.meta.ModelHash = hash
	return nil
}

func (b *MemoryBackend) Load(_ context.Context, kinds []string) ([]Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	want := kindSet(kinds)
	out := make([]Record, 0, len(b.state.records))
	for _, r := range b.state.records {
		if want != nil && !want[r.Kind()] {
			continue
		}
		out = append(out, r.Clone())
	}
	sortRecords(out)
	return out, nil
}

func (b *MemoryBackend) Get(_ context.Context, id oid.ID) (Record, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.state.records[id.Key()]
	if !ok || r.Kind() != id.Kind() {
		return Record{}, false, nil
	}
	return r.Clone(), true, nil
}

func (b *MemoryBackend) Apply(_ context.Context, cs ChangeSet, seq int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.state.clone()
	for _, r := range cs.Inserted {
		if _, exists := next.records[r.ID.Key()]; exists {
			return storeerr.Misuse("commit", "duplicate insert of "+r.ID.String())
		}
		r = r.Clone()
		r.Seq = seq
		next.records[r.ID.Key()] = r
	}
	for _, r := range cs.Updated {
		if _, exists := next.records[r.ID.Key()]; !exists {
			return storeerr.NotFound("commit", r.ID.String())
		}
		r = r.Clone()
		r.Seq = seq
		next.records[r.ID.Key()] = r
	}
	for _, id := range cs.Deleted {
		delete(next.records, id.Key())
	}
	if seq > next.meta.MaxSeq {
		next.meta.MaxSeq = seq
	}
	b.state = next
	return nil
}

func (b *MemoryBackend) Reset(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = memoryState{records: map[string]Record{}}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

func kindSet(kinds []string) map[string]bool {
	if kinds == nil {
		return nil
	}
	out := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		out[k] = true
	}
	return out
}

// sortRecords orders records by seq ASC, key ASC.
func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Seq != rs[j].Seq {
			return rs[i].Seq < rs[j].Seq
		}
		return rs[i].ID.Key() < rs[j].ID.Key()
	})
}

var _ Backend = (*MemoryBackend)(nil)
