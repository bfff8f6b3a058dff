package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory Registry for tests and dry runs.
type MemoryRegistry struct {
	mu        sync.RWMutex
	processed map[string]Processed
	failed    map[string]Failed
	now       func() time.Time
}

func NewMemory() *MemoryRegistry {
	return &MemoryRegistry{
		processed: make(map[string]Processed),
		failed:    make(map[string]Failed),
		now:       time.Now,
	}
}

func (m *MemoryRegistry) Lookup(_ context.Context, path string) (Processed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.processed[path]
	if !ok {
		return Processed{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryRegistry) LookupFailed(_ context.Context, path string) (Failed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.failed[path]
	if !ok {
		return Failed{}, ErrNotFound
	}
	return f, nil
}

func (m *MemoryRegistry) RecordSuccess(ctx context.Context, rec Processed) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = m.now()
	}
	rec.ProcessedAt = rec.ProcessedAt.UTC()
	m.processed[rec.Path] = rec
	delete(m.failed, rec.Path)
	return nil
}

func (m *MemoryRegistry) RecordFailure(ctx context.Context, path, entity, errText string) (Failed, error) {
	if err := ctx.Err(); err != nil {
		return Failed{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f := Failed{
		Path:       path,
		Entity:     entity,
		Error:      errText,
		FailedAt:   m.now().UTC(),
		RetryCount: m.failed[path].RetryCount + 1,
	}
	m.failed[path] = f
	delete(m.processed, path)
	return f, nil
}

func (m *MemoryRegistry) ListProcessed(_ context.Context, entity string) ([]Processed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Processed
	for _, p := range m.processed {
		if entity == "" || p.Entity == entity {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryRegistry) ListFailed(_ context.Context, entity string) ([]Failed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Failed
	for _, f := range m.failed {
		if entity == "" || f.Entity == entity {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryRegistry) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processed, path)
	delete(m.failed, path)
	return nil
}

func (m *MemoryRegistry) Clear(_ context.Context, entity string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, p := range m.processed {
		if p.Entity == entity {
			delete(m.processed, k)
			n++
		}
	}
	for k, f := range m.failed {
		if f.Entity == entity {
			delete(m.failed, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRegistry) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Processed: map[string]EntityStats{}, Failed: map[string]int{}}
	for _, p := range m.processed {
		e := st.Processed[p.Entity]
		e.Files++
		e.Records += p.RecordCount
		e.SourceBytes += p.FileSize
		st.Processed[p.Entity] = e
	}
	for _, f := range m.failed {
		st.Failed[f.Entity]++
	}
	return st, nil
}

func (m *MemoryRegistry) Close() error { return nil }
