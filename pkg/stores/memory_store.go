package stores

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/conveyor/pkg/engine"
)

type memoryEntry struct {
	process      *engine.TransferProcess
	leaseID      string
	leaseOwner   string
	leaseExpires time.Time
}

type memoryData struct {
	mu        sync.Mutex
	processes map[string]*memoryEntry
}

// MemoryStore keeps processes in memory. Handles created with ForOwner share
// the same data, so several managers in one process can compete for leases.
type MemoryStore struct {
	data *memoryData
	opts Options
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		data: &memoryData{processes: make(map[string]*memoryEntry)},
		opts: opts.withDefaults(),
	}
}

// ForOwner returns a handle on the same data that leases as owner.
func (s *MemoryStore) ForOwner(owner string) *MemoryStore {
	opts := s.opts
	opts.Owner = owner
	return &MemoryStore{data: s.data, opts: opts}
}

// Create implements engine.TransferProcessStore.
func (s *MemoryStore) Create(_ context.Context, p *engine.TransferProcess) error {
	if err := prepareCreate(p, s.opts.Now()); err != nil {
		return err
	}

	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, ok := s.data.processes[p.ID]; ok {
		return alreadyExists(p.ID)
	}
	s.data.processes[p.ID] = &memoryEntry{process: p.Clone()}
	return nil
}

// FindByID implements engine.TransferProcessStore.
func (s *MemoryStore) FindByID(_ context.Context, id string) (*engine.TransferProcess, error) {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	entry, ok := s.data.processes[id]
	if !ok {
		return nil, engine.NewNotFoundError(id)
	}
	return entry.process.Clone(), nil
}

// FindByCorrelationID implements engine.TransferProcessStore.
func (s *MemoryStore) FindByCorrelationID(_ context.Context, correlationID string) (*engine.TransferProcess, error) {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	var found *engine.TransferProcess
	for _, entry := range s.data.processes {
		p := entry.process
		if p.CorrelationID != correlationID {
			continue
		}
		if found == nil || p.CreatedAt.Before(found.CreatedAt) {
			found = p
		}
	}
	if found == nil {
		return nil, engine.NewNotFoundError("").WithDetail("correlation_id", correlationID)
	}
	return found.Clone(), nil
}

// NextNotLeased implements engine.TransferProcessStore.
func (s *MemoryStore) NextNotLeased(_ context.Context, limit int, filter engine.StoreFilter) ([]*engine.TransferProcess, error) {
	now := s.opts.Now()

	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	var candidates []*memoryEntry
	for _, entry := range s.data.processes {
		p := entry.process
		if filter.State != engine.StateUnknown && p.State != filter.State {
			continue
		}
		if p.Pending != filter.Pending {
			continue
		}
		if !filter.DueBy.IsZero() && p.NextAttemptAt.After(filter.DueBy) {
			continue
		}
		if entry.leaseID != "" && entry.leaseExpires.After(now) {
			continue
		}
		candidates = append(candidates, entry)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].process, candidates[j].process
		if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
			return a.NextAttemptAt.Before(b.NextAttemptAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	leased := make([]*engine.TransferProcess, 0, len(candidates))
	for _, entry := range candidates {
		entry.leaseID = newLeaseID()
		entry.leaseOwner = s.opts.Owner
		entry.leaseExpires = now.Add(s.opts.LeaseDuration)

		p := entry.process.Clone()
		p.LeaseID = entry.leaseID
		leased = append(leased, p)
	}
	return leased, nil
}

// Save implements engine.TransferProcessStore.
func (s *MemoryStore) Save(_ context.Context, p *engine.TransferProcess) error {
	now := s.opts.Now()

	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	entry, ok := s.data.processes[p.ID]
	if !ok {
		return engine.NewNotFoundError(p.ID)
	}
	if entry.process.Version != p.Version {
		return engine.NewConflictErrorFor(p.ID, p.Version)
	}

	if p.LeaseID != "" && p.LeaseID == entry.leaseID {
		entry.leaseID = ""
		entry.leaseOwner = ""
		entry.leaseExpires = time.Time{}
	}
	p.Version++
	p.UpdatedAt = now
	p.LeaseID = ""
	entry.process = p.Clone()
	return nil
}

// Release implements engine.TransferProcessStore.
func (s *MemoryStore) Release(_ context.Context, p *engine.TransferProcess) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	entry, ok := s.data.processes[p.ID]
	if !ok {
		return engine.NewNotFoundError(p.ID)
	}
	if p.LeaseID != "" && p.LeaseID == entry.leaseID {
		entry.leaseID = ""
		entry.leaseOwner = ""
		entry.leaseExpires = time.Time{}
	}
	p.LeaseID = ""
	return nil
}

// List implements engine.TransferProcessStore.
func (s *MemoryStore) List(_ context.Context, opts engine.ListOptions) ([]*engine.TransferProcess, error) {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	var out []*engine.TransferProcess
	for _, entry := range s.data.processes {
		p := entry.process
		if opts.State != engine.StateUnknown && p.State != opts.State {
			continue
		}
		if opts.Type != "" && p.Type != opts.Type {
			continue
		}
		out = append(out, p.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*engine.TransferProcess{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// CountByState implements engine.TransferProcessStore.
func (s *MemoryStore) CountByState(_ context.Context) (map[engine.State]int, error) {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	counts := make(map[engine.State]int)
	for _, entry := range s.data.processes {
		counts[entry.process.State]++
	}
	return counts, nil
}

// LeaseOwner returns the owner currently holding a live lease on id, if any.
func (s *MemoryStore) LeaseOwner(id string) (string, bool) {
	now := s.opts.Now()

	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	entry, ok := s.data.processes[id]
	if !ok || entry.leaseID == "" || !entry.leaseExpires.After(now) {
		return "", false
	}
	return entry.leaseOwner, true
}
