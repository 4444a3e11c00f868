package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/optionbook/internal/domain"
)

// slot is one arena cell. The record is addressed by index id-1; the slot
// lock guards a single record so unrelated records never serialize.
type slot struct {
	mu        sync.Mutex
	rec       domain.Option
	busy      bool // an operation is between its effects and its commit
	committed bool // the creating operation committed
	// settled is the last committed record while busy; rec already holds
	// the pending transition.
	settled *domain.Option
}

// view returns the committed record. Callers hold s.mu.
func (s *slot) view() domain.Option {
	if s.settled != nil {
		return s.settled.Clone()
	}
	return s.rec.Clone()
}

// registry is the id-indexed arena of records. Ids start at 1 and are never
// reused once committed.
type registry struct {
	mu    sync.RWMutex
	slots []*slot
}

func newRegistry() *registry {
	return &registry{}
}

// reserve appends a new in-flight slot for rec and assigns its id.
func (r *registry) reserve(rec domain.Option) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec.ID = uint64(len(r.slots)) + 1
	s := &slot{rec: rec, busy: true}
	r.slots = append(r.slots, s)
	return s
}

// release discards a slot whose creating operation failed. The last slot is
// popped so its id is handed out again; earlier slots stay as tombstones.
func (r *registry) release(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == uint64(len(r.slots)) {
		r.slots[len(r.slots)-1] = nil
		r.slots = r.slots[:len(r.slots)-1]
		return
	}
	s := r.slots[id-1]
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// lookup returns the slot for id without checking whether it committed.
func (r *registry) lookup(id uint64) (*slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == 0 || id > uint64(len(r.slots)) {
		return nil, fmt.Errorf("option %d: %w", id, domain.ErrNotFound)
	}
	return r.slots[id-1], nil
}

// get returns a copy of the committed record with the given id.
func (r *registry) get(id uint64) (domain.Option, error) {
	s, err := r.lookup(id)
	if err != nil {
		return domain.Option{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.committed {
		return domain.Option{}, fmt.Errorf("option %d: %w", id, domain.ErrNotFound)
	}
	return s.rec.Clone(), nil
}

// all returns copies of every committed record in id order. Records with an
// operation in flight appear in their pending state, which is what guards
// and queries act on.
func (r *registry) all() []domain.Option {
	return r.collect(func(s *slot) domain.Option { return s.rec.Clone() })
}

// settledAll is all with in-flight records reported as they were before the
// operation started, matching what the ledger holds until the batch commits.
func (r *registry) settledAll() []domain.Option {
	return r.collect((*slot).view)
}

func (r *registry) collect(pick func(*slot) domain.Option) []domain.Option {
	r.mu.RLock()
	slots := make([]*slot, len(r.slots))
	copy(slots, r.slots)
	r.mu.RUnlock()

	out := make([]domain.Option, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if s.committed {
			out = append(out, pick(s))
		}
		s.mu.Unlock()
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// load fills an empty registry from persisted records. Missing ids become
// tombstones so every record keeps its index.
func (r *registry) load(records []domain.Option) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.slots) != 0 {
		return fmt.Errorf("registry already holds %d records: %w", len(r.slots), domain.ErrAlreadyExists)
	}

	sorted := make([]domain.Option, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var slots []*slot
	for _, rec := range sorted {
		if rec.ID == 0 {
			return fmt.Errorf("record with zero id: %w", domain.ErrInvalidState)
		}
		if rec.ID <= uint64(len(slots)) {
			return fmt.Errorf("duplicate record %d: %w", rec.ID, domain.ErrAlreadyExists)
		}
		if !rec.State.Valid() || !rec.OrderType.Valid() {
			return fmt.Errorf("record %d: %w", rec.ID, domain.ErrInvalidState)
		}
		for uint64(len(slots))+1 < rec.ID {
			slots = append(slots, &slot{})
		}
		slots = append(slots, &slot{rec: rec.Clone(), committed: true})
	}
	r.slots = slots
	return nil
}
