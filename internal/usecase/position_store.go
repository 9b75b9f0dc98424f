package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitos/risk_lifecycle/internal/domain"
)

type positionEntry struct {
	mu      sync.Mutex
	pos     *domain.Position
	removed bool
}

// PositionStore is the process-wide registry of tracked positions. The map
// lock only guards membership; each position has its own lock so unrelated
// symbols never serialize on each other. Every mutation is written through
// to the repository before it becomes visible. A symbol/side slot holds at
// most one position.
type PositionStore struct {
	repo domain.PositionRepository
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]*positionEntry
	slots   map[string]string // position key -> id
}

func NewPositionStore(repo domain.PositionRepository) *PositionStore {
	return &PositionStore{
		repo:    repo,
		now:     time.Now,
		entries: make(map[string]*positionEntry),
		slots:   make(map[string]string),
	}
}

// Load replaces the in-memory view with what the repository holds.
func (s *PositionStore) Load(ctx context.Context) error {
	positions, err := s.repo.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	entries := make(map[string]*positionEntry, len(positions))
	slots := make(map[string]string, len(positions))
	for _, p := range positions {
		if p.FilledLadderSteps == nil {
			p.FilledLadderSteps = make(map[int]bool)
		}
		entries[p.ID] = &positionEntry{pos: p}
		slots[domain.PositionKey(p.Symbol, p.Side)] = p.ID
	}
	s.mu.Lock()
	s.entries = entries
	s.slots = slots
	s.mu.Unlock()
	return nil
}

// Insert starts tracking pos. It fails with ErrPositionExists when the id is
// taken or another position already holds the symbol/side slot.
func (s *PositionStore) Insert(ctx context.Context, pos *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[pos.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrPositionExists, pos.ID)
	}
	key := domain.PositionKey(pos.Symbol, pos.Side)
	if other, ok := s.slots[key]; ok {
		return fmt.Errorf("%w: %s held by %s", domain.ErrPositionExists, key, other)
	}
	p := pos.Clone()
	if p.FilledLadderSteps == nil {
		p.FilledLadderSteps = make(map[int]bool)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	p.UpdatedAt = s.now()
	p.Version = 1
	if err := s.repo.SavePosition(ctx, p); err != nil {
		return fmt.Errorf("persist position %s: %w", p.ID, err)
	}
	s.entries[p.ID] = &positionEntry{pos: p}
	s.slots[key] = p.ID
	return nil
}

func (s *PositionStore) entry(id string) (*positionEntry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, id)
	}
	return e, nil
}

// Get returns a copy of the position.
func (s *PositionStore) Get(id string) (*domain.Position, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, id)
	}
	return e.pos.Clone(), nil
}

// Update applies fn to a copy of the position under its lock and persists the
// result. fn must not perform network calls. If fn or the write fails the
// stored position is left untouched.
func (s *PositionStore) Update(ctx context.Context, id string, fn func(p *domain.Position) error) (*domain.Position, error) {
	return s.update(ctx, id, 0, fn)
}

// UpdateAt is Update for a caller that read the position at version and made
// exchange calls since. It fails with ErrStaleUpdate if anything else wrote
// the position in between.
func (s *PositionStore) UpdateAt(ctx context.Context, id string, version int64, fn func(p *domain.Position) error) (*domain.Position, error) {
	return s.update(ctx, id, version, fn)
}

func (s *PositionStore) update(ctx context.Context, id string, version int64, fn func(p *domain.Position) error) (*domain.Position, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, id)
	}
	if version != 0 && e.pos.Version != version {
		return nil, fmt.Errorf("%w: %s at version %d, read %d", domain.ErrStaleUpdate, id, e.pos.Version, version)
	}

	next := e.pos.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version = e.pos.Version + 1
	next.UpdatedAt = s.now()
	if err := s.repo.SavePosition(ctx, next); err != nil {
		return nil, fmt.Errorf("persist position %s: %w", id, err)
	}
	e.pos = next
	return next.Clone(), nil
}

// Remove deletes the position from the repository and the registry.
func (s *PositionStore) Remove(ctx context.Context, id string) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	key := domain.PositionKey(e.pos.Symbol, e.pos.Side)
	if !e.removed {
		if err := s.repo.DeletePosition(ctx, id); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("delete position %s: %w", id, err)
		}
		e.removed = true
	}
	e.mu.Unlock()

	s.mu.Lock()
	if cur, ok := s.entries[id]; ok && cur == e {
		delete(s.entries, id)
		if s.slots[key] == id {
			delete(s.slots, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// List returns copies of all tracked positions ordered by creation time.
func (s *PositionStore) List() []*domain.Position {
	s.mu.RLock()
	entries := make([]*positionEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*domain.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.pos.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// FindByKey returns the tracked position for a symbol/side slot, if any.
func (s *PositionStore) FindByKey(symbol string, side domain.Side) (*domain.Position, bool) {
	s.mu.RLock()
	id, ok := s.slots[domain.PositionKey(symbol, side)]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	p, err := s.Get(id)
	if err != nil {
		return nil, false
	}
	return p, true
}

func (s *PositionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
