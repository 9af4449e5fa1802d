// Package items provides the catalog item store behind the /api/items
// endpoints. Two backends are available: an in-memory store and a
// SQLite-backed store.
package items

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// DefaultCategory is assigned to items created without a category.
const DefaultCategory = "Uncategorized"

// ErrNotFound is returned when no item has the requested ID.
var ErrNotFound = errors.New("item not found")

// Item is one catalog entry.
type Item struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Category    *string `json:"category,omitempty"`
}

func (p Patch) apply(it *Item) {
	if p.Name != nil {
		it.Name = *p.Name
	}
	if p.Description != nil {
		it.Description = *p.Description
	}
	if p.Category != nil {
		it.Category = *p.Category
	}
}

// Store is the item persistence interface.
type Store interface {
	List(ctx context.Context) ([]Item, error)
	Get(ctx context.Context, id int) (Item, error)
	// Create assigns the ID and returns the stored item.
	Create(ctx context.Context, it Item) (Item, error)
	Update(ctx context.Context, id int, p Patch) (Item, error)
	// Delete removes the item. Deleting a missing item is not an error.
	Delete(ctx context.Context, id int) error
}

// Seed returns the items a fresh store starts with.
func Seed() []Item {
	return []Item{
		{ID: 1, Name: "Item 1", Description: "A high-performance laptop for professional use.", Category: "Electronics"},
		{ID: 2, Name: "Item 2", Description: "Freshly baked sourdough bread, artisanal quality.", Category: "Food"},
	}
}

// MemoryStore keeps items in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items []Item
}

// NewMemoryStore creates a store holding the given items. With no
// arguments it starts from Seed.
func NewMemoryStore(initial ...Item) *MemoryStore {
	if initial == nil {
		initial = Seed()
	}
	return &MemoryStore{items: slices.Clone(initial)}
}

// List returns all items in insertion order.
func (s *MemoryStore) List(_ context.Context) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.items), nil
}

// Get returns the item with the given ID.
func (s *MemoryStore) Get(_ context.Context, id int) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.index(id); i >= 0 {
		return s.items[i], nil
	}
	return Item{}, ErrNotFound
}

// Create stores it with the next free ID (one above the current maximum).
func (s *MemoryStore) Create(_ context.Context, it Item) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxID := 0
	for _, existing := range s.items {
		maxID = max(maxID, existing.ID)
	}
	it.ID = maxID + 1
	if it.Category == "" {
		it.Category = DefaultCategory
	}
	s.items = append(s.items, it)
	return it, nil
}

// Update applies p to the item with the given ID.
func (s *MemoryStore) Update(_ context.Context, id int, p Patch) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return Item{}, ErrNotFound
	}
	p.apply(&s.items[i])
	return s.items[i], nil
}

// Delete removes the item with the given ID, if present.
func (s *MemoryStore) Delete(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = slices.DeleteFunc(s.items, func(it Item) bool { return it.ID == id })
	return nil
}

func (s *MemoryStore) index(id int) int {
	return slices.IndexFunc(s.items, func(it Item) bool { return it.ID == id })
}
