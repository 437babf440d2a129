package content

import (
	"context"
	"sort"
	"sync"
	"time"

	"oaiharvest/internal/authz"

	"github.com/google/uuid"
)

// MemoryStore keeps collections and items in process memory. Changes made
// through a Tx become visible only after Commit.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[uuid.UUID]Collection
	items       map[uuid.UUID]Item
	commits     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[uuid.UUID]Collection),
		items:       make(map[uuid.UUID]Item),
	}
}

func (m *MemoryStore) AddCollection(c Collection) Collection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	m.collections[c.ID] = c
	return c
}

func (m *MemoryStore) FindCollection(_ context.Context, id uuid.UUID) (Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[id]
	if !ok {
		return Collection{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) FindCollectionByHandle(_ context.Context, handle string) (Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.collections {
		if c.Handle == handle {
			return c, nil
		}
	}
	return Collection{}, ErrNotFound
}

func (m *MemoryStore) CountItems(_ context.Context, collectionID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, it := range m.items {
		if it.CollectionID == collectionID {
			count++
		}
	}
	return count, nil
}

// Items returns the committed items of a collection ordered by external id.
func (m *MemoryStore) Items(collectionID uuid.UUID) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0)
	for _, it := range m.items {
		if it.CollectionID == collectionID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

// Commits counts successful Tx commits.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *MemoryStore) Begin(_ context.Context) (Tx, error) {
	return &memoryTx{
		store:   m,
		written: make(map[uuid.UUID]Item),
		deleted: make(map[uuid.UUID]bool),
	}, nil
}

type memoryTx struct {
	store   *MemoryStore
	written map[uuid.UUID]Item
	deleted map[uuid.UUID]bool
	done    bool
}

func (t *memoryTx) view() []Item {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	out := make([]Item, 0, len(t.store.items)+len(t.written))
	for id, it := range t.store.items {
		if t.deleted[id] {
			continue
		}
		if w, ok := t.written[id]; ok {
			it = w
		}
		out = append(out, it)
	}
	for id, it := range t.written {
		if _, ok := t.store.items[id]; !ok && !t.deleted[id] {
			out = append(out, it)
		}
	}
	return out
}

func (t *memoryTx) FindItemByExternalID(_ context.Context, collectionID uuid.UUID, externalID string) (Item, error) {
	for _, it := range t.view() {
		if it.CollectionID == collectionID && it.ExternalID == externalID {
			return it, nil
		}
	}
	return Item{}, ErrNotFound
}

func (t *memoryTx) CreateItem(ctx context.Context, it *Item) error {
	if err := authz.RequireWrite(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()
	it.ID = uuid.New()
	it.CreatedAt = now
	it.UpdatedAt = now
	t.written[it.ID] = *it
	return nil
}

func (t *memoryTx) UpdateItem(ctx context.Context, it *Item) error {
	if err := authz.RequireWrite(ctx); err != nil {
		return err
	}
	if !t.exists(it.ID) {
		return ErrNotFound
	}
	it.UpdatedAt = time.Now().UTC()
	t.written[it.ID] = *it
	return nil
}

func (t *memoryTx) WithdrawItem(ctx context.Context, itemID uuid.UUID) error {
	if err := authz.RequireWrite(ctx); err != nil {
		return err
	}
	for _, it := range t.view() {
		if it.ID == itemID {
			it.Withdrawn = true
			it.InArchive = false
			it.UpdatedAt = time.Now().UTC()
			t.written[itemID] = it
			return nil
		}
	}
	return ErrNotFound
}

func (t *memoryTx) DeleteItems(ctx context.Context, collectionID uuid.UUID, limit int) (int, error) {
	if err := authz.RequireWrite(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, it := range t.view() {
		if n >= limit {
			break
		}
		if it.CollectionID != collectionID {
			continue
		}
		delete(t.written, it.ID)
		t.deleted[it.ID] = true
		n++
	}
	return n, nil
}

func (t *memoryTx) exists(id uuid.UUID) bool {
	if t.deleted[id] {
		return false
	}
	if _, ok := t.written[id]; ok {
		return true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	_, ok := t.store.items[id]
	return ok
}

func (t *memoryTx) Commit(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for id := range t.deleted {
		delete(t.store.items, id)
	}
	for id, it := range t.written {
		t.store.items[id] = it
	}
	t.store.commits++
	return nil
}

func (t *memoryTx) Rollback(_ context.Context) error {
	t.done = true
	t.written = map[uuid.UUID]Item{}
	t.deleted = map[uuid.UUID]bool{}
	return nil
}
