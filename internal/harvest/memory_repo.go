package harvest

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is a StatusStore held in process memory.
type MemoryRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]HarvestedCollection
	now  func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		rows: make(map[uuid.UUID]HarvestedCollection),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepo) Find(_ context.Context, collectionID uuid.UUID) (HarvestedCollection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hc, ok := r.rows[collectionID]
	if !ok {
		return HarvestedCollection{}, ErrNotFound
	}
	return clone(hc), nil
}

func (r *MemoryRepo) FindAll(_ context.Context) ([]HarvestedCollection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HarvestedCollection, 0, len(r.rows))
	for _, hc := range r.rows {
		out = append(out, clone(hc))
	}
	sortRows(out)
	return out, nil
}

func (r *MemoryRepo) Create(_ context.Context, collectionID uuid.UUID) (HarvestedCollection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hc, ok := r.rows[collectionID]; ok {
		return clone(hc), nil
	}
	hc := HarvestedCollection{
		CollectionID:     collectionID,
		MetadataConfigID: "dc",
		Status:           StatusReady,
		UpdatedAt:        r.now(),
	}
	r.rows[collectionID] = hc
	return clone(hc), nil
}

func (r *MemoryRepo) Update(_ context.Context, hc *HarvestedCollection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[hc.CollectionID]; !ok {
		return ErrNotFound
	}
	hc.UpdatedAt = r.now()
	r.rows[hc.CollectionID] = clone(*hc)
	return nil
}

func (r *MemoryRepo) CompareAndSetStatus(_ context.Context, collectionID uuid.UUID, from []Status, to Status, startTime *time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hc, ok := r.rows[collectionID]
	if !ok || !slices.Contains(from, hc.Status) {
		return false, nil
	}
	hc.Status = to
	hc.HarvestStartTime = copyTime(startTime)
	hc.UpdatedAt = r.now()
	r.rows[collectionID] = hc
	return true, nil
}

func (r *MemoryRepo) ReleaseStatus(_ context.Context, collectionID uuid.UUID, from []Status, to Status, message string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hc, ok := r.rows[collectionID]
	if !ok || !slices.Contains(from, hc.Status) {
		return false, nil
	}
	hc.Status = to
	hc.HarvestStartTime = nil
	if message != "" {
		hc.Message = message
	}
	hc.UpdatedAt = r.now()
	r.rows[collectionID] = hc
	return true, nil
}

func (r *MemoryRepo) FindDue(_ context.Context, now time.Time, period, errorRetry time.Duration) ([]HarvestedCollection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []HarvestedCollection
	for _, hc := range r.rows {
		if hc.HarvestType == Disabled {
			continue
		}
		switch hc.Status {
		case StatusReady:
			if hc.LastHarvested == nil || !hc.LastHarvested.After(now.Add(-period)) {
				out = append(out, clone(hc))
			}
		case StatusOAIError:
			if errorRetry > 0 && !hc.UpdatedAt.After(now.Add(-errorRetry)) {
				out = append(out, clone(hc))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastHarvested, out[j].LastHarvested
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].CollectionID.String() < out[j].CollectionID.String()
	})
	return out, nil
}

// Put stores a row as-is; tests use it to arrange state.
func (r *MemoryRepo) Put(hc HarvestedCollection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[hc.CollectionID] = clone(hc)
}

func sortRows(rows []HarvestedCollection) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].CollectionID.String() < rows[j].CollectionID.String()
	})
}

func clone(hc HarvestedCollection) HarvestedCollection {
	if hc.OAISetID != nil {
		s := *hc.OAISetID
		hc.OAISetID = &s
	}
	hc.LastHarvested = copyTime(hc.LastHarvested)
	hc.HarvestStartTime = copyTime(hc.HarvestStartTime)
	if hc.ProcessID != nil {
		id := *hc.ProcessID
		hc.ProcessID = &id
	}
	return hc
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
