package harvest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"oaiharvest/internal/platform/oai"
)

//go:generate mockgen -source=ports.go -destination=mock_status_store_test.go -package=harvest StatusStore

// StatusStore persists HarvestedCollection rows. CompareAndSetStatus is the
// single-writer lock: a cycle only runs after moving its row out of a
// status it expects.
type StatusStore interface {
	Find(ctx context.Context, collectionID uuid.UUID) (HarvestedCollection, error)
	FindAll(ctx context.Context) ([]HarvestedCollection, error)
	Create(ctx context.Context, collectionID uuid.UUID) (HarvestedCollection, error)
	Update(ctx context.Context, hc *HarvestedCollection) error
	CompareAndSetStatus(ctx context.Context, collectionID uuid.UUID, from []Status, to Status, startTime *time.Time) (bool, error)
	// ReleaseStatus moves a row out of from without touching the harvest
	// result columns. The start time is cleared and message, when not
	// empty, replaces the stored one.
	ReleaseStatus(ctx context.Context, collectionID uuid.UUID, from []Status, to Status, message string) (bool, error)
	// FindDue returns READY rows not harvested within period and OAI_ERROR
	// rows untouched for errorRetry (never when errorRetry is zero).
	FindDue(ctx context.Context, now time.Time, period, errorRetry time.Duration) ([]HarvestedCollection, error)
}

// RecordStream is an open ListRecords sequence.
type RecordStream interface {
	Next(ctx context.Context) bool
	Record() oai.Record
	Err() error
	ResponseDate() time.Time
}

type RecordSource interface {
	ListRecords(ctx context.Context, req oai.ListRequest) (RecordStream, error)
}

// ClientSource adapts *oai.Client to RecordSource.
type ClientSource struct {
	Client *oai.Client
}

func (s ClientSource) ListRecords(ctx context.Context, req oai.ListRequest) (RecordStream, error) {
	it, err := s.Client.ListRecords(ctx, req)
	if err != nil {
		return nil, err
	}
	return it, nil
}
