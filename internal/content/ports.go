package content

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence boundary for collections and items.
type Store interface {
	FindCollection(ctx context.Context, id uuid.UUID) (Collection, error)
	FindCollectionByHandle(ctx context.Context, handle string) (Collection, error)
	CountItems(ctx context.Context, collectionID uuid.UUID) (int, error)
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one unit of work. Mutations require authz.RequireWrite to pass.
type Tx interface {
	FindItemByExternalID(ctx context.Context, collectionID uuid.UUID, externalID string) (Item, error)
	CreateItem(ctx context.Context, item *Item) error
	UpdateItem(ctx context.Context, item *Item) error
	WithdrawItem(ctx context.Context, itemID uuid.UUID) error
	// DeleteItems removes up to limit items of the collection and returns how many went.
	DeleteItems(ctx context.Context, collectionID uuid.UUID, limit int) (int, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
