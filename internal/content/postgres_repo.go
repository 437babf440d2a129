package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"oaiharvest/internal/authz"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const collectionColumns = `id, COALESCE(handle, ''), name, parent_name, required_fields`

func (s *PostgresStore) FindCollection(ctx context.Context, id uuid.UUID) (Collection, error) {
	return s.scanCollection(s.db.QueryRow(ctx, `SELECT `+collectionColumns+` FROM collections WHERE id = $1`, id))
}

func (s *PostgresStore) FindCollectionByHandle(ctx context.Context, handle string) (Collection, error) {
	return s.scanCollection(s.db.QueryRow(ctx, `SELECT `+collectionColumns+` FROM collections WHERE handle = $1`, handle))
}

func (s *PostgresStore) scanCollection(row pgx.Row) (Collection, error) {
	var c Collection
	err := row.Scan(&c.ID, &c.Handle, &c.Name, &c.ParentName, &c.RequiredFields)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Collection{}, ErrNotFound
		}
		return Collection{}, err
	}
	return c, nil
}

func (s *PostgresStore) CountItems(ctx context.Context, collectionID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM items WHERE collection_id = $1", collectionID).Scan(&count)
	return count, err
}

// CreateCollection is used by seeding and tests; the content layer owns collections.
func (s *PostgresStore) CreateCollection(ctx context.Context, c *Collection) error {
	const query = `
		INSERT INTO collections (handle, name, parent_name, required_fields)
		VALUES (NULLIF($1, ''), $2, $3, $4)
		RETURNING id`
	if c.RequiredFields == nil {
		c.RequiredFields = []string{}
	}
	return s.db.QueryRow(ctx, query, c.Handle, c.Name, c.ParentName, c.RequiredFields).Scan(&c.ID)
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

type postgresTx struct {
	tx pgx.Tx
}

const itemColumns = `id, collection_id, external_id, datestamp, metadata, in_archive, withdrawn, submitter_id, refs, bitstreams, created_at, updated_at`

func (t *postgresTx) FindItemByExternalID(ctx context.Context, collectionID uuid.UUID, externalID string) (Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE collection_id = $1 AND external_id = $2`

	var (
		it         Item
		metadata   []byte
		bitstreams []byte
	)
	err := t.tx.QueryRow(ctx, query, collectionID, externalID).Scan(
		&it.ID, &it.CollectionID, &it.ExternalID, &it.Datestamp, &metadata,
		&it.InArchive, &it.Withdrawn, &it.SubmitterID, &it.References, &bitstreams,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, err
	}
	if err := json.Unmarshal(metadata, &it.Metadata); err != nil {
		return Item{}, fmt.Errorf("decode item metadata: %w", err)
	}
	if err := json.Unmarshal(bitstreams, &it.Bitstreams); err != nil {
		return Item{}, fmt.Errorf("decode item bitstreams: %w", err)
	}
	return it, nil
}

func (t *postgresTx) CreateItem(ctx context.Context, it *Item) error {
	if err := authz.RequireWrite(ctx); err != nil {
		return err
	}
	metadata, bitstreams, err := encodeItem(it)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO items (collection_id, external_id, datestamp, metadata, in_archive, withdrawn, submitter_id, refs, bitstreams)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`
	err = t.tx.QueryRow(ctx, query,
		it.CollectionID, it.ExternalID, it.Datestamp, metadata,
		it.InArchive, it.Withdrawn, it.SubmitterID, nonNil(it.References), bitstreams,
	).Scan(&it.ID, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create item: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateItem(ctx context.Context, it *Item) error {
	if err := authz.RequireWrite(ctx); err != nil {
		return err
	}
	metadata, bitstreams, err := encodeItem(it)
	if err != nil {
		return err
	}
	const query = `
		UPDATE items SET
			datestamp = $1,
			metadata = $2,
			in_archive = $3,
			withdrawn = $4,
			refs = $5,
			bitstreams = $6,
			updated_at = now()
		WHERE id = $7
		RETURNING updated_at`
	err = t.tx.QueryRow(ctx, query,
		it.Datestamp, metadata, it.InArchive, it.Withdrawn, nonNil(it.References), bitstreams, it.ID,
	).Scan(&it.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func (t *postgresTx) WithdrawItem(ctx context.Context, itemID uuid.UUID) error {
	if err := authz.RequireWrite(ctx); err != nil {
		return err
	}
	result, err := t.tx.Exec(ctx, `UPDATE items SET withdrawn = true, in_archive = false, updated_at = now() WHERE id = $1`, itemID)
	if err != nil {
		return fmt.Errorf("withdraw item: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) DeleteItems(ctx context.Context, collectionID uuid.UUID, limit int) (int, error) {
	if err := authz.RequireWrite(ctx); err != nil {
		return 0, err
	}
	const query = `
		DELETE FROM items
		WHERE id IN (SELECT id FROM items WHERE collection_id = $1 ORDER BY created_at LIMIT $2)`
	result, err := t.tx.Exec(ctx, query, collectionID, limit)
	if err != nil {
		return 0, fmt.Errorf("delete items: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func encodeItem(it *Item) ([]byte, []byte, error) {
	metadata := it.Metadata
	if metadata == nil {
		metadata = map[string][]string{}
	}
	m, err := json.Marshal(metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("encode item metadata: %w", err)
	}
	bitstreams := it.Bitstreams
	if bitstreams == nil {
		bitstreams = []Bitstream{}
	}
	b, err := json.Marshal(bitstreams)
	if err != nil {
		return nil, nil, fmt.Errorf("encode item bitstreams: %w", err)
	}
	return m, b, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
