package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRepo struct {
	db *pgxpool.Pool
}

func NewPostgresRepo(db *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const rowColumns = `collection_id, harvest_type, oai_source, oai_set_id, metadata_config_id,
	harvest_status, last_harvested, harvest_start_time, harvest_message, process_id, updated_at`

func (r *PostgresRepo) Find(ctx context.Context, collectionID uuid.UUID) (HarvestedCollection, error) {
	query := `SELECT ` + rowColumns + ` FROM harvested_collections WHERE collection_id = $1`
	hc, err := scanRow(r.db.QueryRow(ctx, query, collectionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return HarvestedCollection{}, ErrNotFound
		}
		return HarvestedCollection{}, err
	}
	return hc, nil
}

func (r *PostgresRepo) FindAll(ctx context.Context) ([]HarvestedCollection, error) {
	query := `SELECT ` + rowColumns + ` FROM harvested_collections ORDER BY collection_id`
	return r.query(ctx, query)
}

func (r *PostgresRepo) Create(ctx context.Context, collectionID uuid.UUID) (HarvestedCollection, error) {
	query := `
		INSERT INTO harvested_collections (collection_id, harvest_status)
		VALUES ($1, $2)
		RETURNING ` + rowColumns
	hc, err := scanRow(r.db.QueryRow(ctx, query, collectionID, int16(StatusReady)))
	if err != nil {
		return HarvestedCollection{}, fmt.Errorf("create harvest row: %w", err)
	}
	return hc, nil
}

func (r *PostgresRepo) Update(ctx context.Context, hc *HarvestedCollection) error {
	query := `
		UPDATE harvested_collections
		SET harvest_type = $2, oai_source = $3, oai_set_id = $4, metadata_config_id = $5,
		    harvest_status = $6, last_harvested = $7, harvest_start_time = $8,
		    harvest_message = $9, process_id = $10, updated_at = now()
		WHERE collection_id = $1
		RETURNING updated_at`
	err := r.db.QueryRow(ctx, query,
		hc.CollectionID, int16(hc.HarvestType), hc.OAISource, hc.OAISetID, hc.MetadataConfigID,
		int16(hc.Status), hc.LastHarvested, hc.HarvestStartTime, hc.Message, hc.ProcessID,
	).Scan(&hc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update harvest row: %w", err)
	}
	return nil
}

func (r *PostgresRepo) CompareAndSetStatus(ctx context.Context, collectionID uuid.UUID, from []Status, to Status, startTime *time.Time) (bool, error) {
	query := `
		UPDATE harvested_collections
		SET harvest_status = $3, harvest_start_time = $4, updated_at = now()
		WHERE collection_id = $1 AND harvest_status = ANY($2)`
	tag, err := r.db.Exec(ctx, query, collectionID, statusCodes(from), int16(to), startTime)
	if err != nil {
		return false, fmt.Errorf("set harvest status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepo) ReleaseStatus(ctx context.Context, collectionID uuid.UUID, from []Status, to Status, message string) (bool, error) {
	query := `
		UPDATE harvested_collections
		SET harvest_status = $3, harvest_start_time = NULL,
		    harvest_message = CASE WHEN $4::text = '' THEN harvest_message ELSE $4::text END,
		    updated_at = now()
		WHERE collection_id = $1 AND harvest_status = ANY($2)`
	tag, err := r.db.Exec(ctx, query, collectionID, statusCodes(from), int16(to), message)
	if err != nil {
		return false, fmt.Errorf("release harvest status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepo) FindDue(ctx context.Context, now time.Time, period, errorRetry time.Duration) ([]HarvestedCollection, error) {
	query := `
		SELECT ` + rowColumns + `
		FROM harvested_collections
		WHERE harvest_type <> 0
		  AND ((harvest_status = $1 AND (last_harvested IS NULL OR last_harvested <= $2))
		    OR (harvest_status = $3 AND $4 AND updated_at <= $5))
		ORDER BY last_harvested NULLS FIRST, collection_id`
	return r.query(ctx, query,
		int16(StatusReady), now.Add(-period),
		int16(StatusOAIError), errorRetry > 0, now.Add(-errorRetry),
	)
}

func (r *PostgresRepo) query(ctx context.Context, query string, args ...any) ([]HarvestedCollection, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HarvestedCollection
	for rows.Next() {
		hc, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, hc)
	}
	return out, rows.Err()
}

func scanRow(row pgx.Row) (HarvestedCollection, error) {
	var (
		hc         HarvestedCollection
		harvestTyp int16
		status     int16
	)
	err := row.Scan(
		&hc.CollectionID, &harvestTyp, &hc.OAISource, &hc.OAISetID, &hc.MetadataConfigID,
		&status, &hc.LastHarvested, &hc.HarvestStartTime, &hc.Message, &hc.ProcessID, &hc.UpdatedAt,
	)
	if err != nil {
		return HarvestedCollection{}, err
	}
	hc.HarvestType = HarvestType(harvestTyp)
	hc.Status = Status(status)
	return hc, nil
}

func statusCodes(statuses []Status) []int16 {
	out := make([]int16, len(statuses))
	for i, s := range statuses {
		out[i] = int16(s)
	}
	return out
}
