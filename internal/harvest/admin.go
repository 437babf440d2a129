package harvest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"oaiharvest/internal/authz"
	"oaiharvest/internal/content"
)

// Verifier checks a remote source. *oai.Client implements it.
type Verifier interface {
	Verify(ctx context.Context, baseURL, set, metadataPrefix string, extended bool) []string
}

type ConfigureRequest struct {
	Collection       string      `json:"collection" validate:"required"`
	HarvestType      HarvestType `json:"harvest_type" validate:"min=0,max=3"`
	OAISource        string      `json:"oai_source" validate:"required_unless=HarvestType 0,omitempty,url"`
	OAISetID         string      `json:"oai_set_id" validate:"omitempty,max=255"`
	MetadataConfigID string      `json:"metadata_config_id" validate:"omitempty,max=64"`
}

type PingReport struct {
	Basic    []string `json:"basic"`
	Extended []string `json:"extended"`
}

func (r PingReport) OK() bool { return len(r.Basic) == 0 && len(r.Extended) == 0 }

// Admin bundles the operator commands.
type Admin struct {
	svc      *Service
	statuses StatusStore
	store    content.Store
	verifier Verifier
	validate *validator.Validate
	logger   *zap.Logger
}

func NewAdmin(svc *Service, statuses StatusStore, store content.Store, verifier Verifier, logger *zap.Logger) *Admin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Admin{
		svc:      svc,
		statuses: statuses,
		store:    store,
		verifier: verifier,
		validate: validator.New(),
		logger:   logger,
	}
}

// Resolve finds a collection by handle (any ref containing "/") or by id.
func (a *Admin) Resolve(ctx context.Context, ref string) (content.Collection, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return content.Collection{}, &ConfigurationError{Reason: "no collection given"}
	}

	var (
		col content.Collection
		err error
	)
	if strings.Contains(ref, "/") {
		col, err = a.store.FindCollectionByHandle(ctx, ref)
	} else {
		id, perr := uuid.Parse(ref)
		if perr != nil {
			return content.Collection{}, &ConfigurationError{Ref: ref, Reason: "not a collection handle or id"}
		}
		col, err = a.store.FindCollection(ctx, id)
	}
	if errors.Is(err, content.ErrNotFound) {
		return content.Collection{}, &ConfigurationError{Ref: ref, Reason: "collection does not exist"}
	}
	return col, err
}

// Configure creates or replaces the harvest configuration of a collection.
// Runtime state other than the status is kept.
func (a *Admin) Configure(ctx context.Context, req ConfigureRequest) (HarvestedCollection, error) {
	req.Collection = strings.TrimSpace(req.Collection)
	req.OAISource = strings.TrimSpace(req.OAISource)
	req.OAISetID = strings.TrimSpace(req.OAISetID)
	req.MetadataConfigID = strings.TrimSpace(req.MetadataConfigID)
	if err := a.validate.Struct(req); err != nil {
		return HarvestedCollection{}, &ConfigurationError{Ref: req.Collection, Reason: err.Error()}
	}
	col, err := a.Resolve(ctx, req.Collection)
	if err != nil {
		return HarvestedCollection{}, err
	}

	hc, err := a.statuses.Find(ctx, col.ID)
	if errors.Is(err, ErrNotFound) {
		hc, err = a.statuses.Create(ctx, col.ID)
	}
	if err != nil {
		return HarvestedCollection{}, err
	}
	if hc.Status == StatusBusy || hc.Status == StatusQueued {
		return HarvestedCollection{}, ErrConcurrencyConflict
	}

	hc.HarvestType = req.HarvestType
	hc.OAISource = req.OAISource
	hc.OAISetID = nil
	if set := req.OAISetID; set != "" {
		hc.OAISetID = &set
	}
	hc.MetadataConfigID = req.MetadataConfigID
	if hc.MetadataConfigID == "" {
		hc.MetadataConfigID = "dc"
	}
	hc.Status = StatusReady
	hc.HarvestStartTime = nil

	if err := a.statuses.Update(ctx, &hc); err != nil {
		return HarvestedCollection{}, err
	}
	a.logger.Info("harvest configured",
		zap.Stringer("collection", col.ID),
		zap.Stringer("type", hc.HarvestType),
		zap.String("source", hc.OAISource),
		zap.String("set", hc.Set()),
		zap.String("metadata", hc.MetadataConfigID),
	)
	return hc, nil
}

// Run harvests the referenced collection now.
func (a *Admin) Run(ctx context.Context, ref string, opts Options) (Summary, error) {
	col, err := a.Resolve(ctx, ref)
	if err != nil {
		return Summary{}, err
	}
	return a.svc.Run(ctx, col.ID, opts)
}

// Start harvests the referenced collection in the background under base.
func (a *Admin) Start(ctx, base context.Context, ref string, opts Options) (uuid.UUID, error) {
	col, err := a.Resolve(ctx, ref)
	if err != nil {
		return uuid.Nil, err
	}
	return a.svc.Start(ctx, base, col.ID, opts)
}

// Purge deletes every item of the collection and forgets its harvest
// history. The row is held BUSY while items are removed.
func (a *Admin) Purge(ctx context.Context, ref string) (int, error) {
	col, err := a.Resolve(ctx, ref)
	if err != nil {
		return 0, err
	}
	return a.purge(ctx, col.ID)
}

func (a *Admin) purge(ctx context.Context, collectionID uuid.UUID) (deleted int, err error) {
	hc, err := a.statuses.Find(ctx, collectionID)
	hasRow := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	if hasRow {
		start := a.svc.now()
		ok, cerr := a.statuses.CompareAndSetStatus(ctx, collectionID, []Status{StatusReady, StatusOAIError}, StatusBusy, &start)
		if cerr != nil {
			return 0, cerr
		}
		if !ok {
			return 0, ErrConcurrencyConflict
		}
		defer func() {
			hc.Status = StatusReady
			hc.HarvestStartTime = nil
			if err == nil {
				hc.LastHarvested = nil
				hc.Message = ""
			} else {
				hc.Message = a.svc.policy.truncate("purge failed: " + err.Error())
			}
			if uerr := a.statuses.Update(context.WithoutCancel(ctx), &hc); uerr != nil && err == nil {
				err = uerr
			}
		}()
	}

	wctx, release := authz.Bypass(ctx)
	defer release()

	batch := a.svc.policy.BatchSize
	for {
		n, err := a.deleteBatch(wctx, collectionID, batch)
		deleted += n
		if err != nil {
			return deleted, err
		}
		if n < batch {
			break
		}
	}
	a.svc.forget(collectionID)
	a.logger.Info("collection purged", zap.Stringer("collection", collectionID), zap.Int("items", deleted))
	return deleted, nil
}

func (a *Admin) deleteBatch(ctx context.Context, collectionID uuid.UUID, limit int) (int, error) {
	tx, err := a.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	n, err := tx.DeleteItems(ctx, collectionID, limit)
	if err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return 0, fmt.Errorf("delete items: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit purge batch: %w", err)
	}
	return n, nil
}

// PurgeAll purges every collection that has a harvest row.
func (a *Admin) PurgeAll(ctx context.Context) (int, error) {
	rows, err := a.statuses.FindAll(ctx)
	if err != nil {
		return 0, err
	}
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, hc := range rows {
		id := hc.CollectionID
		g.Go(func() error {
			n, err := a.purge(gctx, id)
			total.Add(int64(n))
			if err != nil {
				return fmt.Errorf("purge %s: %w", id, err)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(total.Load()), err
}

// Reset returns every row to READY. It is meant for recovery after a crash
// left rows BUSY or QUEUED. Only the status columns are written, so a cycle
// finishing meanwhile keeps its result.
func (a *Admin) Reset(ctx context.Context) (int, error) {
	rows, err := a.statuses.FindAll(ctx)
	if err != nil {
		return 0, err
	}
	every := []Status{StatusReady, StatusBusy, StatusQueued, StatusOAIError}
	n := 0
	for _, hc := range rows {
		ok, err := a.statuses.CompareAndSetStatus(ctx, hc.CollectionID, every, StatusReady, nil)
		if err != nil {
			return n, fmt.Errorf("reset %s: %w", hc.CollectionID, err)
		}
		if ok {
			n++
		}
	}
	a.logger.Info("harvest status reset", zap.Int("collections", n))
	return n, nil
}

// Reimport purges the collection and harvests it again from scratch.
func (a *Admin) Reimport(ctx context.Context, ref string, opts Options) (Summary, error) {
	col, err := a.Resolve(ctx, ref)
	if err != nil {
		return Summary{}, err
	}
	if _, err := a.purge(ctx, col.ID); err != nil {
		return Summary{}, err
	}
	return a.svc.Run(ctx, col.ID, opts)
}

// StartReimport purges synchronously and harvests in the background.
func (a *Admin) StartReimport(ctx, base context.Context, ref string, opts Options) (uuid.UUID, error) {
	col, err := a.Resolve(ctx, ref)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := a.purge(ctx, col.ID); err != nil {
		return uuid.Nil, err
	}
	return a.svc.Start(ctx, base, col.ID, opts)
}

// Ping runs the basic and the ORE check against a source. The two results
// are independent.
func (a *Admin) Ping(ctx context.Context, source, set, metadataConfigID string) PingReport {
	if metadataConfigID == "" {
		metadataConfigID = "dc"
	}
	prefix := a.svc.MetadataPrefix(metadataConfigID)
	return PingReport{
		Basic:    a.verifier.Verify(ctx, source, set, prefix, false),
		Extended: a.verifier.Verify(ctx, source, set, prefix, true),
	}
}

func (a *Admin) List(ctx context.Context) ([]HarvestedCollection, error) {
	return a.statuses.FindAll(ctx)
}
