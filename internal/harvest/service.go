package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"oaiharvest/internal/authz"
	"oaiharvest/internal/content"
	"oaiharvest/internal/ingest"
	"oaiharvest/internal/platform/oai"
	"oaiharvest/internal/platform/tracing"
)

type ServiceConfig struct {
	Policy Policy
	// AdminID owns items created while submission is disabled.
	AdminID  uuid.UUID
	SeenSize int
	SeenTTL  time.Duration
	// MetadataFormats maps a metadata config id to the OAI metadataPrefix
	// requested from the source. Unknown ids are sent as they are.
	MetadataFormats map[string]string
}

func defaultMetadataFormats() map[string]string {
	return map[string]string{
		"dc":  "oai_dc",
		"qdc": "qdc",
		"dim": "dim",
	}
}

// Service runs harvest cycles. It is safe for concurrent use; cycles of
// different collections are independent and one collection never runs
// twice at the same time.
type Service struct {
	statuses StatusStore
	store    content.Store
	source   RecordSource
	applier  *ingest.Applier
	seen     *seenCache
	plog     *processLog
	policy   Policy
	adminID  uuid.UUID
	formats  map[string]string
	logger   *zap.Logger
	now      func() time.Time

	background sync.WaitGroup
}

func NewService(statuses StatusStore, store content.Store, source RecordSource, applier *ingest.Applier, cfg ServiceConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	formats := defaultMetadataFormats()
	for k, v := range cfg.MetadataFormats {
		formats[k] = v
	}
	return &Service{
		statuses: statuses,
		store:    store,
		source:   source,
		applier:  applier,
		seen:     newSeenCache(cfg.SeenSize, cfg.SeenTTL),
		plog:     newProcessLog(logger),
		policy:   cfg.Policy.withDefaults(),
		adminID:  cfg.AdminID,
		formats:  formats,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run harvests one collection now. The row must be READY or OAI_ERROR;
// ErrConcurrencyConflict is returned when a cycle is already queued or
// running for it.
func (s *Service) Run(ctx context.Context, collectionID uuid.UUID, opts Options) (Summary, error) {
	c, err := s.claim(ctx, collectionID, opts, StatusReady, StatusOAIError)
	if err != nil {
		return Summary{}, err
	}
	return s.cycle(ctx, c)
}

// Start claims the collection like Run and then harvests it in the
// background under base. It returns the process id of the cycle.
func (s *Service) Start(ctx, base context.Context, collectionID uuid.UUID, opts Options) (uuid.UUID, error) {
	c, err := s.claim(ctx, collectionID, opts, StatusReady, StatusOAIError)
	if err != nil {
		return uuid.Nil, err
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		_, _ = s.cycle(base, c)
	}()
	return c.opts.ProcessID, nil
}

// Wait blocks until cycles launched by Start have finished.
func (s *Service) Wait() { s.background.Wait() }

// runQueued is the scheduler path; the row was moved to QUEUED at dispatch.
func (s *Service) runQueued(ctx context.Context, collectionID uuid.UUID, opts Options) (Summary, error) {
	c, err := s.claim(ctx, collectionID, opts, StatusQueued)
	if err != nil {
		return Summary{}, err
	}
	return s.cycle(ctx, c)
}

// claimed is a collection whose row this process moved to BUSY.
type claimed struct {
	hc    HarvestedCollection
	col   content.Collection
	opts  Options
	start time.Time
}

func (s *Service) claim(ctx context.Context, collectionID uuid.UUID, opts Options, from ...Status) (*claimed, error) {
	col, err := s.store.FindCollection(ctx, collectionID)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return nil, &ConfigurationError{CollectionID: collectionID, Reason: "collection does not exist"}
		}
		return nil, fmt.Errorf("find collection: %w", err)
	}
	hc, err := s.statuses.Find(ctx, collectionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotConfigured
		}
		return nil, fmt.Errorf("find harvest row: %w", err)
	}
	if err := hc.Validate(); err != nil {
		return nil, err
	}

	start := s.now()
	ok, err := s.statuses.CompareAndSetStatus(ctx, collectionID, from, StatusBusy, &start)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConcurrencyConflict
	}
	hc.Status = StatusBusy
	hc.HarvestStartTime = &start

	if opts.ProcessID == uuid.Nil {
		opts.ProcessID = uuid.New()
	}
	pid := opts.ProcessID
	hc.ProcessID = &pid

	return &claimed{hc: hc, col: col, opts: opts, start: start}, nil
}

func (s *Service) cycle(parent context.Context, c *claimed) (sum Summary, err error) {
	hc, col, opts, start := c.hc, c.col, c.opts, c.start
	entry := processEntry{
		processID:  opts.ProcessID,
		source:     hc.OAISource,
		set:        hc.Set(),
		parentName: col.ParentName,
		collection: col,
	}
	s.plog.start(entry, start)

	ctx, span := tracing.StartSpan(parent, "harvest.cycle",
		attribute.String("collection.id", col.ID.String()),
		attribute.String("oai.source", hc.OAISource),
		attribute.String("oai.set", hc.Set()),
		attribute.Bool("harvest.force_synch", opts.ForceSynch),
	)
	ctx, release := authz.Bypass(ctx)
	windowEnd := start

	defer func() {
		release()
		if r := recover(); r != nil {
			err = fmt.Errorf("harvest of %s panicked: %v", col.ID, r)
			s.logger.Error("harvest cycle panicked", zap.Stringer("collection", col.ID), zap.Any("panic", r), zap.Stack("stack"))
		}
		if ferr := s.finish(parent, &hc, sum, windowEnd, err); ferr != nil && err == nil {
			err = ferr
		}

		span.SetAttributes(
			attribute.Int("records.processed", sum.Processed),
			attribute.Int("records.failed", sum.Failed),
			attribute.Int("batches.flushed", sum.Flushes),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		finished := s.now()
		s.plog.finish(entry, finished, finished.Sub(start))
	}()

	sum, windowEnd, err = s.harvest(ctx, hc, col, opts, start)
	return sum, err
}

// harvest streams the window and applies it in committed batches. It
// returns the end of the harvested window on success.
func (s *Service) harvest(ctx context.Context, hc HarvestedCollection, col content.Collection, opts Options, start time.Time) (Summary, time.Time, error) {
	var sum Summary

	req := oai.ListRequest{
		BaseURL:        hc.OAISource,
		Set:            hc.Set(),
		MetadataPrefix: s.MetadataPrefix(hc.MetadataConfigID),
	}
	if !opts.ForceSynch && hc.LastHarvested != nil {
		from := *hc.LastHarvested
		req.From = &from
	}

	// The cache only short-cuts incremental windows. A full harvest covers a
	// row that was reset or purged, possibly by another process, so every
	// record has to reach the applier.
	useSeen := req.From != nil

	stream, err := s.source.ListRecords(ctx, req)
	if err != nil {
		return sum, start, fmt.Errorf("list records: %w", err)
	}

	target := ingest.Target{Collection: col, BaseURL: hc.OAISource, Links: hc.HarvestType.linkMode()}
	applyOpts := ingest.Options{
		RecordValidation: opts.RecordValidation,
		ItemValidation:   opts.ItemValidation,
		SubmitEnabled:    opts.SubmitEnabled,
		SubmitterID:      s.adminID,
	}

	var (
		tx      content.Tx
		pending []string
		inBatch int
	)
	defer func() {
		if tx != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	flush := func() error {
		inBatch = 0
		if tx == nil {
			return nil
		}
		if err := tx.Commit(ctx); err != nil {
			tx = nil
			return fmt.Errorf("commit batch: %w", err)
		}
		tx = nil
		s.seen.addAll(pending)
		pending = pending[:0]
		sum.Flushes++
		return nil
	}

	for stream.Next(ctx) {
		rec := stream.Record()
		key := seenKey(col.ID, rec)

		if useSeen && s.seen.contains(key) {
			sum.Skipped++
		} else {
			if tx == nil {
				if tx, err = s.store.Begin(ctx); err != nil {
					return sum, start, fmt.Errorf("begin batch: %w", err)
				}
			}
			res, err := s.applier.Apply(ctx, tx, target, rec, applyOpts)
			if err != nil {
				return sum, start, fmt.Errorf("apply %s: %w", rec.Identifier, err)
			}
			sum.add(res)
			if res.Outcome == ingest.Failed {
				s.logger.Warn("record not applied",
					zap.Stringer("collection", col.ID),
					zap.String("identifier", rec.Identifier),
					zap.Error(res.Err),
				)
			} else {
				pending = append(pending, key)
			}
		}
		sum.Processed++
		inBatch++

		if inBatch >= s.policy.BatchSize {
			if err := flush(); err != nil {
				return sum, start, err
			}
		}
		if err := ctx.Err(); err != nil {
			return sum, start, err
		}
	}
	if err := stream.Err(); err != nil {
		return sum, start, fmt.Errorf("list records: %w", err)
	}
	if err := flush(); err != nil {
		return sum, start, err
	}

	if s.policy.MaxFailureRatio > 0 && sum.Processed >= s.policy.MinRecordsForRatio &&
		float64(sum.Failed) > s.policy.MaxFailureRatio*float64(sum.Processed) {
		return sum, start, fmt.Errorf("%w: %d of %d records (%s)", ErrFailureRatio, sum.Failed, sum.Processed, sum.FirstFailure)
	}

	end := stream.ResponseDate()
	if end.IsZero() {
		end = start
	}
	return sum, end, nil
}

// finish records the outcome of a cycle. It runs on every exit path and
// writes with a context that outlives cancellation of the cycle.
func (s *Service) finish(parent context.Context, hc *HarvestedCollection, sum Summary, windowEnd time.Time, cycleErr error) error {
	hc.Status = StatusReady
	hc.HarvestStartTime = nil

	switch {
	case cycleErr == nil:
		end := windowEnd.UTC()
		hc.LastHarvested = &end
		hc.Message = s.policy.truncate(sum.String())
	case errors.Is(parent.Err(), context.Canceled):
		hc.Message = s.policy.truncate("interrupted: " + sum.String())
	default:
		hc.Status = StatusOAIError
		hc.Message = s.policy.truncate(cycleErr.Error())
	}

	if err := s.statuses.Update(context.WithoutCancel(parent), hc); err != nil {
		s.logger.Error("failed to record harvest result",
			zap.Stringer("collection", hc.CollectionID),
			zap.Stringer("status", hc.Status),
			zap.Error(err),
		)
		return fmt.Errorf("record harvest result: %w", err)
	}

	fields := []zap.Field{
		zap.Stringer("collection", hc.CollectionID),
		zap.Stringer("status", hc.Status),
		zap.Int("processed", sum.Processed),
		zap.Int("failed", sum.Failed),
	}
	if cycleErr != nil && hc.Status == StatusOAIError {
		s.logger.Error("harvest failed", append(fields, zap.Error(cycleErr))...)
	} else {
		s.logger.Info("harvest finished", fields...)
	}
	return nil
}

// MetadataPrefix resolves a metadata config id to the prefix sent to sources.
func (s *Service) MetadataPrefix(configID string) string {
	if prefix, ok := s.formats[configID]; ok {
		return prefix
	}
	return configID
}

func (s *Service) Policy() Policy { return s.policy }

func (s *Service) forget(collectionID uuid.UUID) {
	if n := s.seen.evict(collectionID); n > 0 {
		s.logger.Debug("dedup cache evicted", zap.Stringer("collection", collectionID), zap.Int("keys", n))
	}
}
