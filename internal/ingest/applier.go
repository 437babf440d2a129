package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/url"
	"path"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"oaiharvest/internal/content"
	"oaiharvest/internal/platform/blobstore"
	"oaiharvest/internal/platform/oai"
)

// ResourceSource resolves the files a remote record aggregates.
type ResourceSource interface {
	GetResourceMap(ctx context.Context, baseURL, identifier string) ([]oai.ResourceLink, error)
	Fetch(ctx context.Context, url string) (*oai.Download, error)
}

type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (blobstore.Object, error)
}

type recordRules struct {
	Identifier string              `validate:"required,max=512"`
	Datestamp  time.Time           `validate:"required"`
	Fields     map[string][]string `validate:"min=1,dive,keys,required,endkeys,min=1"`
}

// Applier turns remote records into local items.
type Applier struct {
	resources ResourceSource
	blobs     BlobStore
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewApplier wires the applier. blobs may be nil when no collection
// harvests bitstreams.
func NewApplier(resources ResourceSource, blobs BlobStore, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		resources: resources,
		blobs:     blobs,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Apply creates, updates or withdraws the item matching rec inside tx.
// Expected per-record problems come back as a Failed result; the returned
// error is reserved for storage faults that leave tx unusable.
func (a *Applier) Apply(ctx context.Context, tx content.Tx, target Target, rec oai.Record, opts Options) (Result, error) {
	if rec.Malformed != nil {
		return failed(fmt.Errorf("%w %s: %v", ErrInvalidRecord, rec.Identifier, rec.Malformed)), nil
	}
	if opts.RecordValidation {
		if err := a.validateRecord(rec); err != nil {
			return failed(fmt.Errorf("%w %s: %v", ErrInvalidRecord, rec.Identifier, err)), nil
		}
	}

	collectionID := target.Collection.ID
	existing, err := tx.FindItemByExternalID(ctx, collectionID, rec.Identifier)
	found := err == nil
	if err != nil && !errors.Is(err, content.ErrNotFound) {
		return Result{}, fmt.Errorf("find item %s: %w", rec.Identifier, err)
	}

	if rec.Deleted {
		if !found || existing.Withdrawn {
			return Result{Outcome: Skipped, ItemID: existing.ID}, nil
		}
		if err := tx.WithdrawItem(ctx, existing.ID); err != nil {
			return Result{}, fmt.Errorf("withdraw item %s: %w", rec.Identifier, err)
		}
		return Result{Outcome: Withdrawn, ItemID: existing.ID}, nil
	}

	if found && !existing.Withdrawn && existing.Datestamp.Equal(rec.Datestamp) && sameMetadata(existing.Metadata, rec.Fields) {
		return Result{Outcome: Skipped, ItemID: existing.ID}, nil
	}

	if opts.ItemValidation {
		if missing := missingFields(target.Collection.RequiredFields, rec.Fields); len(missing) > 0 {
			return failed(fmt.Errorf("%w %s: missing required fields %v", ErrInvalidItem, rec.Identifier, missing)), nil
		}
	}

	item := existing
	if !found {
		item = content.Item{CollectionID: collectionID, ExternalID: rec.Identifier}
	}
	item.Datestamp = rec.Datestamp
	item.Metadata = rec.Fields

	if err := a.resolveLinks(ctx, target, rec, &item); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return failed(err), nil
	}

	if found {
		if existing.Withdrawn {
			item.Withdrawn = false
			item.InArchive = opts.SubmitEnabled
		}
		if err := tx.UpdateItem(ctx, &item); err != nil {
			return Result{}, fmt.Errorf("update item %s: %w", rec.Identifier, err)
		}
		return Result{Outcome: Updated, ItemID: item.ID}, nil
	}

	item.InArchive = opts.SubmitEnabled
	if !opts.SubmitEnabled && opts.SubmitterID != uuid.Nil {
		owner := opts.SubmitterID
		item.SubmitterID = &owner
	}
	if err := tx.CreateItem(ctx, &item); err != nil {
		return Result{}, fmt.Errorf("create item %s: %w", rec.Identifier, err)
	}
	return Result{Outcome: Created, ItemID: item.ID}, nil
}

func (a *Applier) validateRecord(rec oai.Record) error {
	rules := recordRules{Identifier: rec.Identifier, Datestamp: rec.Datestamp, Fields: rec.Fields}
	if rec.Deleted {
		return a.validate.StructExcept(rules, "Fields")
	}
	return a.validate.Struct(rules)
}

func (a *Applier) resolveLinks(ctx context.Context, target Target, rec oai.Record, item *content.Item) error {
	if target.Links == LinkNone {
		return nil
	}
	if a.resources == nil {
		return fmt.Errorf("resolve files of %s: no resource source", rec.Identifier)
	}
	links, err := a.resources.GetResourceMap(ctx, target.BaseURL, rec.Identifier)
	if err != nil {
		return fmt.Errorf("resource map of %s: %w", rec.Identifier, err)
	}

	if target.Links == LinkReferences {
		refs := make([]string, 0, len(links))
		for _, l := range links {
			refs = append(refs, l.URL)
		}
		item.References = refs
		return nil
	}

	if a.blobs == nil {
		return fmt.Errorf("bitstreams of %s: %w", rec.Identifier, ErrNoBlobStore)
	}
	bitstreams := make([]content.Bitstream, 0, len(links))
	for _, l := range links {
		bs, err := a.storeBitstream(ctx, target, rec.Identifier, l)
		if err != nil {
			return err
		}
		bitstreams = append(bitstreams, bs)
	}
	item.Bitstreams = bitstreams
	return nil
}

func (a *Applier) storeBitstream(ctx context.Context, target Target, identifier string, link oai.ResourceLink) (content.Bitstream, error) {
	dl, err := a.resources.Fetch(ctx, link.URL)
	if err != nil {
		return content.Bitstream{}, fmt.Errorf("download %s: %w", link.URL, err)
	}
	defer dl.Body.Close()

	name := link.Name
	if name == "" {
		name = fileName(link.URL)
	}
	mime := link.MimeType
	if mime == "" {
		mime = dl.ContentType
	}
	key := target.Collection.ID.String() + "/" + url.PathEscape(identifier) + "/" + url.PathEscape(name)

	obj, err := a.blobs.Put(ctx, key, dl.Body, dl.Size, mime)
	if err != nil {
		return content.Bitstream{}, fmt.Errorf("store %s: %w", link.URL, err)
	}
	a.logger.Debug("bitstream stored", zap.String("identifier", identifier), zap.String("key", obj.Key), zap.Int64("size", obj.Size))
	return content.Bitstream{
		Name:      name,
		SourceURL: link.URL,
		ObjectKey: obj.Key,
		MimeType:  mime,
		Size:      obj.Size,
	}, nil
}

func failed(err error) Result {
	return Result{Outcome: Failed, Err: err}
}

func sameMetadata(a, b map[string][]string) bool {
	return maps.EqualFunc(a, b, slices.Equal[[]string])
}

func missingFields(required []string, fields map[string][]string) []string {
	var missing []string
	for _, f := range required {
		if len(fields[f]) == 0 {
			missing = append(missing, f)
		}
	}
	return missing
}

func fileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "bitstream"
	}
	if base := path.Base(u.Path); base != "." && base != "/" {
		return base
	}
	return "bitstream"
}
