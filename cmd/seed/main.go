package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"oaiharvest/internal/config"
	"oaiharvest/internal/content"
	"oaiharvest/internal/harvest"
	"oaiharvest/internal/platform/logging"
)

// demoCollection is a collection created by the seeder and, when source is
// set, configured for harvesting.
type demoCollection struct {
	handle   string
	name     string
	parent   string
	required []string
	typ      harvest.HarvestType
	source   string
	set      string
	format   string
}

func demoCollections(source string) []demoCollection {
	return []demoCollection{
		{handle: "123456789/1", name: "Theses", parent: "Library", required: []string{"title", "creator"}, typ: harvest.MetadataOnly, source: source, set: "theses", format: "dc"},
		{handle: "123456789/2", name: "Articles", parent: "Library", required: []string{"title"}, typ: harvest.MetadataAndReferences, source: source, format: "dc"},
		{handle: "123456789/3", name: "Datasets", parent: "Research", typ: harvest.MetadataAndBitstreams, source: source, format: "qdc"},
		{handle: "123456789/4", name: "Local uploads", parent: "Research"},
	}
}

func main() {
	source := flag.String("source", "http://localhost:8081/oai/request", "OAI-PMH base URL for the demo collections")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.InMemory() {
		logger.Fatal("seeding needs a database; DB_DSN selects the in-memory store")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.String("dsn", cfg.RedactedDSN()), zap.Error(err))
	}
	defer pool.Close()

	n, err := seed(ctx, content.NewPostgresStore(pool), harvest.NewPostgresRepo(pool), demoCollections(*source))
	if err != nil {
		logger.Fatal("seeding failed", zap.Error(err))
	}
	logger.Info("seeding completed", zap.Int("collections", n))
}

type collectionCreator interface {
	FindCollectionByHandle(ctx context.Context, handle string) (content.Collection, error)
	CreateCollection(ctx context.Context, c *content.Collection) error
}

// seed creates the missing collections and their harvest rows. Existing
// handles are left untouched so the seeder can run repeatedly.
func seed(ctx context.Context, collections collectionCreator, statuses harvest.StatusStore, demo []demoCollection) (int, error) {
	created := 0
	for _, d := range demo {
		if _, err := collections.FindCollectionByHandle(ctx, d.handle); err == nil {
			continue
		}
		col := &content.Collection{Handle: d.handle, Name: d.name, ParentName: d.parent, RequiredFields: d.required}
		if err := collections.CreateCollection(ctx, col); err != nil {
			return created, fmt.Errorf("create collection %s: %w", d.handle, err)
		}
		created++
		if d.source == "" {
			continue
		}

		hc, err := statuses.Create(ctx, col.ID)
		if err != nil {
			return created, fmt.Errorf("create harvest row %s: %w", d.handle, err)
		}
		hc.HarvestType = d.typ
		hc.OAISource = d.source
		if d.set != "" {
			set := d.set
			hc.OAISetID = &set
		}
		hc.MetadataConfigID = d.format
		if err := statuses.Update(ctx, &hc); err != nil {
			return created, fmt.Errorf("configure harvest row %s: %w", d.handle, err)
		}
	}
	return created, nil
}
