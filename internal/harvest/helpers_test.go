package harvest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"oaiharvest/internal/content"
	"oaiharvest/internal/ingest"
	"oaiharvest/internal/platform/oai"
	"oaiharvest/internal/testutil"
)

var recordsStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type env struct {
	srv      *testutil.OAIServer
	client   *oai.Client
	store    *content.MemoryStore
	statuses *MemoryRepo
	svc      *Service
	admin    *Admin
	col      content.Collection
	logs     *observer.ObservedLogs
}

type envOption func(*envConfig)

type envConfig struct {
	policy Policy
	source RecordSource
	client oai.Config
}

func withPolicy(p Policy) envOption { return func(c *envConfig) { c.policy = p } }

func withSource(src RecordSource) envOption { return func(c *envConfig) { c.source = src } }

func withClient(cfg oai.Config) envOption { return func(c *envConfig) { c.client = cfg } }

// newEnv wires a service against an in-memory store and a scripted OAI
// responder. The collection is configured READY with harvest type
// MetadataOnly.
func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	cfg := envConfig{policy: DefaultPolicy(), client: oai.Config{RequestsPerSecond: 1000, Burst: 100}}
	for _, o := range opts {
		o(&cfg)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	srv := testutil.NewOAIServer(t)
	client := oai.NewClient(cfg.client)
	source := cfg.source
	if source == nil {
		source = ClientSource{Client: client}
	}

	store := content.NewMemoryStore()
	col := store.AddCollection(content.Collection{Handle: "123456789/7", Name: "Theses", ParentName: "Library"})
	statuses := NewMemoryRepo()

	svc := NewService(statuses, store, source, ingest.NewApplier(client, nil, logger), ServiceConfig{Policy: cfg.policy}, logger)
	t.Cleanup(svc.Wait)

	e := &env{
		srv:      srv,
		client:   client,
		store:    store,
		statuses: statuses,
		svc:      svc,
		admin:    NewAdmin(svc, statuses, store, client, logger),
		col:      col,
		logs:     logs,
	}
	e.configure(e.col.ID, StatusReady)
	return e
}

func (e *env) configure(id uuid.UUID, status Status) {
	e.statuses.Put(HarvestedCollection{
		CollectionID:     id,
		HarvestType:      MetadataOnly,
		OAISource:        e.srv.URL,
		MetadataConfigID: "dc",
		Status:           status,
		UpdatedAt:        time.Now().UTC(),
	})
}

// addCollection adds another configured collection.
func (e *env) addCollection(name string) content.Collection {
	col := e.store.AddCollection(content.Collection{Handle: "123456789/" + name, Name: name, ParentName: "Library"})
	e.configure(col.ID, StatusReady)
	return col
}

// processLines returns the PROCESSINGDATA entries in emission order.
func (e *env) processLines() []observer.LoggedEntry {
	return e.logs.Filter(func(le observer.LoggedEntry) bool {
		return le.LoggerName == "processing" || strings.HasSuffix(le.LoggerName, ".processing")
	}).All()
}

func (e *env) row(t *testing.T, id uuid.UUID) HarvestedCollection {
	t.Helper()
	hc, err := e.statuses.Find(context.Background(), id)
	if err != nil {
		t.Fatalf("find row: %v", err)
	}
	return hc
}

func makeRecords(n int) []oai.Record {
	out := make([]oai.Record, n)
	for i := range out {
		out[i] = oai.Record{
			Identifier: fmt.Sprintf("oai:fake:%d", i+1),
			Datestamp:  recordsStart.Add(time.Duration(i) * time.Minute),
			Fields:     map[string][]string{"title": {fmt.Sprintf("Record %d", i+1)}},
		}
	}
	return out
}

// fakeSource serves a fixed slice of records for every ListRecords call.
type fakeSource struct {
	records []oai.Record
	// onNext runs before the i-th record is returned.
	onNext       func(i int)
	responseDate time.Time
	err          error
}

func (f *fakeSource) ListRecords(_ context.Context, _ oai.ListRequest) (RecordStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &fakeStream{records: f.records, onNext: f.onNext, date: f.responseDate}, nil
}

type fakeStream struct {
	records []oai.Record
	onNext  func(int)
	idx     int
	cur     oai.Record
	date    time.Time
}

func (s *fakeStream) Next(context.Context) bool {
	if s.idx >= len(s.records) {
		return false
	}
	if s.onNext != nil {
		s.onNext(s.idx)
	}
	s.cur = s.records[s.idx]
	s.idx++
	return true
}

func (s *fakeStream) Record() oai.Record      { return s.cur }
func (s *fakeStream) Err() error              { return nil }
func (s *fakeStream) ResponseDate() time.Time { return s.date }

// blockingSource holds every ListRecords call until release is closed and
// tracks how many calls overlap.
type blockingSource struct {
	release chan struct{}

	mu     sync.Mutex
	active int
	max    int
	calls  int
}

func newBlockingSource() *blockingSource {
	return &blockingSource{release: make(chan struct{})}
}

func (b *blockingSource) ListRecords(ctx context.Context, _ oai.ListRequest) (RecordStream, error) {
	b.mu.Lock()
	b.active++
	b.calls++
	if b.active > b.max {
		b.max = b.active
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()

	select {
	case <-b.release:
		return &fakeStream{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingSource) snapshot() (active, max, calls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active, b.max, b.calls
}
