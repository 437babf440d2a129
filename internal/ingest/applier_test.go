package ingest

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"oaiharvest/internal/authz"
	"oaiharvest/internal/content"
	"oaiharvest/internal/platform/blobstore"
	"oaiharvest/internal/platform/oai"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockResources struct {
	mock.Mock
}

func (m *mockResources) GetResourceMap(ctx context.Context, baseURL, identifier string) ([]oai.ResourceLink, error) {
	args := m.Called(ctx, baseURL, identifier)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]oai.ResourceLink), args.Error(1)
}

func (m *mockResources) Fetch(ctx context.Context, url string) (*oai.Download, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oai.Download), args.Error(1)
}

type fixture struct {
	store  *content.MemoryStore
	target Target
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := content.NewMemoryStore()
	col := store.AddCollection(content.Collection{Handle: "123456789/1", Name: "Theses", RequiredFields: []string{"title"}})
	ctx, release := authz.Bypass(context.Background())
	t.Cleanup(release)
	return &fixture{store: store, target: Target{Collection: col, BaseURL: "http://oai.example.org/request"}, ctx: ctx}
}

// apply runs one record in its own committed transaction.
func (f *fixture) apply(t *testing.T, a *Applier, rec oai.Record, opts Options) Result {
	t.Helper()
	tx, err := f.store.Begin(f.ctx)
	require.NoError(t, err)
	res, err := a.Apply(f.ctx, tx, f.target, rec, opts)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(f.ctx))
	return res
}

func record(id string, stamp time.Time, title string) oai.Record {
	return oai.Record{
		Identifier: id,
		Datestamp:  stamp,
		Fields:     map[string][]string{"title": {title}, "creator": {"Doe, Jane"}},
	}
}

var defaultOpts = Options{SubmitEnabled: true}

func TestApply_Idempotent(t *testing.T) {
	f := newFixture(t)
	a := NewApplier(nil, nil, nil)
	stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := record("oai:x:1", stamp, "First")

	first := f.apply(t, a, rec, defaultOpts)
	assert.Equal(t, Created, first.Outcome)

	second := f.apply(t, a, rec, defaultOpts)
	assert.Equal(t, Skipped, second.Outcome)
	assert.Equal(t, first.ItemID, second.ItemID)

	items := f.store.Items(f.target.Collection.ID)
	require.Len(t, items, 1)
	assert.True(t, items[0].InArchive)
	assert.Equal(t, []string{"First"}, items[0].Metadata["title"])
}

func TestApply_Malformed(t *testing.T) {
	f := newFixture(t)
	a := NewApplier(nil, nil, nil)
	rec := record("oai:x:1", time.Time{}, "First")
	rec.Malformed = errors.New("datestamp: bad value")

	res := f.apply(t, a, rec, defaultOpts)
	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrInvalidRecord)
	assert.Empty(t, f.store.Items(f.target.Collection.ID))
}

func TestApply_Update(t *testing.T) {
	f := newFixture(t)
	a := NewApplier(nil, nil, nil)
	stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	created := f.apply(t, a, record("oai:x:1", stamp, "First"), defaultOpts)
	updated := f.apply(t, a, record("oai:x:1", stamp.Add(time.Hour), "Renamed"), defaultOpts)

	assert.Equal(t, Updated, updated.Outcome)
	assert.Equal(t, created.ItemID, updated.ItemID)
	items := f.store.Items(f.target.Collection.ID)
	require.Len(t, items, 1)
	assert.Equal(t, []string{"Renamed"}, items[0].Metadata["title"])
	assert.Equal(t, stamp.Add(time.Hour), items[0].Datestamp)
}

func TestApply_Deleted(t *testing.T) {
	f := newFixture(t)
	a := NewApplier(nil, nil, nil)
	stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	deleted := oai.Record{Identifier: "oai:x:1", Datestamp: stamp.Add(time.Hour), Deleted: true}

	t.Run("unknown item is skipped", func(t *testing.T) {
		res := f.apply(t, a, deleted, defaultOpts)
		assert.Equal(t, Skipped, res.Outcome)
		assert.Empty(t, f.store.Items(f.target.Collection.ID))
	})

	t.Run("known item is withdrawn once", func(t *testing.T) {
		f.apply(t, a, record("oai:x:1", stamp, "First"), defaultOpts)

		res := f.apply(t, a, deleted, defaultOpts)
		assert.Equal(t, Withdrawn, res.Outcome)
		res = f.apply(t, a, deleted, defaultOpts)
		assert.Equal(t, Skipped, res.Outcome)

		items := f.store.Items(f.target.Collection.ID)
		require.Len(t, items, 1)
		assert.True(t, items[0].Withdrawn)
		assert.False(t, items[0].InArchive)
	})

	t.Run("reappearing record reinstates", func(t *testing.T) {
		res := f.apply(t, a, record("oai:x:1", stamp.Add(2*time.Hour), "Back"), defaultOpts)
		assert.Equal(t, Updated, res.Outcome)

		items := f.store.Items(f.target.Collection.ID)
		require.Len(t, items, 1)
		assert.False(t, items[0].Withdrawn)
		assert.True(t, items[0].InArchive)
	})
}

func TestApply_Validation(t *testing.T) {
	stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rec  oai.Record
		opts Options
		want Outcome
		err  error
	}{
		{
			name: "record without metadata",
			rec:  oai.Record{Identifier: "oai:x:1", Datestamp: stamp, Fields: map[string][]string{}},
			opts: Options{RecordValidation: true},
			want: Failed,
			err:  ErrInvalidRecord,
		},
		{
			name: "record without datestamp",
			rec:  oai.Record{Identifier: "oai:x:1", Fields: map[string][]string{"title": {"x"}}},
			opts: Options{RecordValidation: true},
			want: Failed,
			err:  ErrInvalidRecord,
		},
		{
			name: "record without identifier",
			rec:  oai.Record{Datestamp: stamp, Fields: map[string][]string{"title": {"x"}}},
			opts: Options{RecordValidation: true},
			want: Failed,
			err:  ErrInvalidRecord,
		},
		{
			name: "deleted record needs no metadata",
			rec:  oai.Record{Identifier: "oai:x:1", Datestamp: stamp, Deleted: true},
			opts: Options{RecordValidation: true},
			want: Skipped,
		},
		{
			name: "missing required field",
			rec:  oai.Record{Identifier: "oai:x:1", Datestamp: stamp, Fields: map[string][]string{"creator": {"x"}}},
			opts: Options{ItemValidation: true},
			want: Failed,
			err:  ErrInvalidItem,
		},
		{
			name: "validation off accepts sparse record",
			rec:  oai.Record{Identifier: "oai:x:1", Datestamp: stamp, Fields: map[string][]string{"creator": {"x"}}},
			opts: Options{},
			want: Created,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res := f.apply(t, NewApplier(nil, nil, nil), tt.rec, tt.opts)
			assert.Equal(t, tt.want, res.Outcome)
			if tt.err != nil {
				assert.ErrorIs(t, res.Err, tt.err)
				assert.Empty(t, f.store.Items(f.target.Collection.ID))
			} else {
				assert.NoError(t, res.Err)
			}
		})
	}
}

func TestApply_SubmitDisabled(t *testing.T) {
	f := newFixture(t)
	admin := uuid.New()

	res := f.apply(t, NewApplier(nil, nil, nil), record("oai:x:1", time.Now().UTC(), "Draft"), Options{SubmitterID: admin})
	assert.Equal(t, Created, res.Outcome)

	items := f.store.Items(f.target.Collection.ID)
	require.Len(t, items, 1)
	assert.False(t, items[0].InArchive)
	require.NotNil(t, items[0].SubmitterID)
	assert.Equal(t, admin, *items[0].SubmitterID)
}

func TestApply_References(t *testing.T) {
	f := newFixture(t)
	f.target.Links = LinkReferences
	res := new(mockResources)
	res.On("GetResourceMap", mock.Anything, f.target.BaseURL, "oai:x:1").Return([]oai.ResourceLink{
		{URL: "http://files.example.org/1/a.pdf", Name: "a.pdf"},
		{URL: "http://files.example.org/1/b.pdf", Name: "b.pdf"},
	}, nil)

	out := f.apply(t, NewApplier(res, nil, nil), record("oai:x:1", time.Now().UTC(), "Refs"), defaultOpts)
	assert.Equal(t, Created, out.Outcome)

	items := f.store.Items(f.target.Collection.ID)
	require.Len(t, items, 1)
	assert.Equal(t, []string{"http://files.example.org/1/a.pdf", "http://files.example.org/1/b.pdf"}, items[0].References)
	res.AssertExpectations(t)
}

func TestApply_Bitstreams(t *testing.T) {
	t.Run("stored in blob store", func(t *testing.T) {
		f := newFixture(t)
		f.target.Links = LinkBitstreams
		blobs := blobstore.NewMemoryStore()
		res := new(mockResources)
		res.On("GetResourceMap", mock.Anything, f.target.BaseURL, "oai:x:1").Return([]oai.ResourceLink{
			{URL: "http://files.example.org/1/a.txt", MimeType: "text/plain"},
		}, nil)
		res.On("Fetch", mock.Anything, "http://files.example.org/1/a.txt").Return(&oai.Download{
			Body: io.NopCloser(strings.NewReader("payload")),
			Size: 7,
		}, nil)

		out := f.apply(t, NewApplier(res, blobs, nil), record("oai:x:1", time.Now().UTC(), "Files"), defaultOpts)
		assert.Equal(t, Created, out.Outcome)

		items := f.store.Items(f.target.Collection.ID)
		require.Len(t, items, 1)
		require.Len(t, items[0].Bitstreams, 1)
		bs := items[0].Bitstreams[0]
		assert.Equal(t, "a.txt", bs.Name)
		assert.Equal(t, int64(7), bs.Size)
		assert.Equal(t, "text/plain", bs.MimeType)

		data, err := blobs.Get(bs.ObjectKey)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(data))
	})

	t.Run("no blob store fails the record", func(t *testing.T) {
		f := newFixture(t)
		f.target.Links = LinkBitstreams
		res := new(mockResources)
		res.On("GetResourceMap", mock.Anything, mock.Anything, mock.Anything).Return([]oai.ResourceLink{{URL: "http://x/a"}}, nil)

		out := f.apply(t, NewApplier(res, nil, nil), record("oai:x:1", time.Now().UTC(), "Files"), defaultOpts)
		assert.Equal(t, Failed, out.Outcome)
		assert.ErrorIs(t, out.Err, ErrNoBlobStore)
		assert.Empty(t, f.store.Items(f.target.Collection.ID))
	})

	t.Run("resource map failure fails the record", func(t *testing.T) {
		f := newFixture(t)
		f.target.Links = LinkBitstreams
		res := new(mockResources)
		res.On("GetResourceMap", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

		out := f.apply(t, NewApplier(res, blobstore.NewMemoryStore(), nil), record("oai:x:1", time.Now().UTC(), "Files"), defaultOpts)
		assert.Equal(t, Failed, out.Outcome)
	})
}

func TestApply_WithoutWriteAccess(t *testing.T) {
	store := content.NewMemoryStore()
	col := store.AddCollection(content.Collection{Name: "Theses"})
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	_, err = NewApplier(nil, nil, nil).Apply(ctx, tx, Target{Collection: col}, record("oai:x:1", time.Now().UTC(), "x"), defaultOpts)
	assert.ErrorIs(t, err, authz.ErrForbidden)
}
