package oai_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"oaiharvest/internal/platform/oai"
	"oaiharvest/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient() *oai.Client {
	return oai.NewClient(oai.Config{RequestsPerSecond: 1000, Burst: 100})
}

func collect(t *testing.T, it *oai.RecordIterator) []oai.Record {
	t.Helper()
	var out []oai.Record
	for it.Next(context.Background()) {
		out = append(out, it.Record())
	}
	require.NoError(t, it.Err())
	return out
}

func TestListRecords_Pagination(t *testing.T) {
	srv := testutil.NewOAIServer(t)
	srv.PageSize = 3
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	srv.SetRecords(testutil.Records(7, start)...)

	it, err := newClient().ListRecords(context.Background(), oai.ListRequest{BaseURL: srv.URL, MetadataPrefix: "oai_dc"})
	require.NoError(t, err)

	recs := collect(t, it)
	require.Len(t, recs, 7)
	assert.Equal(t, 3, it.Pages())
	assert.Equal(t, "oai:example.org:0001", recs[0].Identifier)
	assert.Equal(t, "oai:example.org:0007", recs[6].Identifier)
	assert.Equal(t, start.Add(6*time.Minute), recs[6].Datestamp)
	assert.Equal(t, []string{"Record 1"}, recs[0].Fields["title"])
	assert.Equal(t, []string{"Doe, Jane"}, recs[0].Fields["creator"])
	assert.Equal(t, srv.ResponseDate, it.ResponseDate())

	reqs := srv.RequestsFor("ListRecords")
	require.Len(t, reqs, 3)
	assert.Equal(t, "oai_dc", reqs[0].Get("metadataPrefix"))
	assert.Empty(t, reqs[1].Get("metadataPrefix"))
	assert.Equal(t, "tok-1", reqs[1].Get("resumptionToken"))
}

func TestListRecords_Arguments(t *testing.T) {
	srv := testutil.NewOAIServer(t)
	recs := testutil.Records(3, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	recs[0].Sets = []string{"col_1"}
	recs[2].Sets = []string{"col_1"}
	srv.SetRecords(recs...)

	t.Run("set and from are sent", func(t *testing.T) {
		from := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
		it, err := newClient().ListRecords(context.Background(), oai.ListRequest{
			BaseURL: srv.URL, Set: "col_1", MetadataPrefix: "oai_dc", From: &from,
		})
		require.NoError(t, err)
		got := collect(t, it)
		require.Len(t, got, 1)
		assert.Equal(t, "oai:example.org:0003", got[0].Identifier)

		reqs := srv.RequestsFor("ListRecords")
		last := reqs[len(reqs)-1]
		assert.Equal(t, "col_1", last.Get("set"))
		assert.Equal(t, "2024-01-01T00:01:00Z", last.Get("from"))
	})

	t.Run("day granularity", func(t *testing.T) {
		c := oai.NewClient(oai.Config{RequestsPerSecond: 1000, Burst: 100, Granularity: oai.GranularityDay})
		from := time.Date(2024, 1, 1, 13, 45, 0, 0, time.UTC)
		it, err := c.ListRecords(context.Background(), oai.ListRequest{BaseURL: srv.URL, MetadataPrefix: "oai_dc", From: &from})
		require.NoError(t, err)
		collect(t, it)

		reqs := srv.RequestsFor("ListRecords")
		assert.Equal(t, "2024-01-01", reqs[len(reqs)-1].Get("from"))
	})
}

func TestListRecords_NoRecordsMatchIsEmpty(t *testing.T) {
	srv := testutil.NewOAIServer(t)

	it, err := newClient().ListRecords(context.Background(), oai.ListRequest{BaseURL: srv.URL, MetadataPrefix: "oai_dc"})
	require.NoError(t, err)
	assert.Empty(t, collect(t, it))
	assert.Equal(t, srv.ResponseDate, it.ResponseDate())
}

func TestListRecords_Errors(t *testing.T) {
	t.Run("oai error code", func(t *testing.T) {
		srv := testutil.NewOAIServer(t)
		srv.SetRecords(testutil.Records(1, time.Now())...)

		_, err := newClient().ListRecords(context.Background(), oai.ListRequest{BaseURL: srv.URL, MetadataPrefix: "marc"})
		var pe *oai.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "cannotDisseminateFormat", pe.Code)
		assert.Equal(t, "ListRecords", pe.Verb)
	})

	t.Run("http status", func(t *testing.T) {
		srv := testutil.NewOAIServer(t)
		srv.FailVerbs["ListRecords"] = http.StatusServiceUnavailable

		_, err := newClient().ListRecords(context.Background(), oai.ListRequest{BaseURL: srv.URL, MetadataPrefix: "oai_dc"})
		var pe *oai.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, http.StatusServiceUnavailable, pe.StatusCode)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := testutil.NewOAIServer(t)
		base := srv.URL
		srv.Close()

		_, err := newClient().ListRecords(context.Background(), oai.ListRequest{BaseURL: base, MetadataPrefix: "oai_dc"})
		var pe *oai.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.NotNil(t, pe.Err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		srv := testutil.NewOAIServer(t)
		srv.PageSize = 1
		srv.SetRecords(testutil.Records(3, time.Now())...)

		ctx, cancel := context.WithCancel(context.Background())
		it, err := newClient().ListRecords(ctx, oai.ListRequest{BaseURL: srv.URL, MetadataPrefix: "oai_dc"})
		require.NoError(t, err)
		require.True(t, it.Next(ctx))
		cancel()
		assert.False(t, it.Next(ctx))
		assert.True(t, errors.Is(it.Err(), context.Canceled))
	})
}

func TestListRecords_DeletedRecord(t *testing.T) {
	srv := testutil.NewOAIServer(t)
	recs := testutil.Records(2, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	recs[1].Deleted = true
	srv.SetRecords(recs...)

	it, err := newClient().ListRecords(context.Background(), oai.ListRequest{BaseURL: srv.URL, MetadataPrefix: "oai_dc"})
	require.NoError(t, err)
	got := collect(t, it)
	require.Len(t, got, 2)
	assert.False(t, got[0].Deleted)
	assert.True(t, got[1].Deleted)
	assert.Nil(t, got[1].Fields)
}

func TestListRecords_MalformedRecordKeepsPage(t *testing.T) {
	srv := testutil.NewOAIServer(t)
	recs := testutil.Records(3, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	recs[1].RawDatestamp = "not-a-date"
	srv.SetRecords(recs...)

	it, err := newClient().ListRecords(context.Background(), oai.ListRequest{BaseURL: srv.URL, MetadataPrefix: "oai_dc"})
	require.NoError(t, err)
	got := collect(t, it)
	require.Len(t, got, 3)
	assert.NoError(t, got[0].Malformed)
	assert.Error(t, got[1].Malformed)
	assert.Equal(t, recs[1].Identifier, got[1].Identifier)
	assert.NoError(t, got[2].Malformed)
}

func TestGetResourceMapAndFetch(t *testing.T) {
	srv := testutil.NewOAIServer(t)
	srv.ORE = true
	rec := testutil.Records(1, time.Now())[0]
	rec.Files = map[string]string{"paper.txt": "hello world"}
	srv.SetRecords(rec)

	c := newClient()
	links, err := c.GetResourceMap(context.Background(), srv.URL, rec.Identifier)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "paper.txt", links[0].Name)
	assert.Equal(t, "text/plain", links[0].MimeType)
	assert.Equal(t, int64(11), links[0].Size)

	dl, err := c.Fetch(context.Background(), links[0].URL)
	require.NoError(t, err)
	defer dl.Body.Close()
	body, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
	assert.Equal(t, int64(11), dl.Size)

	_, err = c.Fetch(context.Background(), srv.URL+"/files/missing/none")
	var pe *oai.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusNotFound, pe.StatusCode)
}

func TestListSets(t *testing.T) {
	srv := testutil.NewOAIServer(t)
	c := newClient()

	sets, err := c.ListSets(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Empty(t, sets)

	srv.SetSpecs = []string{"col_1", "col_2"}
	sets, err = c.ListSets(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []oai.Set{{Spec: "col_1", Name: "col_1"}, {Spec: "col_2", Name: "col_2"}}, sets)
}

func TestParseGranularity(t *testing.T) {
	tests := []struct {
		in      string
		want    oai.Granularity
		wantErr bool
	}{
		{"", oai.GranularitySeconds, false},
		{"day", oai.GranularityDay, false},
		{"YYYY-MM-DD", oai.GranularityDay, false},
		{"seconds", oai.GranularitySeconds, false},
		{"hours", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := oai.ParseGranularity(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatDatestamp(t *testing.T) {
	at := time.Date(2024, 3, 9, 23, 30, 5, 0, time.FixedZone("CET", 3600))

	assert.Equal(t, "2024-03-09T22:30:05Z", oai.FormatDatestamp(at, oai.GranularitySeconds))
	assert.Equal(t, "2024-03-09", oai.FormatDatestamp(at, oai.GranularityDay))

	parsed, err := oai.ParseDatestamp("2024-03-09T22:30:05Z")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(at))

	day, err := oai.ParseDatestamp("2024-03-09")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), day)
}

func TestFetch_StalledBodyIsBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := oai.NewClient(oai.Config{RequestsPerSecond: 1000, Burst: 100, DownloadTimeout: 200 * time.Millisecond})
	started := time.Now()
	dl, err := c.Fetch(context.Background(), srv.URL+"/files/big.bin")
	require.NoError(t, err)
	defer dl.Body.Close()

	_, err = io.ReadAll(dl.Body)
	assert.Error(t, err)
	assert.Less(t, time.Since(started), 5*time.Second)
}
