package testutil

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// OAIRecord is a record served by OAIServer.
type OAIRecord struct {
	Identifier string
	Datestamp  time.Time
	Sets       []string
	Deleted    bool
	// RawDatestamp replaces the formatted Datestamp on the wire.
	RawDatestamp string
	Title        string
	Creator      string
	// Files are served through the ORE resource map, name -> content.
	Files map[string]string
}

// OAIServer is a scriptable OAI-PMH 2.0 responder for tests.
type OAIServer struct {
	*httptest.Server

	mu           sync.Mutex
	records      []OAIRecord
	PageSize     int
	ResponseDate time.Time
	Granularity  string
	Formats      []string
	SetSpecs     []string
	ORE          bool
	// FailVerbs makes a verb answer with the given HTTP status.
	FailVerbs map[string]int
	// Delay is slept before every response.
	Delay    time.Duration
	requests []url.Values
	tokens   map[string][]OAIRecord
	nextTok  int
}

func NewOAIServer(t *testing.T) *OAIServer {
	t.Helper()
	s := &OAIServer{
		PageSize:     10,
		ResponseDate: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Granularity:  "YYYY-MM-DDThh:mm:ssZ",
		Formats:      []string{"oai_dc"},
		FailVerbs:    map[string]int{},
		tokens:       map[string][]OAIRecord{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *OAIServer) SetRecords(records ...OAIRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append([]OAIRecord(nil), records...)
}

// Requests returns the query of every request received so far.
func (s *OAIServer) Requests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.requests...)
}

// RequestsFor filters Requests by verb.
func (s *OAIServer) RequestsFor(verb string) []url.Values {
	var out []url.Values
	for _, q := range s.Requests() {
		if q.Get("verb") == verb {
			out = append(out, q)
		}
	}
	return out
}

func (s *OAIServer) serve(w http.ResponseWriter, r *http.Request) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-r.Context().Done():
			return
		}
	}
	if strings.HasPrefix(r.URL.Path, "/files/") {
		s.serveFile(w, r)
		return
	}

	q := r.URL.Query()
	s.mu.Lock()
	s.requests = append(s.requests, q)
	status, fail := s.FailVerbs[q.Get("verb")]
	s.mu.Unlock()
	if fail {
		w.WriteHeader(status)
		return
	}

	var body string
	switch q.Get("verb") {
	case "Identify":
		body = fmt.Sprintf(`<Identify><repositoryName>Test</repositoryName><baseURL>%s</baseURL><protocolVersion>2.0</protocolVersion><earliestDatestamp>2000-01-01T00:00:00Z</earliestDatestamp><deletedRecord>persistent</deletedRecord><granularity>%s</granularity></Identify>`, s.URL, s.Granularity)
	case "ListMetadataFormats":
		body = s.listMetadataFormats()
	case "ListSets":
		body = s.listSets()
	case "ListRecords":
		body = s.listRecords(q)
	case "GetRecord":
		body = s.getRecord(q)
	default:
		body = `<error code="badVerb">Illegal verb</error>`
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><responseDate>%s</responseDate><request>%s</request>%s</OAI-PMH>`,
		s.ResponseDate.Format("2006-01-02T15:04:05Z"), html.EscapeString(s.URL), body)
}

func (s *OAIServer) listMetadataFormats() string {
	var b strings.Builder
	b.WriteString("<ListMetadataFormats>")
	for _, f := range s.Formats {
		fmt.Fprintf(&b, `<metadataFormat><metadataPrefix>%s</metadataPrefix><schema>http://example.org/%s.xsd</schema><metadataNamespace>http://example.org/%s/</metadataNamespace></metadataFormat>`, f, f, f)
	}
	if s.ORE {
		b.WriteString(`<metadataFormat><metadataPrefix>ore</metadataPrefix><schema>http://tweety.lanl.gov/public/schemas/2008-06/atom-tron.sch</schema><metadataNamespace>http://www.w3.org/2005/Atom</metadataNamespace></metadataFormat>`)
	}
	b.WriteString("</ListMetadataFormats>")
	return b.String()
}

func (s *OAIServer) listSets() string {
	if len(s.SetSpecs) == 0 {
		return `<error code="noSetHierarchy">no sets</error>`
	}
	var b strings.Builder
	b.WriteString("<ListSets>")
	for _, spec := range s.SetSpecs {
		fmt.Fprintf(&b, `<set><setSpec>%s</setSpec><setName>%s</setName></set>`, spec, spec)
	}
	b.WriteString("</ListSets>")
	return b.String()
}

func (s *OAIServer) listRecords(q url.Values) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var remaining []OAIRecord
	if tok := q.Get("resumptionToken"); tok != "" {
		recs, ok := s.tokens[tok]
		if !ok {
			return `<error code="badResumptionToken">unknown token</error>`
		}
		delete(s.tokens, tok)
		remaining = recs
	} else {
		if !s.hasFormat(q.Get("metadataPrefix")) {
			return `<error code="cannotDisseminateFormat">unsupported format</error>`
		}
		from, _ := parseStamp(q.Get("from"))
		until, _ := parseStamp(q.Get("until"))
		for _, rec := range s.records {
			if set := q.Get("set"); set != "" && !contains(rec.Sets, set) {
				continue
			}
			if !from.IsZero() && rec.Datestamp.Before(from) {
				continue
			}
			if !until.IsZero() && rec.Datestamp.After(until) {
				continue
			}
			remaining = append(remaining, rec)
		}
		if len(remaining) == 0 {
			return `<error code="noRecordsMatch">no records</error>`
		}
	}

	page := remaining
	token := ""
	if s.PageSize > 0 && len(remaining) > s.PageSize {
		page = remaining[:s.PageSize]
		s.nextTok++
		token = "tok-" + strconv.Itoa(s.nextTok)
		s.tokens[token] = remaining[s.PageSize:]
	}

	var b strings.Builder
	b.WriteString("<ListRecords>")
	for _, rec := range page {
		b.WriteString(s.recordXML(rec, "oai_dc"))
	}
	fmt.Fprintf(&b, "<resumptionToken>%s</resumptionToken>", token)
	b.WriteString("</ListRecords>")
	return b.String()
}

func (s *OAIServer) getRecord(q url.Values) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Identifier != q.Get("identifier") {
			continue
		}
		if q.Get("metadataPrefix") == "ore" {
			if !s.ORE {
				return `<error code="cannotDisseminateFormat">no ore</error>`
			}
			return "<GetRecord>" + s.recordXML(rec, "ore") + "</GetRecord>"
		}
		return "<GetRecord>" + s.recordXML(rec, "oai_dc") + "</GetRecord>"
	}
	return `<error code="idDoesNotExist">unknown identifier</error>`
}

func (s *OAIServer) recordXML(rec OAIRecord, prefix string) string {
	var b strings.Builder
	stamp := rec.Datestamp.UTC().Format("2006-01-02T15:04:05Z")
	if rec.RawDatestamp != "" {
		stamp = rec.RawDatestamp
	}
	status := ""
	if rec.Deleted {
		status = ` status="deleted"`
	}
	fmt.Fprintf(&b, `<record><header%s><identifier>%s</identifier><datestamp>%s</datestamp>`,
		status, html.EscapeString(rec.Identifier), html.EscapeString(stamp))
	for _, set := range rec.Sets {
		fmt.Fprintf(&b, "<setSpec>%s</setSpec>", set)
	}
	b.WriteString("</header>")
	if !rec.Deleted {
		b.WriteString("<metadata>")
		if prefix == "ore" {
			b.WriteString(`<atom:entry xmlns:atom="http://www.w3.org/2005/Atom">`)
			fmt.Fprintf(&b, `<atom:id>%s</atom:id>`, html.EscapeString(rec.Identifier))
			for name, content := range rec.Files {
				fmt.Fprintf(&b, `<atom:link rel="http://www.openarchives.org/ore/terms/aggregates" href="%s" title="%s" type="text/plain" length="%d"/>`,
					html.EscapeString(s.FileURL(rec.Identifier, name)), html.EscapeString(name), len(content))
			}
			b.WriteString(`</atom:entry>`)
		} else {
			b.WriteString(`<oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/" xmlns:dc="http://purl.org/dc/elements/1.1/">`)
			if rec.Title != "" {
				fmt.Fprintf(&b, "<dc:title>%s</dc:title>", html.EscapeString(rec.Title))
			}
			if rec.Creator != "" {
				fmt.Fprintf(&b, "<dc:creator>%s</dc:creator>", html.EscapeString(rec.Creator))
			}
			fmt.Fprintf(&b, "<dc:identifier>%s</dc:identifier>", html.EscapeString(rec.Identifier))
			b.WriteString("</oai_dc:dc>")
		}
		b.WriteString("</metadata>")
	}
	b.WriteString("</record>")
	return b.String()
}

// FileURL is where the server serves a record's file.
func (s *OAIServer) FileURL(identifier, name string) string {
	return s.URL + "/files/" + url.PathEscape(identifier) + "/" + url.PathEscape(name)
}

func (s *OAIServer) serveFile(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.EscapedPath(), "/files/"), "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	id, _ := url.PathUnescape(parts[0])
	name, _ := url.PathUnescape(parts[1])

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Identifier == id {
			if content, ok := rec.Files[name]; ok {
				w.Header().Set("Content-Type", "text/plain")
				w.Header().Set("Content-Length", strconv.Itoa(len(content)))
				_, _ = w.Write([]byte(content))
				return
			}
		}
	}
	http.NotFound(w, r)
}

func (s *OAIServer) hasFormat(prefix string) bool {
	return contains(s.Formats, prefix) || (s.ORE && prefix == "ore")
}

func parseStamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05Z", v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Records builds n sequential dc records dated one minute apart.
func Records(n int, start time.Time) []OAIRecord {
	out := make([]OAIRecord, n)
	for i := range out {
		out[i] = OAIRecord{
			Identifier: fmt.Sprintf("oai:example.org:%04d", i+1),
			Datestamp:  start.Add(time.Duration(i) * time.Minute),
			Title:      fmt.Sprintf("Record %d", i+1),
			Creator:    "Doe, Jane",
		}
	}
	return out
}
