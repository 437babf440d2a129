package oai

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Record is one remote record as delivered by ListRecords.
type Record struct {
	Identifier string
	Datestamp  time.Time
	Sets       []string
	Deleted    bool
	// Raw is the inner XML of the <metadata> element.
	Raw    []byte
	Fields map[string][]string
	// Malformed is set when the header or metadata could not be decoded.
	// The record is still delivered so the caller can count it.
	Malformed error
}

type ListRequest struct {
	BaseURL        string
	Set            string
	MetadataPrefix string
	From           *time.Time
	Until          *time.Time
}

// RecordIterator pulls ListRecords pages on demand. Failures surface through
// Err after Next returns false; nothing is retried.
type RecordIterator struct {
	client       *Client
	req          ListRequest
	page         []Record
	idx          int
	cur          Record
	token        string
	err          error
	responseDate time.Time
	pages        int
}

// ListRecords opens the sequence and fetches its first page, so an
// unreachable responder or a bad argument fails here rather than on Next.
func (c *Client) ListRecords(ctx context.Context, req ListRequest) (*RecordIterator, error) {
	params := url.Values{
		"verb":           {"ListRecords"},
		"metadataPrefix": {req.MetadataPrefix},
	}
	if req.Set != "" {
		params.Set("set", req.Set)
	}
	if req.From != nil {
		params.Set("from", FormatDatestamp(*req.From, c.granularity))
	}
	if req.Until != nil {
		params.Set("until", FormatDatestamp(*req.Until, c.granularity))
	}

	it := &RecordIterator{client: c, req: req}
	if err := it.fetch(ctx, params); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *RecordIterator) fetch(ctx context.Context, params url.Values) error {
	env, err := it.client.do(ctx, it.req.BaseURL, params)
	if env != nil && it.responseDate.IsZero() {
		if t, perr := ParseDatestamp(env.ResponseDate); perr == nil {
			it.responseDate = t
		}
	}
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) && pe.Code == "noRecordsMatch" {
			it.page, it.idx, it.token = nil, 0, ""
			it.pages++
			return nil
		}
		return err
	}
	if env.ListRecords == nil {
		return &ProtocolError{Verb: "ListRecords", URL: it.req.BaseURL, Message: "response has no ListRecords element"}
	}

	records := make([]Record, 0, len(env.ListRecords.Records))
	for _, rx := range env.ListRecords.Records {
		records = append(records, decodeRecord(rx))
	}

	next := env.ListRecords.Token.String()
	if next != "" && next == it.token {
		return &ProtocolError{Verb: "ListRecords", URL: it.req.BaseURL, Message: "resumption token did not advance"}
	}
	it.page, it.idx, it.token = records, 0, next
	it.pages++
	return nil
}

// Next advances to the next record, fetching the following page when the
// current one is exhausted.
func (it *RecordIterator) Next(ctx context.Context) bool {
	for it.idx >= len(it.page) {
		if it.err != nil || it.token == "" {
			return false
		}
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}
		params := url.Values{"verb": {"ListRecords"}, "resumptionToken": {it.token}}
		if err := it.fetch(ctx, params); err != nil {
			it.err = err
			return false
		}
	}
	it.cur = it.page[it.idx]
	it.page[it.idx] = Record{}
	it.idx++
	return true
}

func (it *RecordIterator) Record() Record { return it.cur }

func (it *RecordIterator) Err() error { return it.err }

// ResponseDate is the responder's clock at the start of the sequence; it is
// the end of the harvested window.
func (it *RecordIterator) ResponseDate() time.Time { return it.responseDate }

func (it *RecordIterator) Pages() int { return it.pages }

func decodeRecord(rx recordXML) Record {
	rec := Record{
		Identifier: rx.Header.Identifier,
		Sets:       rx.Header.SetSpecs,
		Deleted:    rx.Header.Status == "deleted",
	}
	if rx.Header.Datestamp != "" {
		t, err := ParseDatestamp(rx.Header.Datestamp)
		if err != nil {
			rec.Malformed = fmt.Errorf("datestamp: %w", err)
			return rec
		}
		rec.Datestamp = t
	}
	if rx.Metadata != nil && !rec.Deleted {
		rec.Raw = rx.Metadata.Inner
		fields, err := flattenMetadata(rx.Metadata.Inner)
		if err != nil {
			rec.Malformed = fmt.Errorf("metadata: %w", err)
			return rec
		}
		rec.Fields = fields
	}
	return rec
}
