package oai

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"
)

// Granularity is the datestamp resolution used for from/until arguments.
type Granularity string

const (
	GranularityDay     Granularity = "YYYY-MM-DD"
	GranularitySeconds Granularity = "YYYY-MM-DDThh:mm:ssZ"
)

const (
	dayLayout     = "2006-01-02"
	secondsLayout = "2006-01-02T15:04:05Z"

	OREPrefix    = "ore"
	OREAtomNS    = "http://www.w3.org/2005/Atom"
	aggregateRel = "http://www.openarchives.org/ore/terms/aggregates"
)

func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "seconds", "second", strings.ToLower(string(GranularitySeconds)):
		return GranularitySeconds, nil
	case "day", "days", strings.ToLower(string(GranularityDay)):
		return GranularityDay, nil
	}
	return "", fmt.Errorf("unknown datestamp granularity %q", s)
}

// FormatDatestamp renders t in UTC at the given granularity.
func FormatDatestamp(t time.Time, g Granularity) string {
	if g == GranularityDay {
		return t.UTC().Format(dayLayout)
	}
	return t.UTC().Format(secondsLayout)
}

func ParseDatestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(secondsLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(dayLayout, s)
}

// ProtocolError is any failure talking to a remote responder: transport,
// HTTP status, OAI error code or an undecodable envelope.
type ProtocolError struct {
	Verb       string
	URL        string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "oai %s %s", e.Verb, e.URL)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": http status %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type envelope struct {
	XMLName             xml.Name             `xml:"OAI-PMH"`
	ResponseDate        string               `xml:"responseDate"`
	Errors              []oaiError           `xml:"error"`
	Identify            *Identity            `xml:"Identify"`
	ListMetadataFormats *listMetadataFormats `xml:"ListMetadataFormats"`
	ListSets            *listSets            `xml:"ListSets"`
	ListRecords         *listRecords         `xml:"ListRecords"`
	GetRecord           *getRecord           `xml:"GetRecord"`
}

type oaiError struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

// Identity is the payload of the Identify verb.
type Identity struct {
	RepositoryName    string `xml:"repositoryName"`
	BaseURL           string `xml:"baseURL"`
	ProtocolVersion   string `xml:"protocolVersion"`
	EarliestDatestamp string `xml:"earliestDatestamp"`
	DeletedRecord     string `xml:"deletedRecord"`
	Granularity       string `xml:"granularity"`
}

type MetadataFormat struct {
	Prefix    string `xml:"metadataPrefix"`
	Schema    string `xml:"schema"`
	Namespace string `xml:"metadataNamespace"`
}

type listMetadataFormats struct {
	Formats []MetadataFormat `xml:"metadataFormat"`
}

type Set struct {
	Spec string `xml:"setSpec"`
	Name string `xml:"setName"`
}

type listSets struct {
	Sets  []Set            `xml:"set"`
	Token *resumptionToken `xml:"resumptionToken"`
}

type resumptionToken struct {
	Value string `xml:",chardata"`
}

func (t *resumptionToken) String() string {
	if t == nil {
		return ""
	}
	return strings.TrimSpace(t.Value)
}

type listRecords struct {
	Records []recordXML      `xml:"record"`
	Token   *resumptionToken `xml:"resumptionToken"`
}

type getRecord struct {
	Record recordXML `xml:"record"`
}

type recordXML struct {
	Header   headerXML `xml:"header"`
	Metadata *innerXML `xml:"metadata"`
}

type headerXML struct {
	Status     string   `xml:"status,attr"`
	Identifier string   `xml:"identifier"`
	Datestamp  string   `xml:"datestamp"`
	SetSpecs   []string `xml:"setSpec"`
}

type innerXML struct {
	Inner []byte `xml:",innerxml"`
}

func (e *envelope) firstError() *oaiError {
	if len(e.Errors) == 0 {
		return nil
	}
	return &e.Errors[0]
}

// flattenMetadata collects the text of every element directly below the
// metadata root, keyed by local name. DSpace "dim" style fields
// (<field element="title" qualifier="alternative">) are keyed by
// element[.qualifier] instead.
func flattenMetadata(raw []byte) (map[string][]string, error) {
	fields := make(map[string][]string)
	dec := xml.NewDecoder(bytes.NewReader(raw))
	depth := 0
	key := ""
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return fields, nil
		}
		if err != nil {
			return nil, err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				key = fieldKey(el)
				text.Reset()
			}
		case xml.CharData:
			if depth >= 2 {
				text.Write(el)
			}
		case xml.EndElement:
			if depth == 2 && key != "" {
				if v := strings.TrimSpace(text.String()); v != "" {
					fields[key] = append(fields[key], v)
				}
				key = ""
			}
			depth--
		}
	}
}

func fieldKey(el xml.StartElement) string {
	if el.Name.Local == "field" {
		var element, qualifier string
		for _, a := range el.Attr {
			switch a.Name.Local {
			case "element":
				element = a.Value
			case "qualifier":
				qualifier = a.Value
			}
		}
		if element != "" {
			if qualifier != "" {
				return element + "." + qualifier
			}
			return element
		}
	}
	return el.Name.Local
}

type oreEntry struct {
	Links []oreLink `xml:"link"`
}

type oreLink struct {
	Rel    string `xml:"rel,attr"`
	Href   string `xml:"href,attr"`
	Title  string `xml:"title,attr"`
	Type   string `xml:"type,attr"`
	Length int64  `xml:"length,attr"`
}
