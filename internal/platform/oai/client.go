package oai

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	UserAgent      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RequestTimeout time.Duration
	// DownloadTimeout bounds one bitstream download including its body.
	DownloadTimeout   time.Duration
	RequestsPerSecond float64
	Burst             int
	Granularity       Granularity
	// Transport replaces the default transport (tests).
	Transport http.RoundTripper
}

// Client talks OAI-PMH 2.0 to remote responders. One Client is shared by
// all harvest cycles of a process.
type Client struct {
	httpClient     *http.Client
	downloadClient *http.Client
	userAgent      string
	limiter        *rate.Limiter
	granularity    Granularity
}

func NewClient(cfg Config) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "oaiharvest/1.0"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 10 * time.Minute
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Granularity == "" {
		cfg.Granularity = GranularitySeconds
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.ReadTimeout,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
		}
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		downloadClient: &http.Client{
			Timeout:   cfg.DownloadTimeout,
			Transport: transport,
		},
		userAgent:      cfg.UserAgent,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		granularity:    cfg.Granularity,
	}
}

func (c *Client) Granularity() Granularity { return c.granularity }

// Identify issues the Identify verb.
func (c *Client) Identify(ctx context.Context, baseURL string) (*Identity, error) {
	env, err := c.do(ctx, baseURL, url.Values{"verb": {"Identify"}})
	if err != nil {
		return nil, err
	}
	if env.Identify == nil {
		return nil, &ProtocolError{Verb: "Identify", URL: baseURL, Message: "response has no Identify element"}
	}
	return env.Identify, nil
}

func (c *Client) ListMetadataFormats(ctx context.Context, baseURL string) ([]MetadataFormat, error) {
	env, err := c.do(ctx, baseURL, url.Values{"verb": {"ListMetadataFormats"}})
	if err != nil {
		return nil, err
	}
	if env.ListMetadataFormats == nil {
		return nil, nil
	}
	return env.ListMetadataFormats.Formats, nil
}

// ListSets walks every page of the set hierarchy.
func (c *Client) ListSets(ctx context.Context, baseURL string) ([]Set, error) {
	var out []Set
	params := url.Values{"verb": {"ListSets"}}
	for {
		env, err := c.do(ctx, baseURL, params)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) && pe.Code == "noSetHierarchy" {
				return out, nil
			}
			return nil, err
		}
		if env.ListSets == nil {
			return out, nil
		}
		out = append(out, env.ListSets.Sets...)
		token := env.ListSets.Token.String()
		if token == "" || token == params.Get("resumptionToken") {
			return out, nil
		}
		params = url.Values{"verb": {"ListSets"}, "resumptionToken": {token}}
	}
}

// ResourceLink is one file aggregated by an ORE resource map.
type ResourceLink struct {
	URL      string
	Name     string
	MimeType string
	Size     int64
}

// GetResourceMap fetches the ORE dissemination of one record and returns the
// files it aggregates.
func (c *Client) GetResourceMap(ctx context.Context, baseURL, identifier string) ([]ResourceLink, error) {
	env, err := c.do(ctx, baseURL, url.Values{
		"verb":           {"GetRecord"},
		"identifier":     {identifier},
		"metadataPrefix": {OREPrefix},
	})
	if err != nil {
		return nil, err
	}
	if env.GetRecord == nil || env.GetRecord.Record.Metadata == nil {
		return nil, &ProtocolError{Verb: "GetRecord", URL: baseURL, Message: "no ORE metadata for " + identifier}
	}
	var entry oreEntry
	if err := xml.Unmarshal(env.GetRecord.Record.Metadata.Inner, &entry); err != nil {
		return nil, &ProtocolError{Verb: "GetRecord", URL: baseURL, Message: "malformed ORE resource map", Err: err}
	}
	var links []ResourceLink
	for _, l := range entry.Links {
		if l.Rel != aggregateRel || l.Href == "" {
			continue
		}
		links = append(links, ResourceLink{URL: l.Href, Name: l.Title, MimeType: l.Type, Size: l.Length})
	}
	return links, nil
}

// Download is an open bitstream body; the caller closes Body.
type Download struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
}

func (c *Client) Fetch(ctx context.Context, rawURL string) (*Download, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, &ProtocolError{Verb: "fetch", URL: rawURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &ProtocolError{Verb: "fetch", URL: rawURL, StatusCode: resp.StatusCode}
	}
	return &Download{Body: resp.Body, Size: resp.ContentLength, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (c *Client) do(ctx context.Context, baseURL string, params url.Values) (*envelope, error) {
	verb := params.Get("verb")
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, &ProtocolError{Verb: verb, URL: baseURL, Err: err}
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &ProtocolError{Verb: verb, URL: baseURL, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/xml, application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ProtocolError{Verb: verb, URL: baseURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ProtocolError{Verb: verb, URL: baseURL, StatusCode: resp.StatusCode}
	}

	var env envelope
	if err := xml.NewDecoder(resp.Body).Decode(&env); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ProtocolError{Verb: verb, URL: baseURL, Message: "malformed response", Err: err}
	}
	if e := env.firstError(); e != nil {
		return &env, &ProtocolError{Verb: verb, URL: baseURL, Code: e.Code, Message: strings.TrimSpace(e.Message)}
	}
	return &env, nil
}
