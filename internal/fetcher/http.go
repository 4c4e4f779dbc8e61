package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/refsync/internal/model"
	"github.com/sells-group/refsync/internal/resilience"
)

// HTTPOptions configures an HTTP paginated source.
type HTTPOptions struct {
	// BaseURL is the page-listing endpoint, e.g. "https://api.example.org/terms".
	BaseURL string

	// LookupURL optionally serves a single record by id appended as a path
	// segment. Empty disables the live tier for this source.
	LookupURL string

	// OffsetParam and LimitParam name the pagination query parameters.
	// Defaults: "offset" and "limit".
	OffsetParam string
	LimitParam  string

	// SourceName tags collected records with their provenance, e.g. "mondo-2024-01".
	SourceName string

	UserAgent  string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// HTTPSource implements Source over a paginated JSON HTTP API. It makes one
// request per call (no internal retries) and rate-limits per source.
type HTTPSource struct {
	client  *http.Client
	opts    HTTPOptions
	limiter *rate.Limiter
}

// NewHTTPSource creates an HTTPSource with the given options.
func NewHTTPSource(opts HTTPOptions) *HTTPSource {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "refsync/1.0"
	}
	if opts.OffsetParam == "" {
		opts.OffsetParam = "offset"
	}
	if opts.LimitParam == "" {
		opts.LimitParam = "limit"
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RatePerSec)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	return &HTTPSource{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
	}
}

// FetchPage requests one page at the given offset and converts the response
// into the fixed BatchResult shape.
func (s *HTTPSource) FetchPage(ctx context.Context, offset, limit int) (*model.BatchResult, error) {
	if limit <= 0 {
		return nil, resilience.NewFetchError(resilience.Permanent,
			eris.Errorf("fetch page: invalid limit %d", limit), 0)
	}

	u, err := url.Parse(s.opts.BaseURL)
	if err != nil {
		return nil, resilience.NewFetchError(resilience.Permanent,
			eris.Wrapf(err, "fetch page: parse base url %s", s.opts.BaseURL), 0)
	}
	q := u.Query()
	q.Set(s.opts.OffsetParam, fmt.Sprintf("%d", offset))
	q.Set(s.opts.LimitParam, fmt.Sprintf("%d", limit))
	u.RawQuery = q.Encode()

	body, err := s.get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var envelope pageEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, resilience.NewFetchError(resilience.Permanent,
			eris.Wrapf(err, "fetch page: decode response at offset %d", offset), 0)
	}

	records := make([]model.OntologyRecord, 0, len(envelope.records()))
	for i, raw := range envelope.records() {
		rec, err := raw.toRecord(s.opts.SourceName)
		if err != nil {
			return nil, resilience.NewFetchError(resilience.Permanent,
				eris.Wrapf(err, "fetch page: record %d at offset %d", i, offset), 0)
		}
		records = append(records, rec)
	}

	return &model.BatchResult{
		Records:        records,
		TotalAvailable: envelope.total(),
		Partial:        len(records) < limit,
	}, nil
}

// FetchByID looks up a single record for live-tier resolution.
func (s *HTTPSource) FetchByID(ctx context.Context, externalID string) (*model.OntologyRecord, error) {
	if s.opts.LookupURL == "" {
		return nil, resilience.ErrNotSupported
	}

	u := strings.TrimRight(s.opts.LookupURL, "/") + "/" + url.PathEscape(externalID)
	body, err := s.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var raw rawRecord
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, resilience.NewFetchError(resilience.Permanent,
			eris.Wrapf(err, "fetch by id: decode %s", externalID), 0)
	}
	rec, err := raw.toRecord(s.opts.SourceName)
	if err != nil {
		return nil, resilience.NewFetchError(resilience.Permanent,
			eris.Wrapf(err, "fetch by id: %s", externalID), 0)
	}
	return &rec, nil
}

// get performs a single rate-limited GET and classifies failures.
func (s *HTTPSource) get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, resilience.NewFetchError(resilience.Permanent,
			eris.Wrap(err, "create request"), 0)
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are retried by the collector.
		return nil, resilience.NewFetchError(resilience.Transient,
			eris.Wrapf(err, "http get %s", rawURL), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		kind := resilience.Permanent
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			kind = resilience.Transient
		}
		return nil, resilience.NewFetchError(kind,
			eris.Errorf("http %d from %s", resp.StatusCode, rawURL), resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewFetchError(resilience.Transient,
			eris.Wrap(err, "read response body"), 0)
	}
	return body, nil
}

// pageEnvelope tolerates the field-name variations seen across ontology API
// versions; the rest of the service only ever sees BatchResult.
type pageEnvelope struct {
	Records []rawRecord `json:"records"`
	Results []rawRecord `json:"results"`
	Items   []rawRecord `json:"items"`
	Terms   []rawRecord `json:"terms"`

	Total          int `json:"total"`
	TotalRecords   int `json:"total_records"`
	TotalCount     int `json:"total_count"`
	TotalAvailable int `json:"totalAvailable"`
}

func (e *pageEnvelope) records() []rawRecord {
	switch {
	case e.Records != nil:
		return e.Records
	case e.Results != nil:
		return e.Results
	case e.Items != nil:
		return e.Items
	default:
		return e.Terms
	}
}

func (e *pageEnvelope) total() int {
	switch {
	case e.Total > 0:
		return e.Total
	case e.TotalRecords > 0:
		return e.TotalRecords
	case e.TotalCount > 0:
		return e.TotalCount
	default:
		return e.TotalAvailable
	}
}

// rawRecord mirrors one source record with aliased field names.
type rawRecord struct {
	ID         string `json:"id"`
	Code       string `json:"code"`
	ExternalID string `json:"external_id"`
	OboID      string `json:"obo_id"`

	Label string `json:"label"`
	Name  string `json:"name"`
	Title string `json:"title"`

	Synonyms []string `json:"synonyms"`
	Aliases  []string `json:"aliases"`

	Xrefs     map[string][]string `json:"xrefs"`
	CrossRefs map[string][]string `json:"cross_references"`
	Mappings  map[string][]string `json:"mappings"`

	Definition  string `json:"definition"`
	Description string `json:"description"`

	Obsolete bool `json:"is_obsolete"`
}

func (r *rawRecord) toRecord(source string) (model.OntologyRecord, error) {
	id := firstNonEmpty(r.ExternalID, r.ID, r.Code, r.OboID)
	if id == "" {
		return model.OntologyRecord{}, eris.New("missing record identifier")
	}
	label := firstNonEmpty(r.Label, r.Name, r.Title)
	if label == "" {
		return model.OntologyRecord{}, eris.Errorf("record %s has no label", id)
	}

	synonyms := r.Synonyms
	if synonyms == nil {
		synonyms = r.Aliases
	}
	xrefs := r.Xrefs
	if xrefs == nil {
		xrefs = r.CrossRefs
	}
	if xrefs == nil {
		xrefs = r.Mappings
	}

	rec := model.OntologyRecord{
		ExternalID: id,
		Label:      label,
		Synonyms:   synonyms,
		CrossRefs:  xrefs,
		Definition: firstNonEmpty(r.Definition, r.Description),
		Source:     source,
		IsObsolete: r.Obsolete,
	}
	rec.Normalize()
	return rec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
