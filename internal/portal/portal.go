package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"planscraper/internal/components/telemetry"
	"planscraper/lib/restyutil"
	libtelemetry "planscraper/lib/telemetry"
	"planscraper/lib/textutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("planscraper/internal/portal")

var ErrIdentifierResolution = errors.New("could not resolve plan number to a case")

const (
	report_search       = "client.search"
	report_plan_details = "client.plan-details"
)

type Client struct {
	cfg     Config
	base    *url.URL
	limiter *rate.Limiter
	tel     telemetry.API
	dump    restyutil.InstrumentOutput

	// Http is the shared session used for api calls and direct downloads.
	Http *resty.Client
}

type ClientOptions struct {
	Config Config
	// Dump, if set, receives every http exchange.
	Dump restyutil.InstrumentOutput
}

func NewClient(opts ClientOptions, tel telemetry.API) (*Client, error) {
	cfg := opts.Config
	base, err := url.Parse(cfg.BaseUrl)
	if err != nil {
		return nil, err
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("portal base url %q must be absolute", cfg.BaseUrl)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		limiter: rate.NewLimiter(limit, burst),
		tel:     telemetry.NewScopedAPI("portal", tel),
		dump:    opts.Dump,
	}
	c.Http, err = c.newHttp()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// newHttp builds a resty client with the portal's headers, transport and
// rate limit, and a fresh cookie jar.
func (c *Client) newHttp() (*resty.Client, error) {
	client := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", c.cfg.UserAgent)
	client.SetHeader("accept", "application/json, text/plain, */*")
	client.SetHeader("accept-language", "en-US,en;q=0.9")
	client.SetHeader("referer", c.cfg.BaseUrl)
	if c.cfg.Origin != "" {
		client.SetHeader("origin", c.cfg.Origin)
	}
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	if c.cfg.TimeoutSeconds > 0 {
		client.SetTimeout(time.Duration(c.cfg.TimeoutSeconds * float64(time.Second)))
	}

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return c.limiter.Wait(req.Context())
	})
	libtelemetry.InstrumentResty(client, "planscraper/portal/http")
	telemetry.InstrumentResty(client, c.tel)
	restyutil.DumpExchanges(client, c.dump)

	return client, nil
}

// SessionClient returns a new client that carries the given browser cookies
// for the portal's hosts.
func (c *Client) SessionClient(cookies []*http.Cookie) (*resty.Client, error) {
	client, err := c.newHttp()
	if err != nil {
		return nil, err
	}
	for _, raw := range []string{c.cfg.BaseUrl, c.cfg.ApiBase} {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		client.GetClient().Jar.SetCookies(u, cookies)
	}
	return client, nil
}

// IsCaseKey reports whether an identifier is shaped like a portal case key
// (a 36 character uuid with 4 dashes) rather than a plan number.
func IsCaseKey(id string) bool {
	return len(id) == 36 && strings.Count(id, "-") == 4
}

func (c *Client) pageUrl(template string, pairs ...string) string {
	return join(c.cfg.BaseUrl, expand(template, pairs...))
}

func (c *Client) apiUrl(template string, pairs ...string) string {
	return join(c.cfg.ApiBase, expand(template, pairs...))
}

func (c *Client) BaseUrl() *url.URL {
	return c.base
}

func (c *Client) PlanUrl(caseId string) string {
	return c.pageUrl(c.cfg.PlanPage, "{caseId}", caseId)
}

func (c *Client) AttachmentsPageUrl(caseId string) string {
	return c.pageUrl(c.cfg.AttachmentsPage, "{caseId}", caseId)
}

func (c *Client) SearchPageUrl(query string) string {
	return c.pageUrl(c.cfg.SearchPage, "{query}", url.QueryEscape(query))
}

func (c *Client) AttachmentListingUrl(caseId string) string {
	return c.apiUrl(c.cfg.AttachmentListing, "{caseId}", caseId)
}

// IsAttachmentListing reports whether a response url is the portal's
// attachment listing call.
func (c *Client) IsAttachmentListing(u string) bool {
	marker := c.cfg.ListingMarker
	if marker == "" {
		return false
	}
	return strings.Contains(strings.ToLower(u), strings.ToLower(marker))
}

// AttachmentDownloadUrl is the id based download url, or "" when the portal
// has none configured.
func (c *Client) AttachmentDownloadUrl(attachmentId string) string {
	if c.cfg.AttachmentDownload == "" || attachmentId == "" {
		return ""
	}
	return c.apiUrl(c.cfg.AttachmentDownload, "{attachmentId}", url.PathEscape(attachmentId))
}

type SearchResult struct {
	CaseId     string
	PlanNumber string
}

var (
	caseIdKeys     = []string{"PlanId", "CaseId", "PlanID", "CaseID", "Id"}
	planNumberKeys = []string{"PlanNumber", "CaseNumber", "Number"}
	resultListKeys = []string{"Result", "Results", "Data", "EntityResults", "Items"}
	addressKeys    = []string{"Address", "MainAddress", "SiteAddress", "FullAddress", "AddressDisplay"}
)

func lookupFold(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := lookupFold(m, k)
		if !ok {
			continue
		}
		switch v := v.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		case map[string]any:
			// addresses are sometimes objects
			s := firstString(v, []string{"FullAddress", "AddressLine1", "Address"})
			if s != "" {
				return s
			}
		}
	}
	return ""
}

// resultList finds the list of search results in a decoded body, which may be
// the body itself or nested one or two levels under a result key.
func resultList(v any, depth int) []any {
	switch v := v.(type) {
	case []any:
		return v
	case map[string]any:
		if depth >= 2 {
			return nil
		}
		for _, k := range resultListKeys {
			inner, ok := lookupFold(v, k)
			if !ok {
				continue
			}
			list := resultList(inner, depth+1)
			if len(list) > 0 {
				return list
			}
		}
	}
	return nil
}

func parseSearchResults(body []byte) ([]SearchResult, error) {
	var decoded any
	err := json.Unmarshal(body, &decoded)
	if err != nil {
		return nil, err
	}

	var out []SearchResult
	for _, item := range resultList(decoded, 0) {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		r := SearchResult{
			CaseId:     firstString(m, caseIdKeys),
			PlanNumber: firstString(m, planNumberKeys),
		}
		if r.CaseId != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

// Search queries each configured search endpoint in turn and returns the
// results of the first one that answers with any.
func (c *Client) Search(ctx context.Context, planNumber string) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "Search")
	defer span.End()
	span.SetAttributes(attribute.String("plan_number", planNumber))

	payload := map[string]any{
		"SearchText":    planNumber,
		"SearchType":    "Plan",
		"ModuleName":    "Plan",
		"SortColumn":    "PlanNumber",
		"SortDirection": "asc",
		"PageSize":      10,
		"PageNumber":    1,
	}

	var errs []error
	for _, endpoint := range c.cfg.SearchEndpoints {
		res, err := c.Http.R().
			SetContext(ctx).
			SetBody(payload).
			Post(c.apiUrl(endpoint))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
			continue
		}
		if res.StatusCode() != http.StatusOK {
			errs = append(errs, fmt.Errorf("%s: status %s", endpoint, res.Status()))
			continue
		}
		results, err := parseSearchResults(res.Body())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
			continue
		}
		if len(results) > 0 {
			return results, nil
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		c.tel.ReportWarning(report_search, planNumber, err)
		span.RecordError(err)
	}
	return nil, err
}

// SelectCase picks the result whose plan number equals planNumber after
// normalization, falling back to the first result.
func SelectCase(planNumber string, results []SearchResult) (string, bool) {
	if len(results) == 0 {
		return "", false
	}
	for _, r := range results {
		if textutil.SameName(r.PlanNumber, planNumber) {
			return r.CaseId, true
		}
	}
	return results[0].CaseId, true
}

// ResolveCaseKey maps a plan number to a case key through the search api.
func (c *Client) ResolveCaseKey(ctx context.Context, planNumber string) (string, error) {
	results, err := c.Search(ctx, planNumber)
	caseId, ok := SelectCase(planNumber, results)
	if !ok {
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrIdentifierResolution, planNumber, err)
		}
		return "", fmt.Errorf("%w: %s: no search results", ErrIdentifierResolution, planNumber)
	}
	return caseId, nil
}

var planLinkRegex = regexp.MustCompile(`/plan/([a-fA-F0-9-]{36})`)

// CaseKeyFromPage extracts a case key from a page the search page led to:
// its url if it already is a plan page, otherwise an anchor whose text is
// the plan number.
func CaseKeyFromPage(location, html, planNumber string) string {
	match := planLinkRegex.FindStringSubmatch(location)
	if match != nil {
		return match[1]
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	var caseId string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !textutil.SameName(s.Text(), planNumber) {
			return true
		}
		match := planLinkRegex.FindStringSubmatch(s.AttrOr("href", ""))
		if match == nil {
			return true
		}
		caseId = match[1]
		return false
	})
	return caseId
}

type PlanDetails struct {
	PlanNumber string         `json:"planNumber,omitempty"`
	Address    string         `json:"address,omitempty"`
	Raw        map[string]any `json:"raw,omitempty"`
}

func parsePlanDetails(body []byte) (PlanDetails, error) {
	var decoded map[string]any
	err := json.Unmarshal(body, &decoded)
	if err != nil {
		return PlanDetails{}, err
	}
	// some deployments wrap the plan in a Result object
	if inner, ok := lookupFold(decoded, "Result"); ok {
		if m, ok := inner.(map[string]any); ok {
			decoded = m
		}
	}
	return PlanDetails{
		PlanNumber: firstString(decoded, planNumberKeys),
		Address:    firstString(decoded, addressKeys),
		Raw:        decoded,
	}, nil
}

// PlanDetails fetches the plan's metadata using the browser session's cookies.
func (c *Client) PlanDetails(ctx context.Context, caseId string, cookies []*http.Cookie) (PlanDetails, error) {
	ctx, span := tracer.Start(ctx, "PlanDetails")
	defer span.End()

	req := c.Http.R().SetContext(ctx)
	for _, cookie := range cookies {
		req.SetCookie(cookie)
	}
	res, err := req.Get(c.apiUrl(c.cfg.PlanDetails, "{caseId}", caseId))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch plan details")
		return PlanDetails{}, err
	}
	if res.StatusCode() != http.StatusOK {
		err = fmt.Errorf("plan details: status %s", res.Status())
		span.SetStatus(codes.Error, err.Error())
		return PlanDetails{}, err
	}
	if !bytes.HasPrefix(bytes.TrimSpace(res.Body()), []byte("{")) {
		return PlanDetails{}, fmt.Errorf("plan details: unexpected body")
	}

	details, err := parsePlanDetails(res.Body())
	if err != nil {
		c.tel.ReportWarning(report_plan_details, caseId, err)
		return PlanDetails{}, err
	}
	return details, nil
}
