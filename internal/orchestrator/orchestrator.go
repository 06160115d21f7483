// Package orchestrator drives a case through resolution, discovery, download
// and extraction, and runs resumable batches of cases.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"planscraper/internal/assert"
	"planscraper/internal/attachment"
	"planscraper/internal/browser"
	"planscraper/internal/components/chrono"
	"planscraper/internal/components/telemetry"
	"planscraper/internal/discover"
	"planscraper/internal/document"
	"planscraper/internal/download"
	"planscraper/internal/patterns"
	"planscraper/internal/portal"
	"planscraper/internal/store"
	"planscraper/lib/osutil"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("planscraper/internal/orchestrator")
var meter = otel.Meter("planscraper/internal/orchestrator")

const (
	report_resolve_fallback = "resolve.browser-fallback"
	report_plan_details     = "plan-details"
	report_contacts         = "contacts"
	report_inspections      = "inspections"
	report_cookies          = "cookies"
	report_index            = "index"
	report_page_close       = "page.close"
	report_extract          = "extract"
	report_previous_result  = "previous-result"
	report_scraped          = "scraped"
)

// Portal is what the orchestrator needs from the portal client.
type Portal interface {
	discover.Portal
	PlanUrl(caseId string) string
	SearchPageUrl(query string) string
	ResolveCaseKey(ctx context.Context, planNumber string) (string, error)
	PlanDetails(ctx context.Context, caseId string, cookies []*http.Cookie) (portal.PlanDetails, error)
	Contacts(ctx context.Context, caseId string, cookies []*http.Cookie) ([]map[string]any, error)
	Inspections(ctx context.Context, caseId string, cookies []*http.Cookie) ([]map[string]any, error)
	SessionClient(cookies []*http.Cookie) (*resty.Client, error)
}

// Index records completed scrapes, it is optional.
type Index interface {
	Put(ctx context.Context, r store.Record) error
}

type Options struct {
	OutputRoot string
	Download   download.Options
	Document   document.Options
}

type Dependencies struct {
	Portal Portal
	// Direct is the shared http session used for direct downloads.
	Direct    *resty.Client
	Browser   browser.Opener
	Index     Index
	Time      chrono.TimeAPI
	Telemetry telemetry.API
}

type Orchestrator struct {
	outputRoot string
	portal     Portal
	browser    browser.Opener
	index      Index
	time       chrono.TimeAPI
	tel        telemetry.API

	discoverer discover.Discoverer
	resolver   download.Resolver
	extractor  document.Extractor

	scraped metric.Int64Counter
}

func New(opts Options, deps Dependencies) *Orchestrator {
	assert.NotNil(deps.Portal, "portal")
	assert.NotNil(deps.Browser, "browser")
	assert.NotNil(deps.Time, "time")
	assert.NotNil(deps.Telemetry, "telemetry")
	assert.NotEmptyStr(opts.OutputRoot, "output root")

	scraped, _ := meter.Int64Counter("cases_scraped")
	return &Orchestrator{
		outputRoot: opts.OutputRoot,
		portal:     deps.Portal,
		browser:    deps.Browser,
		index:      deps.Index,
		time:       deps.Time,
		tel:        telemetry.NewScopedAPI("orchestrator", deps.Telemetry),

		discoverer: discover.NewDiscoverer(deps.Portal, deps.Telemetry),
		resolver:   download.NewResolver(opts.Download, deps.Direct, deps.Telemetry),
		extractor:  document.NewExtractor(opts.Document, deps.Telemetry),

		scraped: scraped,
	}
}

func (o *Orchestrator) OutputRoot() string {
	return o.outputRoot
}

// Result is the document persisted for every scraped case.
type Result struct {
	CaseId          string              `json:"caseId"`
	PlanNumber      string              `json:"planNumber,omitempty"`
	Address         string              `json:"address,omitempty"`
	PlanUrl         string              `json:"planUrl"`
	Folder          string              `json:"folder"`
	DiscoveryTier   discover.Tier       `json:"discoveryTier"`
	PlanDetails     map[string]any      `json:"planDetails,omitempty"`
	Contacts        []map[string]any    `json:"contacts"`
	Inspections     []map[string]any    `json:"inspections"`
	Summary         map[string]string   `json:"summary"`
	Attachments     []attachment.Record `json:"attachments"`
	DownloadedFiles []string            `json:"downloadedFiles"`
	Outcomes        []download.Outcome  `json:"outcomes"`
	ExtractedData   []document.Document `json:"extractedData"`
	Timestamp       string              `json:"timestamp"`
}

func (r Result) Downloaded() int {
	return len(r.DownloadedFiles)
}

// resolveCase maps an identifier to its case key, falling back to the search
// page when the search api has no answer.
func (o *Orchestrator) resolveCase(ctx context.Context, page browser.Page, identifier string) (string, error) {
	if portal.IsCaseKey(identifier) {
		return identifier, nil
	}

	caseId, apiErr := o.portal.ResolveCaseKey(ctx, identifier)
	if apiErr == nil {
		return caseId, nil
	}
	o.tel.ReportDebug(report_resolve_fallback, "plan_number", identifier, "err", apiErr)

	err := page.Navigate(ctx, o.portal.SearchPageUrl(identifier))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", portal.ErrIdentifierResolution, identifier, err)
	}
	location, err := page.Location(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", portal.ErrIdentifierResolution, identifier, err)
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", portal.ErrIdentifierResolution, identifier, err)
	}
	caseId = portal.CaseKeyFromPage(location, html, identifier)
	if caseId == "" {
		return "", apiErr
	}
	return caseId, nil
}

// ScrapeOne acquires every attachment of one case and persists the result.
// identifier is either a case key or a plan number.
func (o *Orchestrator) ScrapeOne(ctx context.Context, identifier string) (Result, error) {
	ctx, span := tracer.Start(ctx, "ScrapeOne")
	defer span.End()
	span.SetAttributes(attribute.String("identifier", identifier))

	started := o.time.Now()

	page, err := o.browser.Open(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open page")
		return Result{}, err
	}
	defer func() {
		err := page.Close()
		if err != nil {
			o.tel.ReportWarning(report_page_close, identifier, err)
		}
	}()

	planNumber := ""
	if !portal.IsCaseKey(identifier) {
		planNumber = identifier
	}
	caseId, err := o.resolveCase(ctx, page, identifier)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to resolve identifier")
		return Result{}, err
	}
	span.SetAttributes(attribute.String("case_id", caseId))

	discovery, err := o.discoverer.Discover(ctx, page, caseId)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to discover attachments")
		return Result{}, err
	}

	cookies, err := page.Cookies(ctx)
	if err != nil {
		o.tel.ReportWarning(report_cookies, caseId, err)
	}

	details, err := o.portal.PlanDetails(ctx, caseId, cookies)
	if err != nil {
		o.tel.ReportDebug(report_plan_details, "case", caseId, "err", err)
	}
	contacts, err := o.portal.Contacts(ctx, caseId, cookies)
	if err != nil {
		o.tel.ReportDebug(report_contacts, "case", caseId, "err", err)
	}
	inspections, err := o.portal.Inspections(ctx, caseId, cookies)
	if err != nil {
		o.tel.ReportDebug(report_inspections, "case", caseId, "err", err)
	}
	if planNumber == "" {
		planNumber = details.PlanNumber
	}
	if planNumber == "" {
		planNumber = o.previousPlanNumber(caseId)
	}
	if planNumber == "" {
		planNumber = attachment.PlanNumberFromNames(discovery.Records)
	}

	folder := o.settleFolder(caseId, planNumber)

	outcomes := o.resolver.Resolve(ctx, download.Case{
		Folder: folder,
		Page:   page,
		Session: func(ctx context.Context) (*resty.Client, error) {
			return o.portal.SessionClient(cookies)
		},
	}, discovery.Records)

	summary := map[string]string{}
	var extracted []document.Document
	for _, outcome := range outcomes {
		if !outcome.Success || !document.Supported(outcome.LocalPath) {
			continue
		}
		doc := o.extractor.Extract(ctx, outcome.LocalPath)
		if doc.Err != nil {
			o.tel.ReportWarning(report_extract, caseId, doc.Err)
		}
		patterns.Merge(summary, doc.KeyData)
		extracted = append(extracted, doc)
	}

	if planNumber == "" && summary["plan_number"] != "" {
		planNumber = summary["plan_number"]
		settled := o.settleFolder(caseId, planNumber)
		if settled != folder {
			relocate(outcomes, folder, settled)
			folder = settled
		}
	}

	result := Result{
		CaseId:          caseId,
		PlanNumber:      planNumber,
		Address:         details.Address,
		PlanUrl:         o.portal.PlanUrl(caseId),
		Folder:          folder,
		DiscoveryTier:   discovery.Tier,
		PlanDetails:     details.Raw,
		Contacts:        nonNil(contacts),
		Inspections:     nonNil(inspections),
		Summary:         summary,
		Attachments:     nonNil(discovery.Records),
		DownloadedFiles: []string{},
		Outcomes:        nonNil(outcomes),
		ExtractedData:   nonNil(extracted),
		Timestamp:       o.time.Now().Format(time.RFC3339),
	}
	for _, outcome := range outcomes {
		if outcome.Success {
			result.DownloadedFiles = append(result.DownloadedFiles, outcome.LocalPath)
		}
	}

	err = o.persist(ctx, result, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist result")
		return result, err
	}

	o.scraped.Add(ctx, 1)
	o.tel.ReportDebug(report_scraped,
		"case", caseId,
		"plan_number", planNumber,
		"tier", discovery.Tier,
		"downloaded", result.Downloaded(),
		"total", len(result.Attachments),
	)
	return result, nil
}

// previousPlanNumber reads the plan number an earlier run persisted for the
// case, it may have been learned from document text after that run's downloads.
func (o *Orchestrator) previousPlanNumber(caseId string) string {
	contents, err := os.ReadFile(o.resultPath(caseId))
	if err != nil {
		return ""
	}
	var previous struct {
		PlanNumber string `json:"planNumber"`
	}
	err = json.Unmarshal(contents, &previous)
	if err != nil {
		o.tel.ReportWarning(report_previous_result, caseId, err)
		return ""
	}
	return previous.PlanNumber
}

func (o *Orchestrator) resultPath(caseId string) string {
	return filepath.Join(o.outputRoot, caseId+".json")
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// relocate rewrites the local paths of outcomes after their folder was renamed.
func relocate(outcomes []download.Outcome, from, to string) {
	for i, o := range outcomes {
		if o.LocalPath == "" {
			continue
		}
		rel, err := filepath.Rel(from, o.LocalPath)
		if err != nil {
			continue
		}
		outcomes[i].LocalPath = filepath.Join(to, rel)
	}
}

// Metadata is written next to the downloaded files of a case.
type Metadata struct {
	CaseId          string   `json:"caseId"`
	PlanNumber      string   `json:"planNumber,omitempty"`
	DownloadedAt    string   `json:"downloadedAt"`
	Total           int      `json:"total"`
	Downloaded      int      `json:"downloaded"`
	Files           []string `json:"files"`
	DurationSeconds float64  `json:"durationSeconds"`
}

const MetadataFile = "_metadata.json"

func (o *Orchestrator) persist(ctx context.Context, result Result, started time.Time) error {
	now := o.time.Now()
	files := make([]string, 0, len(result.Attachments))
	for _, a := range result.Attachments {
		files = append(files, a.FileName)
	}
	duration := now.Sub(started).Seconds()

	err := osutil.WriteJSONAtomic(filepath.Join(result.Folder, MetadataFile), Metadata{
		CaseId:          result.CaseId,
		PlanNumber:      result.PlanNumber,
		DownloadedAt:    now.Format(time.RFC3339),
		Total:           len(result.Attachments),
		Downloaded:      result.Downloaded(),
		Files:           files,
		DurationSeconds: float64(int(duration*10)) / 10,
	})
	if err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	err = osutil.WriteJSONAtomic(o.resultPath(result.CaseId), result)
	if err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	if o.index == nil {
		return nil
	}
	err = o.index.Put(ctx, store.Record{
		CaseId:     result.CaseId,
		PlanNumber: result.PlanNumber,
		Folder:     result.Folder,
		Total:      len(result.Attachments),
		Downloaded: result.Downloaded(),
		Summary:    result.Summary,
		ScrapedAt:  now,
	})
	if err != nil {
		o.tel.ReportWarning(report_index, result.CaseId, err)
	}
	return nil
}
