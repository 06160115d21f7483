// Package discover finds the attachments of a case on its rendered portal
// page, falling back through progressively cruder sources.
package discover

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"planscraper/internal/attachment"
	"planscraper/internal/browser"
	"planscraper/internal/components/telemetry"
	"planscraper/lib/htmlutil"
	"planscraper/lib/textutil"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("planscraper/internal/discover")

const (
	report_tier_failed = "tier.failed"
	report_discovered  = "discovered"
	report_empty       = "empty"
)

type Tier string

const (
	TierIntercepted Tier = "intercepted"
	TierDOM         Tier = "dom"
	TierModel       Tier = "model"
	TierLeaf        Tier = "leaf"
	// TierNone means every tier came up empty.
	TierNone Tier = "none"
)

// Portal is the part of the portal's url conventions discovery depends on.
type Portal interface {
	AttachmentsPageUrl(caseId string) string
	IsAttachmentListing(url string) bool
	AttachmentDownloadUrl(attachmentId string) string
}

type Result struct {
	Tier    Tier
	Records []attachment.Record
}

type Discoverer struct {
	portal Portal
	tel    telemetry.API
}

func NewDiscoverer(portal Portal, tel telemetry.API) Discoverer {
	return Discoverer{
		portal: portal,
		tel:    telemetry.NewScopedAPI("discover", tel),
	}
}

type tierFunc func(ctx context.Context, page browser.Page, recorder *browser.Recorder) ([]attachment.Record, error)

// Discover navigates page to the case's attachments view and returns the
// records of the first tier that produces any pdf. Only a failed navigation
// is an error, an empty result is reported as TierNone.
func (d Discoverer) Discover(ctx context.Context, page browser.Page, caseId string) (Result, error) {
	ctx, span := tracer.Start(ctx, "Discover")
	defer span.End()
	span.SetAttributes(attribute.String("case_id", caseId))

	recorder, err := page.Observe(ctx, d.portal.IsAttachmentListing)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to observe responses")
		return Result{}, err
	}
	err = page.Navigate(ctx, d.portal.AttachmentsPageUrl(caseId))
	recorder.Stop()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to navigate to attachments")
		return Result{}, fmt.Errorf("navigate to attachments of %s: %w", caseId, err)
	}

	base := d.pageBase(ctx, page)

	tiers := []struct {
		tier Tier
		run  tierFunc
	}{
		{TierIntercepted, interceptedTier},
		{TierDOM, domTier},
		{TierModel, modelTier},
		{TierLeaf, leafTier},
	}
	for _, t := range tiers {
		records, err := t.run(ctx, page, recorder)
		if err != nil {
			d.tel.ReportWarning(report_tier_failed, caseId, string(t.tier), err)
			continue
		}
		records = attachment.FilterDocuments(attachment.Dedupe(records))
		if len(records) == 0 {
			continue
		}
		for i := range records {
			records[i].DownloadUrl = d.downloadUrl(base, records[i])
		}

		span.SetAttributes(
			attribute.String("tier", string(t.tier)),
			attribute.Int("records", len(records)),
		)
		d.tel.ReportDebug(report_discovered, "case", caseId, "tier", t.tier, "count", len(records))
		return Result{Tier: t.tier, Records: records}, nil
	}

	d.tel.ReportWarning(report_empty, caseId)
	return Result{Tier: TierNone}, nil
}

func (d Discoverer) pageBase(ctx context.Context, page browser.Page) *url.URL {
	location, err := page.Location(ctx)
	if err != nil {
		return nil
	}
	base, err := url.Parse(location)
	if err != nil || base.Host == "" {
		return nil
	}
	return base
}

// downloadUrl resolves the record's url against base, or falls back to the
// portal's id based url.
func (d Discoverer) downloadUrl(base *url.URL, r attachment.Record) string {
	raw := strings.TrimSpace(r.DownloadUrl)
	if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(strings.ToLower(raw), "javascript:") {
		return d.portal.AttachmentDownloadUrl(r.Id)
	}
	link, err := url.Parse(raw)
	if err != nil {
		return d.portal.AttachmentDownloadUrl(r.Id)
	}
	if base != nil {
		link = base.ResolveReference(link)
	}
	return link.String()
}

func interceptedTier(ctx context.Context, page browser.Page, recorder *browser.Recorder) ([]attachment.Record, error) {
	var records []attachment.Record
	for _, res := range recorder.Responses() {
		if res.Status < 200 || res.Status >= 300 {
			continue
		}
		records = append(records, ParsePayload(res.Body)...)
	}
	return records, nil
}

func renderedDocument(ctx context.Context, page browser.Page) (*goquery.Document, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

func domTier(ctx context.Context, page browser.Page, _ *browser.Recorder) ([]attachment.Record, error) {
	doc, err := renderedDocument(ctx, page)
	if err != nil {
		return nil, err
	}

	var records []attachment.Record
	for _, anchor := range htmlutil.GetAnchors(ctx, doc.Find("a"), nil) {
		href := strings.TrimSpace(anchor.Href)
		switch {
		case textutil.HasSuffixFold(anchor.Name, attachment.Extension):
			records = append(records, attachment.Record{FileName: anchor.Name, DownloadUrl: href})
		case textutil.HasSuffixFold(href, attachment.Extension):
			records = append(records, attachment.Record{FileName: hrefFileName(href), DownloadUrl: href})
		}
	}
	return records, nil
}

func hrefFileName(href string) string {
	link, err := url.Parse(href)
	if err == nil && link.Path != "" {
		href = link.Path
	}
	name := href[strings.LastIndex(href, "/")+1:]
	unescaped, err := url.PathUnescape(name)
	if err == nil {
		name = unescaped
	}
	return name
}

// modelScript walks the Angular scopes of attachment containers looking for
// the array the page renders its attachment list from.
const modelScript = `(() => {
	if (typeof angular === 'undefined') return null;
	const looksLikeAttachments = (value) => Array.isArray(value) && value.length > 0 &&
		value[0] !== null && typeof value[0] === 'object' &&
		('AttachmentId' in value[0] || 'DocumentId' in value[0] || 'FileName' in value[0]);
	const nodes = document.querySelectorAll('[ng-controller*="Attachment"], .attachment-list, [class*="attachment"]');
	for (const node of nodes) {
		let scope;
		try {
			scope = angular.element(node).scope();
		} catch (e) {
			continue;
		}
		for (let depth = 0; scope && depth <= 3; depth++, scope = scope.$parent) {
			for (const key of Object.keys(scope)) {
				if (key.startsWith('$')) continue;
				let value = scope[key];
				if (looksLikeAttachments(value)) {
					return JSON.parse(JSON.stringify(value));
				}
			}
		}
	}
	return null;
})()`

func modelTier(ctx context.Context, page browser.Page, _ *browser.Recorder) ([]attachment.Record, error) {
	var values []any
	err := page.Evaluate(ctx, modelScript, &values)
	if err != nil {
		return nil, err
	}
	return fromValues(values), nil
}

func leafTier(ctx context.Context, page browser.Page, _ *browser.Recorder) ([]attachment.Record, error) {
	doc, err := renderedDocument(ctx, page)
	if err != nil {
		return nil, err
	}

	var records []attachment.Record
	htmlutil.LeafElements(doc.Selection).Each(func(_ int, s *goquery.Selection) {
		text := htmlutil.CleanText(s.Text())
		if !textutil.HasSuffixFold(text, attachment.Extension) {
			return
		}
		records = append(records, attachment.Record{
			FileName:    text,
			DownloadUrl: htmlutil.ClosestHref(s),
		})
	})
	return records, nil
}
