// Package download turns discovered attachment records into files on disk.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"planscraper/internal/attachment"
	"planscraper/internal/browser"
	"planscraper/internal/components/telemetry"
	"planscraper/lib/osutil"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("planscraper/internal/download")

var (
	ErrDownloadRejected = errors.New("download rejected")
	ErrDownloadTimeout  = errors.New("download timed out")
	ErrNoPage           = errors.New("no browser page for ui download")
)

const (
	report_rejected  = "rejected"
	report_failed    = "failed"
	report_trial     = "trial.failed"
	report_retry_ui  = "retry-ui"
	report_completed = "completed"
)

type Strategy string

const (
	StrategyExisting Strategy = "existing"
	StrategyDirect   Strategy = "direct"
	StrategySession  Strategy = "session"
	StrategyUI       Strategy = "ui"
)

type Outcome struct {
	Attachment attachment.Record `json:"attachment"`
	Strategy   Strategy          `json:"strategy,omitempty"`
	Success    bool              `json:"success"`
	LocalPath  string            `json:"localPath,omitempty"`
	Error      string            `json:"error,omitempty"`

	Err error `json:"-"`
}

func (o *Outcome) succeed(strategy Strategy, path string) {
	o.Strategy = strategy
	o.Success = true
	o.LocalPath = path
	o.Err = nil
	o.Error = ""
}

func (o *Outcome) fail(strategy Strategy, err error) {
	o.Strategy = strategy
	o.Success = false
	o.LocalPath = ""
	o.Err = err
	o.Error = err.Error()
}

type Options struct {
	// Parallel bounds the direct fan-out after a successful trial download.
	Parallel int
	// MinBytes is the smallest body accepted as a real document.
	MinBytes         int
	UITimeout        time.Duration
	RetryFailedViaUI bool
}

func DefaultOptions() Options {
	return Options{
		Parallel:         10,
		MinBytes:         100,
		UITimeout:        10 * time.Second,
		RetryFailedViaUI: true,
	}
}

// SessionFactory builds a client carrying the browsing session's cookies.
type SessionFactory func(ctx context.Context) (*resty.Client, error)

// Case is everything the resolver needs to know about the case being
// downloaded.
type Case struct {
	Folder  string
	Page    browser.Page
	Session SessionFactory
}

type Resolver struct {
	opts   Options
	direct *resty.Client
	tel    telemetry.API
}

func NewResolver(opts Options, direct *resty.Client, tel telemetry.API) Resolver {
	if opts.Parallel <= 0 {
		opts.Parallel = 1
	}
	return Resolver{
		opts:   opts,
		direct: direct,
		tel:    telemetry.NewScopedAPI("download", tel),
	}
}

// lazySession calls the factory at most once per case.
type lazySession struct {
	once    sync.Once
	factory SessionFactory
	client  *resty.Client
	err     error
}

func (s *lazySession) get(ctx context.Context) (*resty.Client, error) {
	s.once.Do(func() {
		if s.factory == nil {
			s.err = errors.New("no browsing session")
			return
		}
		s.client, s.err = s.factory(ctx)
	})
	return s.client, s.err
}

// Resolve downloads every record into the case folder. The returned outcomes
// are in record order, a failure of one record never affects the others.
func (r Resolver) Resolve(ctx context.Context, c Case, records []attachment.Record) []Outcome {
	ctx, span := tracer.Start(ctx, "Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("folder", c.Folder),
		attribute.Int("records", len(records)),
	)

	outcomes := make([]Outcome, len(records))
	for i, record := range records {
		outcomes[i].Attachment = record
	}

	err := os.MkdirAll(c.Folder, 0755)
	if err != nil {
		for i := range outcomes {
			outcomes[i].fail("", err)
		}
		return outcomes
	}

	var missing []int
	for i, record := range records {
		path := attachment.LocalPath(c.Folder, record)
		if osutil.FileExists(path) {
			outcomes[i].succeed(StrategyExisting, path)
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return outcomes
	}

	session := &lazySession{factory: c.Session}
	trial, rest := missing[0], missing[1:]
	r.fetch(ctx, c.Folder, session, &outcomes[trial])

	if !outcomes[trial].Success {
		r.tel.ReportWarning(report_trial, records[trial].FileName, outcomes[trial].Err)
		for _, i := range missing {
			r.viaUI(ctx, c, &outcomes[i])
		}
		r.report(outcomes)
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(r.opts.Parallel)
	for _, i := range rest {
		g.Go(func() error {
			r.fetch(ctx, c.Folder, session, &outcomes[i])
			return nil
		})
	}
	_ = g.Wait()

	if r.opts.RetryFailedViaUI {
		for _, i := range rest {
			if outcomes[i].Success {
				continue
			}
			r.tel.ReportDebug(report_retry_ui, "file", records[i].FileName, "err", outcomes[i].Err)
			r.viaUI(ctx, c, &outcomes[i])
		}
	}

	r.report(outcomes)
	return outcomes
}

func (r Resolver) report(outcomes []Outcome) {
	var ok int64
	for _, o := range outcomes {
		if o.Success {
			ok++
			continue
		}
		r.tel.ReportWarning(report_failed, o.Attachment.FileName, o.Err)
	}
	r.tel.ReportCount(report_completed, ok)
}

// fetch tries the direct and then the session tier.
func (r Resolver) fetch(ctx context.Context, folder string, session *lazySession, o *Outcome) {
	dest := attachment.LocalPath(folder, o.Attachment)

	directErr := r.get(ctx, r.direct, o.Attachment.DownloadUrl, dest)
	if directErr == nil {
		o.succeed(StrategyDirect, dest)
		return
	}

	client, err := session.get(ctx)
	if err != nil {
		o.fail(StrategySession, errors.Join(directErr, err))
		return
	}
	sessionErr := r.get(ctx, client, o.Attachment.DownloadUrl, dest)
	if sessionErr == nil {
		o.succeed(StrategySession, dest)
		return
	}
	o.fail(StrategySession, sessionErr)
}

func (r Resolver) get(ctx context.Context, client *resty.Client, url, dest string) error {
	if url == "" {
		return fmt.Errorf("%w: no download url", ErrDownloadRejected)
	}
	if client == nil {
		return errors.New("no http client")
	}

	res, err := client.R().SetContext(ctx).Get(url)
	if err != nil {
		return err
	}
	if res.StatusCode() < http.StatusOK || res.StatusCode() >= http.StatusMultipleChoices {
		r.tel.ReportDebug(report_rejected, "url", url, "status", res.StatusCode())
		return fmt.Errorf("%w: %s returned %s", ErrDownloadRejected, url, res.Status())
	}
	body := res.Body()
	if len(body) < r.opts.MinBytes {
		r.tel.ReportDebug(report_rejected, "url", url, "size", len(body))
		return fmt.Errorf("%w: %s returned only %d bytes", ErrDownloadRejected, url, len(body))
	}
	return osutil.WriteFileAtomic(dest, body, 0644)
}

// viaUI clicks the element named after the file and waits for the browser
// download, writing it under a temporary name first.
func (r Resolver) viaUI(ctx context.Context, c Case, o *Outcome) {
	if c.Page == nil {
		o.fail(StrategyUI, ErrNoPage)
		return
	}

	dest := attachment.LocalPath(c.Folder, o.Attachment)
	partial := filepath.Join(c.Folder, "."+filepath.Base(dest)+".partial")
	err := c.Page.DownloadByText(ctx, o.Attachment.FileName, partial, r.opts.UITimeout)
	if errors.Is(err, browser.ErrDownloadTimeout) {
		err = fmt.Errorf("%w: %w", ErrDownloadTimeout, err)
	}
	if err == nil {
		err = os.Rename(partial, dest)
	}
	if err != nil {
		os.Remove(partial)
		o.fail(StrategyUI, err)
		return
	}
	o.succeed(StrategyUI, dest)
}
