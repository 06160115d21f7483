package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"planscraper/internal/components/telemetry"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("planscraper/internal/browser")

const (
	report_response_body = "page.response-body"
	report_download      = "page.download"
	report_close         = "page.close"
)

type ChromeOptions struct {
	Headless          bool
	ExecPath          string
	UserAgent         string
	SettleDelay       time.Duration
	NavigationTimeout time.Duration
}

// Chrome is a headless (or visible) Chrome process that pages are opened in.
type Chrome struct {
	browserCtx    context.Context
	cancelAlloc   context.CancelFunc
	cancelBrowser context.CancelFunc
	opts          ChromeOptions
	tel           telemetry.API
}

// Launch starts the browser process. A failure here is the only unrecoverable
// condition of a scrape and is reported as ErrSessionStart.
func Launch(ctx context.Context, opts ChromeOptions, tel telemetry.API) (*Chrome, error) {
	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(1920, 1080),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	err := chromedp.Run(browserCtx)
	if err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("%w: %w", ErrSessionStart, err)
	}

	return &Chrome{
		browserCtx:    browserCtx,
		cancelAlloc:   cancelAlloc,
		cancelBrowser: cancelBrowser,
		opts:          opts,
		tel:           telemetry.NewScopedAPI("browser", tel),
	}, nil
}

func (c *Chrome) Close() error {
	c.cancelBrowser()
	c.cancelAlloc()
	return nil
}

// Open creates a new tab with network events and download events enabled.
func (c *Chrome) Open(ctx context.Context) (Page, error) {
	downloadDir, err := os.MkdirTemp("", "planscraper-downloads-")
	if err != nil {
		return nil, err
	}

	tabCtx, cancel := chromedp.NewContext(c.browserCtx)
	p := &chromePage{
		ctx:         tabCtx,
		cancel:      cancel,
		opts:        c.opts,
		tel:         c.tel,
		downloadDir: downloadDir,
		pending:     map[network.RequestID]pendingResponse{},
	}
	chromedp.ListenTarget(tabCtx, p.onEvent)

	err = p.run(ctx,
		network.Enable(),
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(downloadDir).
			WithEventsEnabled(true),
	)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: open page: %w", ErrSessionStart, err)
	}
	return p, nil
}

type pendingResponse struct {
	url       string
	status    int
	recorders []*Recorder
}

type downloadResult struct {
	guid  string
	state cdpbrowser.DownloadProgressState
}

type chromePage struct {
	ctx         context.Context
	cancel      context.CancelFunc
	opts        ChromeOptions
	tel         telemetry.API
	downloadDir string

	mutex     sync.Mutex
	recorders []*Recorder
	pending   map[network.RequestID]pendingResponse
	waiter    chan downloadResult
	inflight  atomic.Int64
}

// run executes actions on the tab while honoring the caller's cancellation
// and deadline. Cancelling a context derived from the tab does not close it.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *chromePage) onEvent(ev any) {
	switch ev := ev.(type) {
	case *network.EventResponseReceived:
		p.mutex.Lock()
		var matched []*Recorder
		for _, r := range p.recorders {
			if r.Matches(ev.Response.URL) {
				matched = append(matched, r)
			}
		}
		if len(matched) > 0 {
			p.pending[ev.RequestID] = pendingResponse{
				url:       ev.Response.URL,
				status:    int(ev.Response.Status),
				recorders: matched,
			}
		}
		p.mutex.Unlock()

	case *network.EventLoadingFinished:
		p.mutex.Lock()
		res, ok := p.pending[ev.RequestID]
		delete(p.pending, ev.RequestID)
		p.mutex.Unlock()
		if !ok {
			return
		}
		// listeners must not block, bodies are fetched on their own goroutine
		p.inflight.Add(1)
		go p.fetchBody(ev.RequestID, res)

	case *network.EventLoadingFailed:
		p.mutex.Lock()
		delete(p.pending, ev.RequestID)
		p.mutex.Unlock()

	case *cdpbrowser.EventDownloadProgress:
		if ev.State == cdpbrowser.DownloadProgressStateInProgress {
			return
		}
		p.mutex.Lock()
		waiter := p.waiter
		p.mutex.Unlock()
		if waiter == nil {
			return
		}
		select {
		case waiter <- downloadResult{guid: ev.GUID, state: ev.State}:
		default:
		}
	}
}

func (p *chromePage) fetchBody(id network.RequestID, res pendingResponse) {
	defer p.inflight.Add(-1)

	var body []byte
	err := chromedp.Run(p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	if err != nil {
		p.tel.ReportWarning(report_response_body, res.url, err)
		return
	}
	for _, r := range res.recorders {
		r.Record(Response{Url: res.url, Status: res.status, Body: body})
	}
}

func (p *chromePage) Observe(ctx context.Context, match func(url string) bool) (*Recorder, error) {
	// network.Enable is idempotent, running it here means the domain is
	// guaranteed to be live once the recorder is registered
	err := p.run(ctx, network.Enable())
	if err != nil {
		return nil, err
	}
	return p.attach(match), nil
}

func (p *chromePage) attach(match func(url string) bool) *Recorder {
	recorder := NewRecorder(match)
	recorder.onStop = func() { p.detach(recorder) }
	p.mutex.Lock()
	p.recorders = append(p.recorders, recorder)
	p.mutex.Unlock()
	return recorder
}

func (p *chromePage) detach(recorder *Recorder) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.recorders = slices.DeleteFunc(p.recorders, func(r *Recorder) bool {
		return r == recorder
	})
}

// waitBodies waits for in-flight response body fetches to finish.
func (p *chromePage) waitBodies(ctx context.Context) {
	deadline := time.Now().Add(5 * time.Second)
	for p.inflight.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	ctx, span := tracer.Start(ctx, "Navigate")
	defer span.End()
	span.SetAttributes(attribute.String("url", url))

	if p.opts.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.NavigationTimeout)
		defer cancel()
	}

	err := p.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(p.opts.SettleDelay),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "navigation failed")
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	p.waitBodies(ctx)
	return nil
}

func (p *chromePage) Location(ctx context.Context) (string, error) {
	var location string
	err := p.run(ctx, chromedp.Location(&location))
	return location, err
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *chromePage) Evaluate(ctx context.Context, script string, out any) error {
	return p.run(ctx, chromedp.Evaluate(script, out))
}

// xpathLiteral quotes s for use inside an xpath expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, `'`) {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, `'`)
	quoted := make([]string, 0, len(parts)*2)
	for i, part := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		quoted = append(quoted, "'"+part+"'")
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}

const clickFallbackScript = `(function (name) {
	const anchors = Array.from(document.querySelectorAll("a"));
	const el = anchors.find((a) => a.textContent.trim() === name)
		|| anchors.find((a) => a.textContent.includes(name))
		|| anchors.find((a) => (a.getAttribute("href") || "").includes(encodeURIComponent(name)));
	if (!el) {
		return false;
	}
	el.click();
	return true;
})(%s)`

func (p *chromePage) click(ctx context.Context, text string) error {
	var nodes []*cdp.Node
	xpath := fmt.Sprintf("//a[normalize-space(.)=%s]", xpathLiteral(text))
	err := p.run(ctx, chromedp.Nodes(xpath, &nodes, chromedp.BySearch, chromedp.AtLeast(0)))
	if err == nil && len(nodes) > 0 {
		err = p.run(ctx, chromedp.MouseClickNode(nodes[0]))
		if err == nil {
			return nil
		}
	}

	encoded, err := json.Marshal(text)
	if err != nil {
		return err
	}
	var clicked bool
	err = p.Evaluate(ctx, fmt.Sprintf(clickFallbackScript, encoded), &clicked)
	if err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("%w: %q", ErrElementNotFound, text)
	}
	return nil
}

func (p *chromePage) DownloadByText(ctx context.Context, text, dest string, timeout time.Duration) error {
	ctx, span := tracer.Start(ctx, "DownloadByText")
	defer span.End()
	span.SetAttributes(attribute.String("text", text))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	waiter := make(chan downloadResult, 1)
	p.mutex.Lock()
	p.waiter = waiter
	p.mutex.Unlock()
	defer func() {
		p.mutex.Lock()
		p.waiter = nil
		p.mutex.Unlock()
	}()

	err := p.click(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to click element")
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %q", ErrDownloadTimeout, text)
		}
		return err
	}

	select {
	case res := <-waiter:
		if res.state != cdpbrowser.DownloadProgressStateCompleted {
			return fmt.Errorf("download of %q ended in state %s", text, res.state)
		}
		err = moveFile(filepath.Join(p.downloadDir, res.guid), dest)
		if err != nil {
			p.tel.ReportBroken(report_download, text, err)
			return err
		}
		return nil
	case <-ctx.Done():
		span.SetStatus(codes.Error, "download timed out")
		return fmt.Errorf("%w: %q after %s", ErrDownloadTimeout, text, timeout)
	}
}

// moveFile renames src to dest, copying when they sit on different filesystems.
func moveFile(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return err
	}
	return os.Remove(src)
}

func (p *chromePage) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var cookies []*network.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}

	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out, nil
}

func (p *chromePage) Close() error {
	p.mutex.Lock()
	recorders := p.recorders
	p.recorders = nil
	p.mutex.Unlock()
	for _, r := range recorders {
		r.Stop()
	}

	p.cancel()
	err := os.RemoveAll(p.downloadDir)
	if err != nil {
		p.tel.ReportWarning(report_close, err)
	}
	return nil
}
