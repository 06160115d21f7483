// Package browsertest provides an in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"planscraper/internal/browser"
)

// Page is a scripted browser.Page. Navigating to a url replays the responses
// registered for it into any attached recorders and swaps in its html.
type Page struct {
	mutex sync.Mutex

	// Responses are replayed into matching recorders when their page url is navigated to.
	Responses map[string][]browser.Response
	// Pages maps a url to the html rendered after navigating to it.
	Pages map[string]string
	// Scripts maps a script (or a substring of it) to the JSON value Evaluate decodes.
	Scripts map[string]string
	// Downloads maps visible element text to the bytes a click produces.
	Downloads map[string][]byte
	CookieJar []*http.Cookie

	// Redirects maps a navigated url to the url the page ends up at.
	Redirects map[string]string

	recorders []*browser.Recorder
	location  string
	html      string

	Navigations []string
	Clicks      []string
	Observed    int
	Closed      bool
}

func NewPage() *Page {
	return &Page{
		Responses: map[string][]browser.Response{},
		Pages:     map[string]string{},
		Scripts:   map[string]string{},
		Downloads: map[string][]byte{},
		Redirects: map[string]string{},
	}
}

func (p *Page) Observe(ctx context.Context, match func(url string) bool) (*browser.Recorder, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	recorder := browser.NewRecorder(match)
	p.recorders = append(p.recorders, recorder)
	p.Observed++
	return recorder, nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.Navigations = append(p.Navigations, url)
	for _, res := range p.Responses[url] {
		for _, r := range p.recorders {
			if r.Matches(res.Url) {
				r.Record(res)
			}
		}
	}
	p.location = url
	if redirect, ok := p.Redirects[url]; ok {
		p.location = redirect
	}
	p.html = p.Pages[url]
	return nil
}

func (p *Page) Location(ctx context.Context) (string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.location, nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.html == "" {
		return "<html><head></head><body></body></html>", nil
	}
	return p.html, nil
}

func (p *Page) Evaluate(ctx context.Context, script string, out any) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for key, value := range p.Scripts {
		if key != "" && strings.Contains(script, key) {
			return json.Unmarshal([]byte(value), out)
		}
	}
	return json.Unmarshal([]byte("null"), out)
}

func (p *Page) DownloadByText(ctx context.Context, text, dest string, timeout time.Duration) error {
	p.mutex.Lock()
	p.Clicks = append(p.Clicks, text)
	body, ok := p.Downloads[text]
	p.mutex.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", browser.ErrElementNotFound, text)
	}
	if body == nil {
		return fmt.Errorf("%w: %q after %s", browser.ErrDownloadTimeout, text, timeout)
	}
	return os.WriteFile(dest, body, 0644)
}

func (p *Page) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.CookieJar, nil
}

func (p *Page) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.Closed = true
	return nil
}

// Opener hands out pages from a constructor so each case gets a fresh one.
type Opener struct {
	mutex sync.Mutex
	New   func() *Page
	Err   error

	Opened []*Page
}

func (o *Opener) Open(ctx context.Context) (browser.Page, error) {
	if o.Err != nil {
		return nil, o.Err
	}
	page := o.New()
	o.mutex.Lock()
	o.Opened = append(o.Opened, page)
	o.mutex.Unlock()
	return page, nil
}
