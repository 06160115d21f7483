// Package browser drives the rendered portal pages that attachment discovery
// and UI downloads need.
package browser

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

var (
	ErrSessionStart    = errors.New("failed to start browser session")
	ErrElementNotFound = errors.New("no element with matching text")
	ErrDownloadTimeout = errors.New("download did not complete in time")
)

// Response is a network response captured while a page was loading.
type Response struct {
	Url    string
	Status int
	Body   []byte
}

// Page is one browser tab, it is not safe for concurrent use.
type Page interface {
	// Observe registers a recorder for responses whose url matches. It only
	// returns once the recorder is attached, so a Navigate issued afterwards
	// cannot race past it.
	Observe(ctx context.Context, match func(url string) bool) (*Recorder, error)
	// Navigate loads the url and waits until the page has settled.
	Navigate(ctx context.Context, url string) error
	// Location returns the page's current url.
	Location(ctx context.Context) (string, error)
	// HTML returns the rendered document.
	HTML(ctx context.Context) (string, error)
	// Evaluate runs a script in the page and decodes its result into out.
	Evaluate(ctx context.Context, script string, out any) error
	// DownloadByText clicks the element whose visible text is text and saves
	// the resulting download to dest.
	DownloadByText(ctx context.Context, text, dest string, timeout time.Duration) error
	// Cookies returns the cookies the page currently holds.
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	Close() error
}

// Opener opens new pages.
type Opener interface {
	Open(ctx context.Context) (Page, error)
}

// Recorder collects matching responses, it is safe for concurrent use.
type Recorder struct {
	match     func(url string) bool
	mutex     sync.Mutex
	responses []Response
	closed    bool
	onStop    func()
}

func NewRecorder(match func(url string) bool) *Recorder {
	return &Recorder{match: match}
}

func (r *Recorder) Matches(url string) bool {
	return r.match == nil || r.match(url)
}

// Record stores the response if the recorder has not been stopped.
func (r *Recorder) Record(res Response) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed {
		return
	}
	r.responses = append(r.responses, res)
}

// Stop prevents further responses from being recorded and detaches the
// recorder from the page that created it. Calling it again is a no-op.
func (r *Recorder) Stop() {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return
	}
	r.closed = true
	onStop := r.onStop
	r.onStop = nil
	r.mutex.Unlock()

	if onStop != nil {
		onStop()
	}
}

// Responses returns a snapshot of what was recorded so far.
func (r *Recorder) Responses() []Response {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Response(nil), r.responses...)
}
