package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"planscraper/internal/components/chrono"
	"planscraper/internal/components/telemetry"
	"planscraper/internal/jobs"
	"planscraper/internal/orchestrator"
	"planscraper/internal/portal"
	"planscraper/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type fakeScraper struct {
	root   string
	failed map[string]bool

	mutex     sync.Mutex
	summaries []orchestrator.BatchSummary
}

func (f *fakeScraper) OutputRoot() string {
	return f.root
}

func (f *fakeScraper) ScrapeOne(ctx context.Context, id string) (orchestrator.Result, error) {
	if f.failed[id] {
		return orchestrator.Result{}, fmt.Errorf("%w: %s", portal.ErrIdentifierResolution, id)
	}
	return orchestrator.Result{
		CaseId:          id,
		PlanNumber:      "Z" + id,
		DownloadedFiles: []string{"a.pdf", "b.pdf"},
	}, nil
}

func (f *fakeScraper) ScrapeBatch(ctx context.Context, ids []string, opts orchestrator.BatchOptions) (orchestrator.BatchSummary, error) {
	summary := orchestrator.BatchSummary{Total: len(ids), Completed: []string{}, Failed: []orchestrator.Failure{}}
	for i, id := range ids {
		next := ""
		if i+1 < len(ids) {
			next = ids[i+1]
		}
		result, err := f.ScrapeOne(ctx, id)
		p := orchestrator.Progress{Index: i + 1, Total: len(ids), Id: id, Next: next}
		if err != nil {
			p.Err = fmt.Errorf("%w: %w", orchestrator.ErrBatchItem, err)
			summary.Failed = append(summary.Failed, orchestrator.Failure{Id: id, Error: p.Err.Error()})
		} else {
			p.Result = &result
			summary.Completed = append(summary.Completed, id)
		}
		opts.Sink(p)
	}
	f.mutex.Lock()
	f.summaries = append(f.summaries, summary)
	f.mutex.Unlock()
	return summary, nil
}

type fakeFinder map[string]store.Record

func (f fakeFinder) FindByPlan(ctx context.Context, planNumber string) (store.Record, error) {
	r, ok := f[planNumber]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return r, nil
}

type fixture struct {
	scraper  *fakeScraper
	registry *jobs.MemoryRegistry
	server   *httptest.Server
	done     chan orchestrator.BatchSummary
}

func newFixture(t *testing.T, finder Finder) fixture {
	scraper := &fakeScraper{root: t.TempDir(), failed: map[string]bool{"bad": true}}
	registry := jobs.NewMemoryRegistry(16, time.Hour, chrono.NewStandardTime())
	done := make(chan orchestrator.BatchSummary, 4)

	handler := NewHandler(context.Background(), scraper, registry, Options{
		Finder: finder,
		OnBatchDone: func(ctx context.Context, summary orchestrator.BatchSummary) {
			done <- summary
		},
	}, telemetry.NewTestAPI())

	server := httptest.NewServer(handler.Mux())
	t.Cleanup(server.Close)
	return fixture{scraper: scraper, registry: registry, server: server, done: done}
}

func getJSON(t *testing.T, url string, out any) int {
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, "application/json", res.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	return res.StatusCode
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	var body map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/health", &body))
	require.Equal(t, "ok", body["status"])
}

func TestDownload(t *testing.T) {
	f := newFixture(t, nil)

	var result orchestrator.Result
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/download/case-1", &result))
	require.Equal(t, "case-1", result.CaseId)
	require.Equal(t, 2, result.Downloaded())

	var failure map[string]string
	require.Equal(t, http.StatusNotFound, getJSON(t, f.server.URL+"/download/bad", &failure))
	require.Contains(t, failure["error"], "bad")
}

func TestBatchLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	res, err := http.Post(
		f.server.URL+"/batch",
		"application/json",
		strings.NewReader(`{"caseIds": ["one", "bad", "", "three"]}`),
	)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	var queued BatchResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&queued))
	require.Len(t, queued.JobId, 8)
	require.Equal(t, jobs.StatusQueued, queued.Status)
	require.Equal(t, 3, queued.Total)
	require.Equal(t, "/status/"+queued.JobId, queued.CheckStatus)

	select {
	case summary := <-f.done:
		require.Equal(t, []string{"one", "three"}, summary.Completed)
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}

	var status StatusResponse
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/status/"+queued.JobId, &status))
	require.Equal(t, jobs.StatusCompleted, status.Status)
	require.Equal(t, "3/3", status.Progress)
	require.Empty(t, status.Current)
	require.NotNil(t, status.StartedAt)
	require.NotNil(t, status.CompletedAt)

	diff := cmp.Diff([]jobs.ItemResult{
		{CaseId: "one", PlanNumber: "Zone", Success: true, Downloaded: 2},
		{CaseId: "bad", Error: status.Results[1].Error},
		{CaseId: "three", PlanNumber: "Zthree", Success: true, Downloaded: 2},
	}, status.Results)
	require.Empty(t, diff)
	require.Contains(t, status.Results[1].Error, "bad")
}

func TestBatchRejectsBadRequests(t *testing.T) {
	f := newFixture(t, nil)

	for _, body := range []string{`{"caseIds": []}`, `{"caseIds": [""]}`, `not json`} {
		res, err := http.Post(f.server.URL+"/batch", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusBadRequest, res.StatusCode, body)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	f := newFixture(t, nil)
	var body map[string]string
	require.Equal(t, http.StatusNotFound, getJSON(t, f.server.URL+"/status/nope", &body))
}

func writeFiles(t *testing.T, dir string, names ...string) {
	require.NoError(t, os.MkdirAll(dir, 0755))
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("%PDF "+name), 0644))
	}
}

func TestListFiles(t *testing.T) {
	f := newFixture(t, nil)
	dir := filepath.Join(f.scraper.root, "Z2024000202")
	writeFiles(t, dir, "b.PDF", "a.pdf", "_metadata.json")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.pdf"), 0755))

	var files FilesResponse
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/files/Z2024000202", &files))
	require.Empty(t, cmp.Diff(FilesResponse{
		PlanNumber: "Z2024000202",
		Path:       dir,
		FileCount:  2,
		Files:      []string{"a.pdf", "b.PDF"},
	}, files))

	var missing map[string]string
	require.Equal(t, http.StatusNotFound, getJSON(t, f.server.URL+"/files/Z0000000000", &missing))
	require.Contains(t, missing["error"], "plan not found")
}

func TestListFilesFromIndex(t *testing.T) {
	root := t.TempDir()
	caseDir := filepath.Join(root, "case-dir")
	writeFiles(t, caseDir, "a.pdf")

	f := newFixture(t, fakeFinder{"Z2024000202": {CaseId: "c", Folder: caseDir}})

	var files FilesResponse
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/files/Z2024000202", &files))
	require.Equal(t, caseDir, files.Path)
	require.Equal(t, []string{"a.pdf"}, files.Files)
}

func TestGetFile(t *testing.T) {
	f := newFixture(t, nil)
	writeFiles(t, filepath.Join(f.scraper.root, "Z2024000202"), "a.pdf")
	require.NoError(t, os.WriteFile(filepath.Join(f.scraper.root, "secret.pdf"), []byte("secret"), 0644))

	res, err := http.Get(f.server.URL + "/files/Z2024000202/a.pdf")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, res.Header.Get("Content-Disposition"), `"a.pdf"`)

	cases := []string{
		"/files/Z2024000202/missing.pdf",
		"/files/Z2024000202/..%2Fsecret.pdf",
		"/files/Z0000000000/a.pdf",
	}
	for _, path := range cases {
		res, err := http.Get(f.server.URL + path)
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusNotFound, res.StatusCode, path)
	}
}

func TestMapHTTPStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("x: %w", jobs.ErrJobNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", portal.ErrIdentifierResolution), http.StatusNotFound},
		{fmt.Errorf("x: %w", ErrBadRequest), http.StatusBadRequest},
		{context.Canceled, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		require.Equal(t, c.status, MapHTTPStatus(c.err), c.err.Error())
	}
}
