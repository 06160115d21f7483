// Package api serves acquisitions over plain json http: single cases run
// synchronously, batches run in the background and are polled by job id.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"planscraper/internal/assert"
	"planscraper/internal/components/telemetry"
	"planscraper/internal/jobs"
	"planscraper/internal/orchestrator"
	"planscraper/internal/store"
	"planscraper/lib/httputil"
)

const (
	report_batch_run   = "batch.run"
	report_job_update  = "batch.job-update"
	report_batch_hook  = "batch.on-done"
	report_files_index = "files.index"
)

const maxBatchBody = 1 << 20

// Scraper is the subset of the orchestrator the api drives.
type Scraper interface {
	ScrapeOne(ctx context.Context, identifier string) (orchestrator.Result, error)
	ScrapeBatch(ctx context.Context, ids []string, opts orchestrator.BatchOptions) (orchestrator.BatchSummary, error)
	OutputRoot() string
}

// Finder looks up where a plan's files were stored when the folder is not
// named after the plan number.
type Finder interface {
	FindByPlan(ctx context.Context, planNumber string) (store.Record, error)
}

type Options struct {
	// Finder is optional.
	Finder Finder
	// Delay is slept between the cases of a batch.
	Delay time.Duration
	// OnBatchDone is called with the summary of every finished batch.
	OnBatchDone func(ctx context.Context, summary orchestrator.BatchSummary)
}

type Handler struct {
	// background batches run under ctx, not under the request that queued them
	ctx     context.Context
	scraper Scraper
	jobs    jobs.Registry
	opts    Options
	tel     telemetry.API
}

func NewHandler(ctx context.Context, scraper Scraper, registry jobs.Registry, opts Options, tel telemetry.API) *Handler {
	assert.NotNil(scraper, "scraper")
	assert.NotNil(registry, "registry")
	assert.NotNil(tel, "telemetry")
	return &Handler{
		ctx:     ctx,
		scraper: scraper,
		jobs:    registry,
		opts:    opts,
		tel:     telemetry.NewScopedAPI("api", tel),
	}
}

func (h *Handler) Routes() httputil.Group {
	return httputil.Group{
		Routes: []httputil.Route{
			{Method: "GET", Pattern: "/{$}", Handler: h.Info},
			{Method: "GET", Pattern: "/health", Handler: h.Health},
			{Method: "GET", Pattern: "/download/{caseId}", Handler: h.Download},
			{Method: "POST", Pattern: "/batch", Handler: h.CreateBatch},
			{Method: "GET", Pattern: "/status/{jobId}", Handler: h.Status},
			{Method: "GET", Pattern: "/files/{planNumber}", Handler: h.ListFiles},
			{Method: "GET", Pattern: "/files/{planNumber}/{fileName}", Handler: h.GetFile},
		},
	}
}

// Mux returns a mux with every route registered.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	httputil.Register(mux, h.Routes())
	return mux
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	httputil.RespondError(w, h.tel, MapHTTPStatus(err), err)
}

func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]any{
		"name": "planscraper",
		"endpoints": map[string]string{
			"GET /download/{caseId}":            "acquire every attachment of one case",
			"POST /batch":                       "queue several cases",
			"GET /status/{jobId}":               "poll a queued batch",
			"GET /files/{planNumber}":           "list downloaded files",
			"GET /files/{planNumber}/{fileName}": "fetch one downloaded file",
		},
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	result, err := h.scraper.ScrapeOne(r.Context(), r.PathValue("caseId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, result)
}

type BatchRequest struct {
	CaseIds []string `json:"caseIds"`
}

type BatchResponse struct {
	JobId       string      `json:"jobId"`
	Status      jobs.Status `json:"status"`
	Total       int         `json:"total"`
	CheckStatus string      `json:"checkStatus"`
}

func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody)).Decode(&req)
	if err != nil {
		h.fail(w, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	ids := make([]string, 0, len(req.CaseIds))
	for _, id := range req.CaseIds {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		h.fail(w, fmt.Errorf("%w: caseIds is empty", ErrBadRequest))
		return
	}

	job, err := h.jobs.Create(len(ids))
	if err != nil {
		h.fail(w, err)
		return
	}
	go h.runBatch(job.JobId, ids)

	httputil.RespondJSON(w, http.StatusAccepted, BatchResponse{
		JobId:       job.JobId,
		Status:      job.Status,
		Total:       job.Total,
		CheckStatus: "/status/" + job.JobId,
	})
}

func itemResult(p orchestrator.Progress) jobs.ItemResult {
	item := jobs.ItemResult{CaseId: p.Id}
	if p.Err != nil {
		item.Error = p.Err.Error()
		return item
	}
	item.Success = true
	if p.Result != nil {
		item.CaseId = p.Result.CaseId
		item.PlanNumber = p.Result.PlanNumber
		item.Downloaded = p.Result.Downloaded()
	}
	return item
}

func (h *Handler) runBatch(jobId string, ids []string) {
	err := h.jobs.Start(jobId)
	if err != nil {
		h.tel.ReportWarning(report_job_update, jobId, err)
	}

	summary, err := h.scraper.ScrapeBatch(h.ctx, ids, orchestrator.BatchOptions{
		Delay: h.opts.Delay,
		Sink: func(p orchestrator.Progress) {
			err := h.jobs.Advance(jobId, itemResult(p), p.Next)
			if err != nil {
				h.tel.ReportWarning(report_job_update, jobId, err)
			}
		},
	})
	if err != nil {
		h.tel.ReportWarning(report_batch_run, jobId, err)
	}

	err = h.jobs.Complete(jobId)
	if err != nil {
		h.tel.ReportWarning(report_job_update, jobId, err)
	}

	if h.opts.OnBatchDone != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.tel.ReportBroken(report_batch_hook, jobId, r)
				}
			}()
			h.opts.OnBatchDone(h.ctx, summary)
		}()
	}
}

type StatusResponse struct {
	JobId       string            `json:"jobId"`
	Status      jobs.Status       `json:"status"`
	Progress    string            `json:"progress"`
	Current     string            `json:"current,omitempty"`
	Total       int               `json:"total"`
	Results     []jobs.ItemResult `json:"results"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.PathValue("jobId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, StatusResponse{
		JobId:       job.JobId,
		Status:      job.Status,
		Progress:    job.Progress(),
		Current:     job.Current,
		Total:       job.Total,
		Results:     job.Results,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	})
}
