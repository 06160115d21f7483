package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"planscraper/internal/progress"
	"planscraper/lib/osutil"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

var ErrBatchItem = errors.New("batch item failed")

const (
	report_batch_item     = "batch.item"
	report_batch_panic    = "batch.panic"
	report_batch_tracker  = "batch.tracker"
	report_batch_summary  = "batch.summary"
	report_batch_complete = "batch.completed"
	report_batch_failed   = "batch.failed"
)

// Progress is reported to the batch sink after every case.
type Progress struct {
	// Index counts from 1.
	Index  int
	Total  int
	Id     string
	Result *Result
	Err    error
	// Next is the id processed after this one, "" for the last.
	Next string
}

type BatchOptions struct {
	// Delay is slept between cases, not after the last one.
	Delay time.Duration
	// Tracker persists progress, it may be nil.
	Tracker *progress.Tracker
	// Resume processes the tracker's pending ids instead of the given ones.
	Resume bool
	Sink   func(Progress)
	// WriteSummary writes batch_summary_<ts>.json into the output root.
	WriteSummary bool
}

type Failure struct {
	Id    string `json:"id"`
	Error string `json:"error"`
}

type BatchSummary struct {
	RunId      string    `json:"run_id"`
	StartedAt  string    `json:"started_at"`
	Total      int       `json:"total"`
	Completed  []string  `json:"completed"`
	Failed     []Failure `json:"failed"`
	FinishedAt string    `json:"finished_at"`
	// Path is where the summary was written, if it was.
	Path string `json:"-"`
}

// scrapeSafely turns a panic inside a case into an error for that case.
func (o *Orchestrator) scrapeSafely(ctx context.Context, id string) (result Result, err error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		o.tel.ReportBroken(report_batch_panic, id, recovered, string(debug.Stack()))
		err = fmt.Errorf("panic: %v", recovered)
	}()
	return o.ScrapeOne(ctx, id)
}

// ScrapeBatch scrapes the ids one after another. A failing case is recorded
// and the batch moves on, cancelling ctx stops the batch between cases and
// leaves the unprocessed ids pending.
func (o *Orchestrator) ScrapeBatch(ctx context.Context, ids []string, opts BatchOptions) (BatchSummary, error) {
	ctx, span := tracer.Start(ctx, "ScrapeBatch")
	defer span.End()

	tracker := opts.Tracker
	if tracker != nil {
		if opts.Resume {
			ids = tracker.Remaining()
		} else {
			err := tracker.Start(ids)
			if err != nil {
				return BatchSummary{}, fmt.Errorf("start progress: %w", err)
			}
		}
	}
	span.SetAttributes(attribute.Int("total", len(ids)))

	started := o.time.Now()
	summary := BatchSummary{
		RunId:     uuid.New().String(),
		StartedAt: started.Format(time.RFC3339),
		Total:     len(ids),
		Completed: []string{},
		Failed:    []Failure{},
	}

	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && opts.Delay > 0 {
			if o.time.Sleep(ctx, opts.Delay) != nil {
				break
			}
		}

		result, err := o.scrapeSafely(ctx, id)
		if err != nil && ctx.Err() != nil {
			// interrupted, the id stays pending
			break
		}

		next := ""
		if i+1 < len(ids) {
			next = ids[i+1]
		}
		item := Progress{Index: i + 1, Total: len(ids), Id: id, Next: next}

		if err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrBatchItem, id, err)
			o.tel.ReportWarning(report_batch_item, id, err)
			summary.Failed = append(summary.Failed, Failure{Id: id, Error: err.Error()})
			item.Err = err
			if tracker != nil {
				trackErr := tracker.MarkFailed(id, err.Error())
				if trackErr != nil {
					o.tel.ReportBroken(report_batch_tracker, id, trackErr)
				}
			}
		} else {
			summary.Completed = append(summary.Completed, id)
			item.Result = &result
			if tracker != nil {
				trackErr := tracker.MarkCompleted(id)
				if trackErr != nil {
					o.tel.ReportBroken(report_batch_tracker, id, trackErr)
				}
			}
		}

		if opts.Sink != nil {
			opts.Sink(item)
		}
	}

	summary.FinishedAt = o.time.Now().Format(time.RFC3339)
	o.tel.ReportCount(report_batch_complete, int64(len(summary.Completed)))
	o.tel.ReportCount(report_batch_failed, int64(len(summary.Failed)))

	if opts.WriteSummary {
		path := filepath.Join(o.outputRoot, fmt.Sprintf("batch_summary_%s.json", started.Format("20060102_150405")))
		err := os.MkdirAll(o.outputRoot, 0755)
		if err == nil {
			err = osutil.WriteJSONAtomic(path, summary)
		}
		if err != nil {
			o.tel.ReportWarning(report_batch_summary, path, err)
		} else {
			summary.Path = path
		}
	}

	return summary, ctx.Err()
}
