// Package jobs tracks asynchronous batch scrapes started through the http
// api.
package jobs

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"planscraper/internal/components/chrono"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mazen160/go-random"
)

var ErrJobNotFound = errors.New("job not found")

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// ItemResult is the outcome of one case in a job.
type ItemResult struct {
	CaseId     string `json:"caseId"`
	PlanNumber string `json:"planNumber,omitempty"`
	Success    bool   `json:"success"`
	Downloaded int    `json:"downloaded,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Job struct {
	JobId       string       `json:"jobId"`
	Status      Status       `json:"status"`
	Total       int          `json:"total"`
	Done        int          `json:"-"`
	Current     string       `json:"current,omitempty"`
	Results     []ItemResult `json:"results"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// Progress is "done/total".
func (j Job) Progress() string {
	return fmt.Sprintf("%d/%d", j.Done, j.Total)
}

func (j Job) clone() Job {
	j.Results = slices.Clone(j.Results)
	return j
}

// Registry stores jobs by id. Implementations must be safe for concurrent
// use and return copies, never shared state.
type Registry interface {
	Create(total int) (Job, error)
	Get(id string) (Job, error)
	Start(id string) error
	// Advance records the result of one case, current is the case being
	// processed next ("" when none).
	Advance(id string, result ItemResult, current string) error
	Complete(id string) error
}

// MemoryRegistry keeps jobs in an lru cache, old jobs are evicted after the
// ttl or when capacity is exceeded.
type MemoryRegistry struct {
	mutex sync.Mutex
	cache *expirable.LRU[string, *Job]
	time  chrono.TimeAPI
}

func NewMemoryRegistry(capacity int, ttl time.Duration, clock chrono.TimeAPI) *MemoryRegistry {
	return &MemoryRegistry{
		cache: expirable.NewLRU[string, *Job](capacity, nil, ttl),
		time:  clock,
	}
}

func (r *MemoryRegistry) Create(total int) (Job, error) {
	id, err := random.String(8)
	if err != nil {
		return Job{}, err
	}

	job := &Job{
		JobId:     id,
		Status:    StatusQueued,
		Total:     total,
		Results:   []ItemResult{},
		CreatedAt: r.time.Now(),
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.cache.Add(id, job)
	return job.clone(), nil
}

func (r *MemoryRegistry) Get(id string) (Job, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	job, ok := r.cache.Get(id)
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.clone(), nil
}

func (r *MemoryRegistry) update(id string, fn func(job *Job)) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	job, ok := r.cache.Peek(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	fn(job)
	return nil
}

func (r *MemoryRegistry) Start(id string) error {
	now := r.time.Now()
	return r.update(id, func(job *Job) {
		job.Status = StatusProcessing
		job.StartedAt = &now
	})
}

func (r *MemoryRegistry) Advance(id string, result ItemResult, current string) error {
	return r.update(id, func(job *Job) {
		job.Results = append(job.Results, result)
		job.Done++
		job.Current = current
	})
}

func (r *MemoryRegistry) Complete(id string) error {
	now := r.time.Now()
	return r.update(id, func(job *Job) {
		job.Status = StatusCompleted
		job.Current = ""
		job.CompletedAt = &now
	})
}
