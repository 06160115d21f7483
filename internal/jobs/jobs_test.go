package jobs

import (
	"testing"
	"time"

	"planscraper/internal/components/chrono"

	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := chrono.NewFakeTime(start)
	registry := NewMemoryRegistry(16, time.Hour, clock)

	job, err := registry.Create(2)
	require.NoError(t, err)
	require.Len(t, job.JobId, 8)
	require.Equal(t, StatusQueued, job.Status)
	require.Equal(t, "0/2", job.Progress())

	clock.Advance(time.Second)
	require.NoError(t, registry.Start(job.JobId))
	require.NoError(t, registry.Advance(job.JobId, ItemResult{CaseId: "a", Success: true, Downloaded: 3}, "b"))

	job, err = registry.Get(job.JobId)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, job.Status)
	require.Equal(t, "1/2", job.Progress())
	require.Equal(t, "b", job.Current)
	require.Equal(t, start.Add(time.Second), *job.StartedAt)

	// returned jobs are copies
	job.Results[0].CaseId = "mutated"

	require.NoError(t, registry.Advance(job.JobId, ItemResult{CaseId: "b", Error: "boom"}, ""))
	require.NoError(t, registry.Complete(job.JobId))

	job, err = registry.Get(job.JobId)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, job.Status)
	require.Equal(t, "2/2", job.Progress())
	require.Equal(t, "a", job.Results[0].CaseId)
	require.NotNil(t, job.CompletedAt)
}

func TestUnknownJob(t *testing.T) {
	registry := NewMemoryRegistry(16, time.Hour, chrono.NewStandardTime())
	_, err := registry.Get("missing")
	require.ErrorIs(t, err, ErrJobNotFound)
	require.ErrorIs(t, registry.Start("missing"), ErrJobNotFound)
}

func TestCapacityEvicts(t *testing.T) {
	registry := NewMemoryRegistry(1, time.Hour, chrono.NewStandardTime())
	first, err := registry.Create(1)
	require.NoError(t, err)
	second, err := registry.Create(1)
	require.NoError(t, err)

	_, err = registry.Get(first.JobId)
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = registry.Get(second.JobId)
	require.NoError(t, err)
}
