package store

import (
	"context"
	"testing"
	"time"

	configlibsql "planscraper/lib/configutil/libsql"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	s, err := Open(context.Background(), configlibsql.Struct{File: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGet(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	s := openTestStore(t)

	scrapedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	record := Record{
		CaseId:     "case-1",
		PlanNumber: "Z2024000123",
		Folder:     "output/Z2024000123",
		Total:      3,
		Downloaded: 2,
		Summary:    map[string]string{"folio": "30-1234-567-8901"},
		ScrapedAt:  scrapedAt,
	}
	require.NoError(t, s.Put(ctx, record))

	got, err := s.Get(ctx, "case-1")
	require.NoError(t, err)
	if diff := cmp.Diff(record, got); diff != "" {
		t.Fatal(diff)
	}

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertAndFindByPlan(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Put(ctx, Record{CaseId: "case-1", Folder: "output/case-1", Total: 1, ScrapedAt: first}))
	require.NoError(t, s.Put(ctx, Record{
		CaseId:     "case-1",
		PlanNumber: "Z2024000123",
		Folder:     "output/case-1",
		Total:      1,
		Downloaded: 1,
		ScrapedAt:  first.Add(time.Hour),
	}))

	records, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 1, records[0].Downloaded)

	found, err := s.FindByPlan(ctx, "z2024000123")
	require.NoError(t, err)
	require.Equal(t, "output/case-1", found.Folder)

	_, err = s.FindByPlan(ctx, "Z0000000000")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, Record{
			CaseId:    id,
			Folder:    id,
			ScrapedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "c", records[0].CaseId)
	require.Equal(t, "b", records[1].CaseId)
}
