package attachment

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestDedupe(t *testing.T) {
	records := []Record{
		{FileName: "a.pdf", Id: "1"},
		{FileName: "a.pdf", Id: "2"},
		{FileName: "b.pdf"},
		{FileName: ""},
		{FileName: "A.pdf"},
	}
	deduped := Dedupe(records)

	var names []string
	for _, r := range deduped {
		names = append(names, r.FileName)
	}
	require.Equal(t, []string{"a.pdf", "b.pdf", "A.pdf"}, names)
	require.Equal(t, "1", deduped[0].Id)
}

func TestFilterDocuments(t *testing.T) {
	filtered := FilterDocuments([]Record{
		{FileName: "plan.pdf"},
		{FileName: "PHOTO.JPG"},
		{FileName: "Survey.PDF"},
		{FileName: "notes.pdf.txt"},
	})
	require.Equal(t, []Record{{FileName: "plan.pdf"}, {FileName: "Survey.PDF"}}, filtered)
}

func TestSanitizeFileName(t *testing.T) {
	testCases := []struct {
		in       string
		expected string
	}{
		{in: "Site Plan-v2.pdf", expected: "Site Plan-v2.pdf"},
		{in: "Letter/of:Intent?.pdf", expected: "Letter_of_Intent_.pdf"},
		{in: "Señor (final).pdf", expected: "Se_or _final_.pdf"},
	}
	for _, test := range testCases {
		sanitized := SanitizeFileName(test.in)
		require.Equal(t, test.expected, sanitized)
		require.Equal(t, sanitized, SanitizeFileName(sanitized), "sanitization must be idempotent")
	}

	// collisions are allowed
	require.Equal(t, SanitizeFileName("a?.pdf"), SanitizeFileName("a*.pdf"))
}

func TestFromMap(t *testing.T) {
	var decoded map[string]any
	err := json.Unmarshal([]byte(`{
		"attachmentId": "8d1c",
		"FileName": "Z2024000202 Site Plan.pdf",
		"Category": "Plans",
		"FileSize": 20480,
		"CreatedDate": "2024-02-01T10:00:00",
		"DownloadUrl": null,
		"ThumbnailUrl": "https://portal.example.com/thumb/8d1c"
	}`), &decoded)
	if err != nil {
		t.Fatal(err)
	}

	require.True(t, LooksLikeDescriptor(decoded))
	expected := Record{
		Id:          "8d1c",
		FileName:    "Z2024000202 Site Plan.pdf",
		Category:    "Plans",
		SizeBytes:   20480,
		CreatedAt:   "2024-02-01T10:00:00",
		DownloadUrl: "https://portal.example.com/thumb/8d1c",
	}
	if diff := cmp.Diff(expected, FromMap(decoded)); diff != "" {
		t.Fatalf("unexpected record (-want +got):\n%s", diff)
	}
}

func TestFromValue(t *testing.T) {
	r, ok := FromValue("Survey.pdf")
	require.True(t, ok)
	require.Equal(t, Record{FileName: "Survey.pdf"}, r)

	_, ok = FromValue(map[string]any{"Status": "Active"})
	require.False(t, ok)

	_, ok = FromValue(42.0)
	require.False(t, ok)
}

func TestPlanNumberFromNames(t *testing.T) {
	require.Equal(t, "Z2024000202", PlanNumberFromNames([]Record{
		{FileName: "cover.pdf"},
		{FileName: "Z2024000202_LOI.pdf"},
	}))
	require.Equal(t, "", PlanNumberFromNames([]Record{{FileName: "cover.pdf"}}))
}
