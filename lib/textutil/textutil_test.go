package textutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	testCases := []struct {
		in       string
		expected string
	}{
		{in: "Z2024000202", expected: "z2024000202"},
		{in: "  z 2024 000202\n", expected: "z2024000202"},
		{in: "", expected: ""},
	}
	for _, test := range testCases {
		require.Equal(t, test.expected, NormalizeName(test.in), test.in)
	}
	require.True(t, SameName("Z2024000202", " z2024000202 "))
	require.False(t, SameName("Z2024000202", "Z2024000203"))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", Truncate("abcdef", 3))
	require.Equal(t, "abc", Truncate("abc", 10))
	require.Equal(t, "ñé", Truncate("ñéü", 2))
	require.Equal(t, "", Truncate("abc", 0))
}

func TestHasSuffixFold(t *testing.T) {
	require.True(t, HasSuffixFold("Site Plan.PDF", ".pdf"))
	require.True(t, HasSuffixFold("a.pdf", ".pdf"))
	require.False(t, HasSuffixFold("pdf", ".pdf"))
	require.False(t, HasSuffixFold("a.pdf.zip", ".pdf"))
}
