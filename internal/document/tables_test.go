package document

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectTables(t *testing.T) {
	rows := []row{
		{y: 700, runs: []run{{x: 72, text: "Name"}, {x: 300, text: "Value"}}},
		{y: 686, runs: []run{{x: 72, text: "Folio"}, {x: 300, text: "30-1234-567-8901"}}},
		{y: 672, runs: []run{{x: 72, text: "A paragraph that is not tabular"}}},
		{y: 658, runs: []run{{x: 72, text: "x"}, {x: 200, text: "y"}}},
	}

	require.Equal(t, []Table{
		{
			{"Name", "Value"},
			{"Folio", "30-1234-567-8901"},
		},
	}, detectTables(rows))
}

func TestRowCells(t *testing.T) {
	testCases := []struct {
		runs     []run
		expected []string
	}{
		{
			runs:     []run{{x: 72, text: "Site"}, {x: 95, text: "Plan"}},
			expected: []string{"Site Plan"},
		},
		{
			runs:     []run{{x: 72, text: "Sit"}, {x: 87, text: "e"}},
			expected: []string{"Site"},
		},
		{
			runs:     []run{{x: 72, text: "Acreage"}, {x: 250, text: "12.5"}, {x: 400, text: "AC"}},
			expected: []string{"Acreage", "12.5", "AC"},
		},
	}
	for _, test := range testCases {
		require.Equal(t, test.expected, row{runs: test.runs}.cells())
	}
}
