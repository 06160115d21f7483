package commands

import (
	"testing"

	"planscraper/internal/orchestrator"

	"github.com/stretchr/testify/require"
)

func TestProgressLabel(t *testing.T) {
	require.Equal(t, "1/5", progressLabel(orchestrator.Progress{Index: 1, Total: 5}))
	require.Equal(t, "5/5", progressLabel(orchestrator.Progress{Index: 5, Total: 5}))
}
