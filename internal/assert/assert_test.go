package assert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotNil(t *testing.T) {
	require.NotPanics(t, func() { NotNil(1, "value") })
	require.PanicsWithValue(t, "expected scraper to be not nil", func() { NotNil(nil, "scraper") })
}

func TestNotEmptyStr(t *testing.T) {
	require.NotPanics(t, func() { NotEmptyStr("x", "root") })
	require.PanicsWithValue(t, "expected root to be non-empty", func() { NotEmptyStr("", "root") })
}
