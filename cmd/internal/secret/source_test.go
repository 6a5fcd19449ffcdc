package secret

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceReadsEnvironment(t *testing.T) {
	t.Setenv("TEST_SECRET_SOURCE", "  abc  ")
	src := NewSource("TEST_SECRET_SOURCE", "master key")
	value, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "abc", value)

	t.Setenv("TEST_SECRET_SOURCE", "changed")
	value, err = src.Get()
	require.NoError(t, err)
	require.Equal(t, "abc", value)
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("TEST_SECRET_SOURCE", "   ")
	_, err := NewSource("TEST_SECRET_SOURCE", "master key").Get()
	require.ErrorContains(t, err, "set but empty")
}
