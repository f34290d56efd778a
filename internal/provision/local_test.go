package provision

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunLocalStopsOnFirstFailure(t *testing.T) {
	var stdout, stderr bytes.Buffer
	script := "set -eu\necho one\nfalse\necho two\n"

	err := RunLocal(context.Background(), script, t.TempDir(), &stdout, &stderr)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 1, exitErr.Status)
	require.Equal(t, "one\n", stdout.String())
}

func TestRunLocalSuccess(t *testing.T) {
	var stdout bytes.Buffer
	err := RunLocal(context.Background(), "set -euo pipefail\nx=ok\necho \"$x\"\n", t.TempDir(), &stdout, &bytes.Buffer{})
	require.NoError(t, err)
	require.Equal(t, "ok\n", stdout.String())
}

func TestRunLocalParseError(t *testing.T) {
	err := RunLocal(context.Background(), "if then fi", t.TempDir(), &bytes.Buffer{}, &bytes.Buffer{})
	require.Error(t, err)
	var exitErr *ExitError
	require.NotErrorAs(t, err, &exitErr)
}
