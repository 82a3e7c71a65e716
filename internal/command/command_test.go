package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealExecutorRun(t *testing.T) {
	t.Parallel()

	e := &RealExecutor{}
	require.NoError(t, e.Run(context.Background(), "true"))

	err := e.Run(context.Background(), "sh", "-c", "echo module busy >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module busy")
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestRealExecutorMissingBinary(t *testing.T) {
	t.Parallel()

	err := (&RealExecutor{}).Run(context.Background(), "definitely-not-a-real-binary-piframe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitely-not-a-real-binary-piframe")
}
