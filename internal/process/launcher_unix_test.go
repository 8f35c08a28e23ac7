//go:build !windows

package process

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchStartsDetachedProcess(t *testing.T) {
	pid, err := NewLauncher().Launch(context.Background(), "/bin/sh", "-c", "exit 0")
	require.NoError(t, err)
	assert.Positive(t, pid)
}
