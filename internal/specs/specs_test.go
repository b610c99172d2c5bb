package specs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Collect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewCollector([]string{"llama3.2:1b"}, "v0.1.0-test")
	got, err := c.Collect(ctx)
	require.NoError(t, err)

	assert.Greater(t, got.TotalMem, uint64(0))
	assert.Greater(t, got.NumCPUs, 0)
	assert.NotEmpty(t, got.OS)
	assert.NotEmpty(t, got.Arch)
	assert.Equal(t, []string{"llama3.2:1b"}, got.Models)
	assert.Equal(t, "v0.1.0-test", got.Version)
}
