package monitor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessStatsSample(t *testing.T) {
	ps, err := NewProcessStats()
	require.NoError(t, err)

	info := ps.Sample()
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Positive(t, info.Goroutines)
	assert.False(t, info.StartTime.IsZero())
	assert.GreaterOrEqual(t, info.Uptime.Nanoseconds(), int64(0))
}
