package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteWithMetrics(t *testing.T) {
	m := NewSmokeMetrics()
	m.RegisterMetrics()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.LastStatus["storage"]))

	require.NoError(t, m.ExecuteWithMetrics("storage", func() (int, error) {
		return 3, nil
	}))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SuccessfulCounter["storage"]))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.FailedCounter["storage"]))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LastStatus["storage"]))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.LastItems["storage"]))
	assert.Greater(t, testutil.ToFloat64(m.LastFinish["storage"]), float64(0))

	err := m.ExecuteWithMetrics("storage", func() (int, error) {
		return 1, fmt.Errorf("remote delete failed")
	})
	assert.EqualError(t, err, "remote delete failed")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FailedCounter["storage"]))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.LastStatus["storage"]))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LastItems["storage"]))
}

func TestUnknownCommandIsNotMeasured(t *testing.T) {
	m := NewSmokeMetrics()
	m.RegisterMetrics()
	called := false
	require.NoError(t, m.ExecuteWithMetrics("print-config", func() (int, error) {
		called = true
		return 0, nil
	}))
	assert.True(t, called)
	m.Start("print-config", time.Now())
}

func TestWriteToTextfile(t *testing.T) {
	m := NewSmokeMetrics()
	m.RegisterMetrics()
	require.NoError(t, m.ExecuteWithMetrics("publish", func() (int, error) {
		return 3, nil
	}))
	require.NoError(t, m.WriteToTextfile(""))

	filename := filepath.Join(t.TempDir(), "cloud_smoke.prom")
	require.NoError(t, m.WriteToTextfile(filename))
	content, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Contains(t, string(content), "cloud_smoke_successful_publish_runs 1")
	assert.Contains(t, string(content), "cloud_smoke_last_publish_items 3")
}
