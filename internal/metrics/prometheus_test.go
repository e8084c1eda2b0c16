package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordLoad(SourceBackup)
	m.RecordSave(OutcomeMerged, 5*time.Millisecond)
	m.RecordSaveRetry()
	m.ObserveWrite(time.Millisecond, 512)
	m.ObserveBackupFailure()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadsTotal.WithLabelValues(SourceBackup)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SavesTotal.WithLabelValues(OutcomeMerged)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SaveRetriesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WritesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackupFailuresTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// A second set on a fresh registry must not panic on duplicate names.
	assert.NotPanics(t, func() { NewUnregistered() })
}

func TestUpdateSystemStats(t *testing.T) {
	m := NewUnregistered()

	m.UpdateSystemStats(750, 250, 1024, 12)

	assert.Equal(t, 75.0, testutil.ToFloat64(m.DiskUsagePercent))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.GoroutinesTotal))
}
