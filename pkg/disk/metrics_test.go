package disk_test

import (
	"testing"

	"github.com/downfa11-org/seglog/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func TestSegmentedLog_Metrics(t *testing.T) {
	appended := counterValue(metrics.EntriesAppended)
	rotations := counterValue(metrics.SegmentRotations)

	log := openTestLog(t, t.TempDir(), smallSegmentConfig())
	defer func() { require.NoError(t, log.Close()) }()

	appendLogEntries(t, log, 200, 1)
	require.NoError(t, log.Flush())

	assert.Equal(t, appended+200, counterValue(metrics.EntriesAppended))
	assert.Greater(t, counterValue(metrics.SegmentRotations), rotations)
}
