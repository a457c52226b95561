package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResetAllowsRebuildingTheSingleton(t *testing.T) {
	ResetIngestMetricsForTest()

	first := IngestWithConfig(Config{ServiceName: "harvest", Environment: "test"})
	require.NotNil(t, first)
	first.IncRun()
	first.IncBundleErrored("decrypt")

	// A second construction in the same process must not trip the
	// duplicate-collector registration panic.
	ResetIngestMetricsForTest()
	second := IngestWithConfig(Config{ServiceName: "harvest", Environment: "test"})
	require.NotNil(t, second)
	require.NotSame(t, first, second)
	second.IncRun()
	second.SetBundlesPending(3)

	ResetIngestMetricsForTest()
}

func TestSingletonReturnsSameInstance(t *testing.T) {
	ResetIngestMetricsForTest()
	t.Cleanup(ResetIngestMetricsForTest)

	a := Ingest()
	b := IngestWithConfig(Config{ServiceName: "other"})
	require.Same(t, a, b)
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *IngestMetrics
	m.IncRun()
	m.ObserveRunDuration(0.1)
	m.IncLockContention()
	m.IncBundleProcessed()
	m.IncBundleErrored("parse")
	m.AddPointsStored(1)
	m.AddPointsForwarded("https://upstream.example", 2)
	m.AddRecordsSkipped(1)
	m.IncForwardFailure("https://upstream.example", ForwardFailureTimeout)
	m.IncStatsFailure()
	m.SetBundlesPending(0)
}
