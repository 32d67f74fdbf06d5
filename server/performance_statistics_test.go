package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPerformanceStatsCloseInterval(t *testing.T) {
	stats := NewPerformanceStats()
	stats.SetEndpointStats(pathRelay, 300*time.Microsecond, true)
	stats.SetEndpointStats(pathRelay, 100*time.Microsecond, true)
	stats.SetEndpointStats(pathRelay, time.Second, false)

	end := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	record := stats.CloseInterval(end)
	require.Equal(t, "MetaTxRelayPerformance", record.Type)
	require.Equal(t, "2024-01-02T03:04:05.000000", record.EndTime)

	relay := record.EndpointsStats[pathRelay]
	require.Equal(t, 2, relay.CountSuccesses)
	require.Equal(t, 1, relay.CountFails)
	require.Equal(t, uint64(400), relay.TotalDuration)
	require.Equal(t, uint64(300), relay.MaxDuration)
	require.Equal(t, uint64(200), relay.MeanDuration)

	next := stats.CloseInterval(end.Add(time.Minute))
	require.Empty(t, next.EndpointsStats)
	require.Equal(t, record.EndTime, next.StartTime)
}
