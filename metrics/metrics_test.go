package metrics

import (
	"bytes"
	"testing"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/require"
)

func TestNetworkMetricsSnapshot(t *testing.T) {
	m := ForNetwork("snapshot-test")
	require.Same(t, m, ForNetwork("snapshot-test"))

	m.IncOpportunitiesSeen()
	m.IncOpportunitiesSeen()
	m.IncApproved()
	m.IncRejected("InsufficientProfit")
	m.IncRejected("InsufficientProfit")
	m.IncRejected("GasPriceExceeded")
	m.IncConfirmed(0.25)
	m.IncReverted()
	m.SetGasPriceGwei(21.5)
	m.SetStatus(1, "Running")

	s := m.Snapshot()
	require.Equal(t, "snapshot-test", s.Network)
	require.Equal(t, "Running", s.Status)
	require.Equal(t, uint64(2), s.OpportunitiesSeen)
	require.Equal(t, uint64(1), s.Approved)
	require.Equal(t, uint64(2), s.Rejected["InsufficientProfit"])
	require.Equal(t, uint64(1), s.Rejected["GasPriceExceeded"])
	require.Equal(t, uint64(1), s.Confirmed)
	require.InDelta(t, 0.25, s.ProfitEth, 1e-9)
	require.InDelta(t, 21.5, s.GasPriceGwei, 1e-9)
	require.InDelta(t, 0.5, s.ConfirmationRate(), 1e-9)
	require.InDelta(t, 0.25, s.AverageProfitEth(), 1e-9)

	var buf bytes.Buffer
	metrics.WritePrometheus(&buf, false)
	require.Contains(t, buf.String(), `opportunities_seen_total{network="snapshot-test"} 2`)
	require.Contains(t, buf.String(), `worker_status{network="snapshot-test"} 1`)
}

func TestAggregate(t *testing.T) {
	a := Snapshot{Network: "b", Status: "Running", Confirmed: 2, ProfitEth: 1, Rejected: map[string]uint64{"x": 1}}
	b := Snapshot{Network: "a", Status: "Paused", Confirmed: 1, ProfitEth: 0.5, Rejected: map[string]uint64{"x": 2, "y": 1}}

	total := Aggregate([]Snapshot{a, b})
	require.Equal(t, "all", total.Network)
	require.Equal(t, "a=Paused,b=Running", total.Status)
	require.Equal(t, uint64(3), total.Confirmed)
	require.InDelta(t, 1.5, total.ProfitEth, 1e-9)
	require.Equal(t, map[string]uint64{"x": 3, "y": 1}, total.Rejected)
}
