// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

var (
	networksMu sync.Mutex
	networks   = make(map[string]*NetworkMetrics)

	queuesMu sync.Mutex
	queues   = make(map[string]*QueueMetrics)
)

// NetworkMetrics is the per-network part of the process-wide metrics sink.
// Every counter is exported in prometheus format with a `network` label and
// is also readable in-process through Snapshot.
type NetworkMetrics struct {
	network string

	opportunitiesSeen    *metrics.Counter
	opportunitiesQueued  *metrics.Counter
	opportunitiesDropped *metrics.Counter
	opportunitiesStale   *metrics.Counter
	approved             *metrics.Counter
	confirmed            *metrics.Counter
	reverted             *metrics.Counter
	txDropped            *metrics.Counter
	simulationFailed     *metrics.Counter
	broadcastRetries     *metrics.Counter
	nonceResyncs         *metrics.Counter
	profitEth            *metrics.FloatCounter
	gasSpentEth          *metrics.FloatCounter
	processDuration      *metrics.Histogram

	rejectedMu sync.Mutex
	rejected   map[string]*metrics.Counter

	gasPriceGwei atomic.Uint64
	congestion   atomic.Uint64
	balanceEth   atomic.Uint64
	statusCode   atomic.Int64
	statusName   atomic.Value
}

// ForNetwork returns the metrics of the given network, creating them on first use.
func ForNetwork(network string) *NetworkMetrics {
	networksMu.Lock()
	defer networksMu.Unlock()
	if m, ok := networks[network]; ok {
		return m
	}

	name := func(metric string) string {
		return fmt.Sprintf(`%s{network=%q}`, metric, network)
	}
	m := &NetworkMetrics{
		network:              network,
		opportunitiesSeen:    metrics.GetOrCreateCounter(name("opportunities_seen_total")),
		opportunitiesQueued:  metrics.GetOrCreateCounter(name("opportunities_queued_total")),
		opportunitiesDropped: metrics.GetOrCreateCounter(name("opportunities_dropped_total")),
		opportunitiesStale:   metrics.GetOrCreateCounter(name("opportunities_stale_total")),
		approved:             metrics.GetOrCreateCounter(name("safety_approved_total")),
		confirmed:            metrics.GetOrCreateCounter(name("tx_confirmed_total")),
		reverted:             metrics.GetOrCreateCounter(name("tx_reverted_total")),
		txDropped:            metrics.GetOrCreateCounter(name("tx_dropped_total")),
		simulationFailed:     metrics.GetOrCreateCounter(name("tx_simulation_failed_total")),
		broadcastRetries:     metrics.GetOrCreateCounter(name("tx_broadcast_retries_total")),
		nonceResyncs:         metrics.GetOrCreateCounter(name("nonce_resyncs_total")),
		profitEth:            metrics.GetOrCreateFloatCounter(name("profit_eth_total")),
		gasSpentEth:          metrics.GetOrCreateFloatCounter(name("gas_spent_eth_total")),
		processDuration:      metrics.GetOrCreateHistogram(name("opportunity_process_duration_milliseconds")),
		rejected:             make(map[string]*metrics.Counter),
	}
	m.statusName.Store("")
	metrics.GetOrCreateGauge(name("gas_price_gwei"), func() float64 {
		return math.Float64frombits(m.gasPriceGwei.Load())
	})
	metrics.GetOrCreateGauge(name("congestion"), func() float64 {
		return math.Float64frombits(m.congestion.Load())
	})
	metrics.GetOrCreateGauge(name("account_balance_eth"), func() float64 {
		return math.Float64frombits(m.balanceEth.Load())
	})
	metrics.GetOrCreateGauge(name("worker_status"), func() float64 {
		return float64(m.statusCode.Load())
	})
	networks[network] = m
	return m
}

func (m *NetworkMetrics) IncOpportunitiesSeen()    { m.opportunitiesSeen.Inc() }
func (m *NetworkMetrics) IncOpportunitiesQueued()  { m.opportunitiesQueued.Inc() }
func (m *NetworkMetrics) IncOpportunitiesDropped() { m.opportunitiesDropped.Inc() }
func (m *NetworkMetrics) IncOpportunitiesStale()   { m.opportunitiesStale.Inc() }
func (m *NetworkMetrics) IncApproved()             { m.approved.Inc() }
func (m *NetworkMetrics) IncReverted()             { m.reverted.Inc() }
func (m *NetworkMetrics) IncTxDropped()            { m.txDropped.Inc() }
func (m *NetworkMetrics) IncSimulationFailed()     { m.simulationFailed.Inc() }
func (m *NetworkMetrics) IncBroadcastRetries()     { m.broadcastRetries.Inc() }
func (m *NetworkMetrics) IncNonceResyncs()         { m.nonceResyncs.Inc() }

func (m *NetworkMetrics) IncConfirmed(profitEth float64) {
	m.confirmed.Inc()
	m.profitEth.Add(profitEth)
}

func (m *NetworkMetrics) AddGasSpent(eth float64) {
	m.gasSpentEth.Add(eth)
}

func (m *NetworkMetrics) IncRejected(reason string) {
	m.rejectedMu.Lock()
	c, ok := m.rejected[reason]
	if !ok {
		c = metrics.GetOrCreateCounter(fmt.Sprintf(`safety_rejected_total{network=%q,reason=%q}`, m.network, reason))
		m.rejected[reason] = c
	}
	m.rejectedMu.Unlock()
	c.Inc()
}

func (m *NetworkMetrics) RecordProcessDuration(ms int64) {
	m.processDuration.Update(float64(ms))
}

func (m *NetworkMetrics) SetGasPriceGwei(v float64) { m.gasPriceGwei.Store(math.Float64bits(v)) }
func (m *NetworkMetrics) SetCongestion(v float64)   { m.congestion.Store(math.Float64bits(v)) }
func (m *NetworkMetrics) SetBalanceEth(v float64)   { m.balanceEth.Store(math.Float64bits(v)) }

// SetStatus publishes the worker status both as a numeric gauge and as a readable name.
func (m *NetworkMetrics) SetStatus(code int, name string) {
	m.statusCode.Store(int64(code))
	m.statusName.Store(name)
}

// Snapshot is a point-in-time copy of one network's metrics.
type Snapshot struct {
	Network              string            `json:"network"`
	Status               string            `json:"status"`
	OpportunitiesSeen    uint64            `json:"opportunitiesSeen"`
	OpportunitiesQueued  uint64            `json:"opportunitiesQueued"`
	OpportunitiesDropped uint64            `json:"opportunitiesDropped"`
	OpportunitiesStale   uint64            `json:"opportunitiesStale"`
	Approved             uint64            `json:"approved"`
	Rejected             map[string]uint64 `json:"rejected"`
	Confirmed            uint64            `json:"confirmed"`
	Reverted             uint64            `json:"reverted"`
	TxDropped            uint64            `json:"txDropped"`
	SimulationFailed     uint64            `json:"simulationFailed"`
	BroadcastRetries     uint64            `json:"broadcastRetries"`
	NonceResyncs         uint64            `json:"nonceResyncs"`
	ProfitEth            float64           `json:"profitEth"`
	GasSpentEth          float64           `json:"gasSpentEth"`
	GasPriceGwei         float64           `json:"gasPriceGwei"`
	Congestion           float64           `json:"congestion"`
	BalanceEth           float64           `json:"balanceEth"`
}

// ConfirmationRate is the share of broadcast transactions that were confirmed.
func (s Snapshot) ConfirmationRate() float64 {
	total := s.Confirmed + s.Reverted + s.TxDropped
	if total == 0 {
		return 0
	}
	return float64(s.Confirmed) / float64(total)
}

// AverageProfitEth is the mean profit over confirmed transactions.
func (s Snapshot) AverageProfitEth() float64 {
	if s.Confirmed == 0 {
		return 0
	}
	return s.ProfitEth / float64(s.Confirmed)
}

func (m *NetworkMetrics) Snapshot() Snapshot {
	s := Snapshot{
		Network:              m.network,
		Status:               m.statusName.Load().(string), //nolint:forcetypeassert
		OpportunitiesSeen:    m.opportunitiesSeen.Get(),
		OpportunitiesQueued:  m.opportunitiesQueued.Get(),
		OpportunitiesDropped: m.opportunitiesDropped.Get(),
		OpportunitiesStale:   m.opportunitiesStale.Get(),
		Approved:             m.approved.Get(),
		Rejected:             make(map[string]uint64),
		Confirmed:            m.confirmed.Get(),
		Reverted:             m.reverted.Get(),
		TxDropped:            m.txDropped.Get(),
		SimulationFailed:     m.simulationFailed.Get(),
		BroadcastRetries:     m.broadcastRetries.Get(),
		NonceResyncs:         m.nonceResyncs.Get(),
		ProfitEth:            m.profitEth.Get(),
		GasSpentEth:          m.gasSpentEth.Get(),
		GasPriceGwei:         math.Float64frombits(m.gasPriceGwei.Load()),
		Congestion:           math.Float64frombits(m.congestion.Load()),
		BalanceEth:           math.Float64frombits(m.balanceEth.Load()),
	}
	m.rejectedMu.Lock()
	for reason, c := range m.rejected {
		s.Rejected[reason] = c.Get()
	}
	m.rejectedMu.Unlock()
	return s
}

// Aggregate sums the snapshots of several networks into one.
func Aggregate(snapshots []Snapshot) Snapshot {
	total := Snapshot{Network: "all", Rejected: make(map[string]uint64)}
	names := make([]string, 0, len(snapshots))
	for _, s := range snapshots {
		names = append(names, s.Network+"="+s.Status)
		total.OpportunitiesSeen += s.OpportunitiesSeen
		total.OpportunitiesQueued += s.OpportunitiesQueued
		total.OpportunitiesDropped += s.OpportunitiesDropped
		total.OpportunitiesStale += s.OpportunitiesStale
		total.Approved += s.Approved
		total.Confirmed += s.Confirmed
		total.Reverted += s.Reverted
		total.TxDropped += s.TxDropped
		total.SimulationFailed += s.SimulationFailed
		total.BroadcastRetries += s.BroadcastRetries
		total.NonceResyncs += s.NonceResyncs
		total.ProfitEth += s.ProfitEth
		total.GasSpentEth += s.GasSpentEth
		total.BalanceEth += s.BalanceEth
		for reason, n := range s.Rejected {
			total.Rejected[reason] += n
		}
	}
	sort.Strings(names)
	for i, n := range names {
		if i > 0 {
			total.Status += ","
		}
		total.Status += n
	}
	return total
}

// QueueMetrics counts opportunity queue events per queue.
type QueueMetrics struct {
	pushed  *metrics.Counter
	full    *metrics.Counter
	evicted *metrics.Counter
	stale   *metrics.Counter
}

func ForQueue(queue string) *QueueMetrics {
	queuesMu.Lock()
	defer queuesMu.Unlock()
	if m, ok := queues[queue]; ok {
		return m
	}
	m := &QueueMetrics{
		pushed:  metrics.GetOrCreateCounter(fmt.Sprintf(`oppqueue_pushed_total{queue=%q}`, queue)),
		full:    metrics.GetOrCreateCounter(fmt.Sprintf(`oppqueue_full_total{queue=%q}`, queue)),
		evicted: metrics.GetOrCreateCounter(fmt.Sprintf(`oppqueue_evicted_total{queue=%q}`, queue)),
		stale:   metrics.GetOrCreateCounter(fmt.Sprintf(`oppqueue_pop_stale_item_total{queue=%q}`, queue)),
	}
	queues[queue] = m
	return m
}

func (m *QueueMetrics) IncPushed()  { m.pushed.Inc() }
func (m *QueueMetrics) IncFull()    { m.full.Inc() }
func (m *QueueMetrics) IncEvicted() { m.evicted.Inc() }
func (m *QueueMetrics) IncStale()   { m.stale.Inc() }
