package executor

import (
	"math/big"
	"sync"
	"time"
)

const (
	DefaultCongestionWindow = time.Hour
	pendingSaturation       = 5000.0

	weightUtilisation = 0.5
	weightPending     = 0.3
	weightGasTrend    = 0.2
)

type congestionSample struct {
	at    time.Time
	value float64
}

// CongestionEstimator scores network congestion in [0, 1] from block fullness, mempool size
// and gas price trend, smoothed over a window with more recent samples weighing more.
type CongestionEstimator struct {
	mu           sync.Mutex
	window       time.Duration
	samples      []congestionSample
	lastGasPrice *big.Int
	now          func() time.Time
}

func NewCongestionEstimator(window time.Duration) *CongestionEstimator {
	if window <= 0 {
		window = DefaultCongestionWindow
	}
	return &CongestionEstimator{window: window, now: time.Now}
}

// Observe records one sample and returns the smoothed congestion level.
func (e *CongestionEstimator) Observe(gasUsed, gasLimit uint64, pending uint, gasPrice *big.Int) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var utilisation float64
	if gasLimit > 0 {
		utilisation = float64(gasUsed) / float64(gasLimit)
	}
	pendingScore := min(1, float64(pending)/pendingSaturation)

	var trend float64
	if gasPrice != nil && e.lastGasPrice != nil && e.lastGasPrice.Sign() > 0 {
		diff := new(big.Float).SetInt(new(big.Int).Sub(gasPrice, e.lastGasPrice))
		ratio, _ := diff.Quo(diff, new(big.Float).SetInt(e.lastGasPrice)).Float64()
		trend = clamp01(ratio)
	}
	if gasPrice != nil {
		e.lastGasPrice = new(big.Int).Set(gasPrice)
	}

	raw := clamp01(weightUtilisation*utilisation + weightPending*pendingScore + weightGasTrend*trend)
	now := e.now()
	e.samples = append(e.samples, congestionSample{at: now, value: raw})
	e.prune(now)
	return e.levelLocked()
}

// Level is the smoothed congestion, 0 when nothing was observed.
func (e *CongestionEstimator) Level() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(e.now())
	return e.levelLocked()
}

func (e *CongestionEstimator) prune(now time.Time) {
	cutoff := now.Add(-e.window)
	i := 0
	for i < len(e.samples) && e.samples[i].at.Before(cutoff) {
		i++
	}
	e.samples = e.samples[i:]
}

// levelLocked weighs the i-th oldest sample by i+1.
func (e *CongestionEstimator) levelLocked() float64 {
	var sum, weights float64
	for i, s := range e.samples {
		w := float64(i + 1)
		sum += w * s.value
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
