package executor

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	DefaultEpsilon       = 0.1
	DefaultLearningRate  = 0.1
	DefaultMaxReward     = 10.0
	DefaultFlushInterval = 5 * time.Minute

	// weight of the previous value in the gas cost baseline and execution time averages
	statsDecay = 0.95
	// baseline used when neither gas costs nor a fallback are known, in eth
	defaultBaselineEth = 0.001
	flushTimeout       = 5 * time.Second
)

// WeightStore persists weight tables, keyed by network or by "shared" when networks learn together.
// LoadWeights returns nil and no error when nothing was stored yet.
type WeightStore interface {
	LoadWeights(ctx context.Context, key string) (map[string]float64, error)
	SaveWeights(ctx context.Context, key string, weights map[string]float64) error
}

type StrategyConfig struct {
	// Epsilon is the exploration probability.
	Epsilon      float64
	LearningRate float64
	// MaxReward caps the normalised reward of one outcome in both directions.
	MaxReward float64
	// FallbackBaselineEth normalises rewards until a gas cost was observed, usually MIN_PROFIT.
	FallbackBaselineEth float64
	// Enabled restricts selection to these tactics, all tactics when empty.
	Enabled []Tactic
	// Seed makes selection reproducible, random when zero.
	Seed uint64
}

// TacticStats are running performance figures of one tactic.
type TacticStats struct {
	Executions  uint64        `json:"executions"`
	Successes   uint64        `json:"successes"`
	Failures    uint64        `json:"failures"`
	ProfitEth   float64       `json:"profitEth"`
	AvgExecTime time.Duration `json:"avgExecTime"`
}

// StrategyExecutor picks a tactic per opportunity with epsilon-greedy selection over a weight table
// and learns from execution outcomes. It is safe for concurrent use, several workers share one
// instance when weights are shared across networks.
type StrategyExecutor struct {
	log   *zap.Logger
	store WeightStore
	key   string
	cfg   StrategyConfig

	mu          sync.Mutex
	rand        *rand.Rand
	enabled     [numTactics]bool
	weights     [numTactics]float64
	stats       [numTactics]TacticStats
	baselineEth float64
	dirty       bool
}

func NewStrategyExecutor(log *zap.Logger, store WeightStore, key string, cfg StrategyConfig) *StrategyExecutor {
	if cfg.Epsilon < 0 || cfg.Epsilon > 1 {
		cfg.Epsilon = DefaultEpsilon
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		cfg.LearningRate = DefaultLearningRate
	}
	if cfg.MaxReward <= 0 {
		cfg.MaxReward = DefaultMaxReward
	}
	if cfg.FallbackBaselineEth <= 0 {
		cfg.FallbackBaselineEth = defaultBaselineEth
	}
	seed1, seed2 := cfg.Seed, cfg.Seed
	if cfg.Seed == 0 {
		seed1, seed2 = rand.Uint64(), rand.Uint64()
	}

	s := &StrategyExecutor{
		log:   log.Named("strategy").With(zap.String("weights", key)),
		store: store,
		key:   key,
		cfg:   cfg,
		rand:  rand.New(rand.NewPCG(seed1, seed2)),
	}
	if len(cfg.Enabled) == 0 {
		for t := range s.enabled {
			s.enabled[t] = true
		}
	}
	for _, t := range cfg.Enabled {
		if t < numTactics {
			s.enabled[t] = true
		}
	}
	return s
}

// Load replaces the in-memory weights with the stored table. Missing tactics keep a weight of zero,
// so an empty store means uniform weights.
func (s *StrategyExecutor) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	stored, err := s.store.LoadWeights(ctx, s.key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights = [numTactics]float64{}
	for name, w := range stored {
		t, err := ParseTactic(name)
		if err != nil {
			s.log.Warn("Ignoring stored weight of unknown tactic", zap.String("tactic", name))
			continue
		}
		s.weights[t] = max(0, w)
	}
	s.log.Info("Loaded weights", zap.Int("tactics", len(stored)))
	return nil
}

// Select chooses a tactic among the ones eligible for the opportunity.
func (s *StrategyExecutor) Select(opp *Opportunity, env *BuildEnv) (Tactic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]Tactic, 0, numTactics)
	for t := Tactic(0); t < numTactics; t++ {
		if s.enabled[t] && t.Eligible(opp, env) {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return 0, ErrNoEligibleTactic
	}

	if s.rand.Float64() < s.cfg.Epsilon {
		return eligible[s.rand.IntN(len(eligible))], nil
	}

	var best []Tactic
	for _, t := range eligible {
		switch {
		case len(best) == 0 || s.weights[t] > s.weights[best[0]]:
			best = append(best[:0], t)
		case s.weights[t] == s.weights[best[0]]:
			best = append(best, t)
		}
	}
	return best[s.rand.IntN(len(best))], nil
}

// Update folds an outcome into the weight of its tactic and returns the reward that was applied.
// Outcomes rejected by the node say nothing about the tactic and leave the weight untouched.
func (s *StrategyExecutor) Update(outcome *ExecutionOutcome) float64 {
	if outcome == nil || outcome.Tactic >= numTactics {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := outcome.Tactic
	gasCostEth := weiToEth(outcome.GasCost)
	if gasCostEth > 0 {
		if s.baselineEth == 0 {
			s.baselineEth = gasCostEth
		} else {
			s.baselineEth = statsDecay*s.baselineEth + (1-statsDecay)*gasCostEth
		}
	}

	stats := &s.stats[t]
	stats.Executions++
	if outcome.Status == OutcomeConfirmed {
		stats.Successes++
		stats.ProfitEth += weiToEth(outcome.Profit)
	} else {
		stats.Failures++
	}
	if stats.AvgExecTime == 0 {
		stats.AvgExecTime = outcome.Elapsed
	} else {
		stats.AvgExecTime = time.Duration(statsDecay*float64(stats.AvgExecTime) + (1-statsDecay)*float64(outcome.Elapsed))
	}

	if outcome.Status == OutcomeRejectedByNode {
		return 0
	}
	reward := s.rewardLocked(outcome)
	w := s.weights[t]
	s.weights[t] = max(0, w+s.cfg.LearningRate*(reward-w))
	s.dirty = true
	s.log.Debug("Updated weight", zap.Stringer("tactic", t), zap.Float64("reward", reward),
		zap.Float64("previous", w), zap.Float64("weight", s.weights[t]))
	return reward
}

// rewardLocked normalises the outcome's profit by the typical gas cost of a transaction.
func (s *StrategyExecutor) rewardLocked(outcome *ExecutionOutcome) float64 {
	baseline := s.baselineEth
	if baseline <= 0 {
		baseline = s.cfg.FallbackBaselineEth
	}
	var reward float64
	switch outcome.Status {
	case OutcomeConfirmed:
		reward = weiToEth(outcome.Profit) / baseline
	case OutcomeReverted:
		reward = -weiToEth(outcome.GasCost) / baseline
	default:
		reward = 0
	}
	return max(-s.cfg.MaxReward, min(s.cfg.MaxReward, reward))
}

// Weights returns a copy of the weight table keyed by tactic name.
func (s *StrategyExecutor) Weights() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weightsLocked()
}

func (s *StrategyExecutor) weightsLocked() map[string]float64 {
	res := make(map[string]float64, numTactics)
	for t := Tactic(0); t < numTactics; t++ {
		res[t.String()] = s.weights[t]
	}
	return res
}

func (s *StrategyExecutor) Weight(t Tactic) float64 {
	if t >= numTactics {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weights[t]
}

func (s *StrategyExecutor) Stats() map[string]TacticStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make(map[string]TacticStats, numTactics)
	for t := Tactic(0); t < numTactics; t++ {
		if s.stats[t].Executions > 0 {
			res[t.String()] = s.stats[t]
		}
	}
	return res
}

// Flush writes the weight table when it changed since the last flush.
func (s *StrategyExecutor) Flush(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	weights := s.weightsLocked()
	s.dirty = false
	s.mu.Unlock()

	if err := s.store.SaveWeights(ctx, s.key, weights); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// Run flushes the weights on an interval and a last time once ctx is done.
func (s *StrategyExecutor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			if err := s.Flush(flushCtx); err != nil {
				s.log.Error("Failed to flush weights on shutdown", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("Failed to flush weights", zap.Error(err))
			}
		}
	}
}
