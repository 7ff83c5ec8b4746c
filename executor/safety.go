package executor

import (
	"math/big"
	"sync"
)

const (
	DefaultMinSlippageBps = int64(5)
	DefaultMaxSlippageBps = int64(500)
)

// SlippageTier sets the slippage allowance for congestion levels below MaxCongestion.
type SlippageTier struct {
	MaxCongestion float64 `yaml:"max_congestion"`
	Bps           int64   `yaml:"bps"`
}

var DefaultSlippageTiers = []SlippageTier{
	{MaxCongestion: 0.3, Bps: 10},
	{MaxCongestion: 0.6, Bps: 50},
	{MaxCongestion: 0.8, Bps: 100},
	{MaxCongestion: 1.0, Bps: 200},
}

type SafetyConfig struct {
	MinProfit      *big.Int
	MaxGasPrice    *big.Int
	MinSlippageBps int64
	MaxSlippageBps int64
	SlippageTiers  []SlippageTier
	// MinBalance trips the circuit breaker when the account balance falls below it.
	MinBalance *big.Int
}

// SafetyInput is what a plan is judged on.
type SafetyInput struct {
	Revenue    *big.Int
	GasCost    *big.Int
	GasPrice   *big.Int
	Value      *big.Int
	Balance    *big.Int
	Congestion float64
}

// SafetyInputFor collects the safety inputs of a plan.
func SafetyInputFor(plan *TransactionPlan, balance *big.Int, congestion float64) SafetyInput {
	return SafetyInput{
		Revenue:    plan.ExpectedRevenue,
		GasCost:    plan.GasCost(),
		GasPrice:   plan.GasPrice(),
		Value:      plan.Value(),
		Balance:    balance,
		Congestion: congestion,
	}
}

// SafetyGuard decides whether a plan is worth committing resources to.
// Check holds no state between calls apart from the balance circuit breaker.
type SafetyGuard struct {
	cfg SafetyConfig

	mu      sync.RWMutex
	tripped bool
}

func NewSafetyGuard(cfg SafetyConfig) *SafetyGuard {
	if len(cfg.SlippageTiers) == 0 {
		cfg.SlippageTiers = DefaultSlippageTiers
	}
	if cfg.MaxSlippageBps == 0 {
		cfg.MaxSlippageBps = DefaultMaxSlippageBps
	}
	if cfg.MinProfit == nil {
		cfg.MinProfit = new(big.Int)
	}
	return &SafetyGuard{cfg: cfg}
}

// EffectiveSlippageBps is the slippage allowance for a congestion level, before clamping.
func EffectiveSlippageBps(congestion float64, tiers []SlippageTier) int64 {
	if len(tiers) == 0 {
		tiers = DefaultSlippageTiers
	}
	for _, tier := range tiers {
		if congestion < tier.MaxCongestion {
			return tier.Bps
		}
	}
	return tiers[len(tiers)-1].Bps
}

// ComputedProfit is revenue - gas cost - revenue * slippage.
func ComputedProfit(revenue, gasCost *big.Int, slippageBps int64) *big.Int {
	profit := new(big.Int)
	if revenue != nil {
		profit.Set(revenue)
		profit.Sub(profit, mulBps(revenue, slippageBps))
	}
	if gasCost != nil {
		profit.Sub(profit, gasCost)
	}
	return profit
}

func (g *SafetyGuard) Check(in SafetyInput) SafetyVerdict {
	slippage := EffectiveSlippageBps(in.Congestion, g.cfg.SlippageTiers)
	if slippage < g.cfg.MinSlippageBps {
		slippage = g.cfg.MinSlippageBps
	}
	profit := ComputedProfit(in.Revenue, in.GasCost, slippage)
	verdict := SafetyVerdict{Approved: true, Profit: profit, SlippageBps: slippage}
	reject := func(reason RejectReason) SafetyVerdict {
		verdict.Approved = false
		verdict.Reason = reason
		return verdict
	}

	if g.Tripped() {
		return reject(RejectBalanceTooLow)
	}
	if slippage > g.cfg.MaxSlippageBps {
		return reject(RejectSlippageExceeded)
	}
	if profit.Cmp(g.cfg.MinProfit) < 0 {
		return reject(RejectInsufficientProfit)
	}
	if g.cfg.MaxGasPrice != nil && in.GasPrice != nil && in.GasPrice.Cmp(g.cfg.MaxGasPrice) > 0 {
		return reject(RejectGasPriceExceeded)
	}
	if in.Balance != nil {
		required := new(big.Int)
		if in.GasCost != nil {
			required.Add(required, in.GasCost)
		}
		if in.Value != nil {
			required.Add(required, in.Value)
		}
		if in.Balance.Cmp(required) < 0 {
			return reject(RejectBalanceTooLow)
		}
	}
	return verdict
}

// UpdateBalance feeds the circuit breaker with a fresh account balance and reports whether it is tripped.
func (g *SafetyGuard) UpdateBalance(balance *big.Int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.MinBalance == nil || balance == nil {
		return g.tripped
	}
	g.tripped = balance.Cmp(g.cfg.MinBalance) < 0
	return g.tripped
}

func (g *SafetyGuard) Tripped() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tripped
}
