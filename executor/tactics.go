package executor

import (
	"fmt"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

// Tactic is one executable strategy variant. The set is closed: adding a tactic means adding a constant
// and its entry in tacticSpecs.
type Tactic uint8

const (
	TacticFrontRunStandard Tactic = iota
	TacticFrontRunAggressive
	TacticFrontRunPredictive
	TacticFrontRunVolatility
	TacticFrontRunFlashloan
	TacticBackRunStandard
	TacticBackRunPriceDip
	TacticBackRunHighVolume
	TacticBackRunFlashloan
	TacticSandwichStandard
	TacticSandwichFlashloan
	TacticTransferStandard

	numTactics
)

const (
	DefaultGasLimit          = uint64(100_000)
	flashloanGasMultiplier   = 3
	minVolatility            = 0.02
	maxPredictionRevenueGain = 0.5
)

type tacticSpec struct {
	name              string
	category          Category
	requiresFlashloan bool
	// gas price premium over the source transaction, in percent
	gasBumpPct int64
	// share of the opportunity value the tactic expects to capture, in basis points
	captureBps int64
}

var tacticSpecs = [numTactics]tacticSpec{
	TacticFrontRunStandard:   {name: "front-run-standard", category: CategoryFrontRun, gasBumpPct: 10, captureBps: 300},
	TacticFrontRunAggressive: {name: "front-run-aggressive", category: CategoryFrontRun, gasBumpPct: 25, captureBps: 400},
	TacticFrontRunPredictive: {name: "front-run-predictive", category: CategoryFrontRun, gasBumpPct: 15, captureBps: 350},
	TacticFrontRunVolatility: {name: "front-run-volatility", category: CategoryFrontRun, gasBumpPct: 20, captureBps: 380},
	TacticFrontRunFlashloan:  {name: "front-run-flashloan", category: CategoryFrontRun, requiresFlashloan: true, gasBumpPct: 10, captureBps: 500},
	TacticBackRunStandard:    {name: "back-run-standard", category: CategoryBackRun, captureBps: 200},
	TacticBackRunPriceDip:    {name: "back-run-price-dip", category: CategoryBackRun, captureBps: 250},
	TacticBackRunHighVolume:  {name: "back-run-high-volume", category: CategoryBackRun, captureBps: 280},
	TacticBackRunFlashloan:   {name: "back-run-flashloan", category: CategoryBackRun, requiresFlashloan: true, captureBps: 400},
	TacticSandwichStandard:   {name: "sandwich-standard", category: CategorySandwich, gasBumpPct: 10, captureBps: 600},
	TacticSandwichFlashloan:  {name: "sandwich-flashloan", category: CategorySandwich, requiresFlashloan: true, gasBumpPct: 10, captureBps: 800},
	TacticTransferStandard:   {name: "transfer-standard", category: CategoryTransfer, gasBumpPct: 10, captureBps: 50},
}

func AllTactics() []Tactic {
	all := make([]Tactic, 0, numTactics)
	for t := Tactic(0); t < numTactics; t++ {
		all = append(all, t)
	}
	return all
}

func ParseTactic(name string) (Tactic, error) {
	for t := Tactic(0); t < numTactics; t++ {
		if tacticSpecs[t].name == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown tactic %q", ErrFatalConfig, name)
}

func (t Tactic) String() string {
	if t >= numTactics {
		return "unknown"
	}
	return tacticSpecs[t].name
}

func (t Tactic) Category() Category { return tacticSpecs[t].category }

func (t Tactic) RequiresFlashloan() bool { return tacticSpecs[t].requiresFlashloan }

// Quote is the price feed answer used to value an opportunity.
// Prediction and Volatility come from the market model and are used as opaque signals.
type Quote struct {
	Price      float64 `json:"price"`
	Prediction float64 `json:"prediction"`
	Volatility float64 `json:"volatility"`
}

// BuildEnv is the per-network state tactics build against.
type BuildEnv struct {
	Account          common.Address
	ExecutorContract common.Address
	FlashloanAsset   common.Address
	FlashloanAmount  *big.Int

	EIP1559 bool
	// GasPrice is the node's suggested gas price, BaseFee and TipCap are only set on EIP-1559 networks.
	GasPrice *big.Int
	BaseFee  *big.Int
	TipCap   *big.Int

	Quote               Quote
	BundleSupport       bool
	HighVolumeThreshold *big.Int
	GasLimit            uint64
	// Tactics are the tactics enabled on the network, all when empty.
	Tactics []Tactic
}

func (e *BuildEnv) flashloanAvailable() bool {
	return e.FlashloanAmount != nil && e.FlashloanAmount.Sign() > 0 && e.FlashloanAsset != (common.Address{})
}

// Eligible reports whether the tactic can act on the opportunity with what the network offers.
func (t Tactic) Eligible(opp *Opportunity, env *BuildEnv) bool {
	if t >= numTactics {
		return false
	}
	spec := tacticSpecs[t]
	if spec.category != opp.Category {
		return false
	}
	if len(env.Tactics) > 0 && !slices.Contains(env.Tactics, t) {
		return false
	}
	if spec.requiresFlashloan && !env.flashloanAvailable() {
		return false
	}
	if spec.category == CategorySandwich && (!env.BundleSupport || opp.Source == nil) {
		return false
	}

	switch t {
	case TacticFrontRunPredictive:
		return env.Quote.Prediction > 0
	case TacticFrontRunVolatility:
		return env.Quote.Volatility >= minVolatility
	case TacticBackRunPriceDip:
		return env.Quote.Prediction < 0
	case TacticBackRunHighVolume:
		return env.HighVolumeThreshold != nil && opp.EstimatedValue.Cmp(env.HighVolumeThreshold) >= 0
	default:
		return true
	}
}

// Build assembles the unsigned transactions of the tactic for the opportunity.
func (t Tactic) Build(opp *Opportunity, env *BuildEnv) (*TransactionPlan, error) {
	if !t.Eligible(opp, env) {
		return nil, fmt.Errorf("%w: %s", ErrTacticNotApplicable, t)
	}
	spec := tacticSpecs[t]
	if env.GasPrice == nil {
		return nil, fmt.Errorf("%w: no gas price for %s", ErrTacticNotApplicable, t)
	}
	observed := opp.GasPriceObserved
	if observed == nil {
		observed = env.GasPrice
	}

	gasLimit := env.GasLimit
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	if spec.requiresFlashloan {
		gasLimit *= flashloanGasMultiplier
	}

	amount := opp.EstimatedValue
	if spec.requiresFlashloan {
		amount = env.FlashloanAmount
	}

	plan := &TransactionPlan{
		OpportunityID:   opp.ID,
		Tactic:          t,
		ExpectedRevenue: t.expectedRevenue(opp, env),
	}

	switch spec.category {
	case CategoryFrontRun:
		data, err := t.call(packFrontRun, opp, amount, env)
		if err != nil {
			return nil, err
		}
		plan.Legs = []TxLeg{env.leg(data, gasLimit, mulPercent(observed, 100+spec.gasBumpPct), observedTip(opp, env, spec.gasBumpPct))}
	case CategoryBackRun:
		data, err := t.call(packBackRun, opp, amount, env)
		if err != nil {
			return nil, err
		}
		price := observed
		if t == TacticBackRunHighVolume {
			price = maxBig(price, env.GasPrice)
		}
		plan.Legs = []TxLeg{env.leg(data, gasLimit, price, observedTip(opp, env, 0))}
	case CategorySandwich:
		front, err := t.call(packFrontRun, opp, amount, env)
		if err != nil {
			return nil, err
		}
		back, err := t.call(packBackRun, opp, amount, env)
		if err != nil {
			return nil, err
		}
		plan.Bundle = true
		plan.Legs = []TxLeg{
			env.leg(front, gasLimit, mulPercent(observed, 100+spec.gasBumpPct), observedTip(opp, env, spec.gasBumpPct)),
			env.leg(back, gasLimit, observed, observedTip(opp, env, 0)),
		}
	case CategoryTransfer:
		data, err := t.call(packBackRun, opp, amount, env)
		if err != nil {
			return nil, err
		}
		plan.Legs = []TxLeg{env.leg(data, gasLimit, mulPercent(env.GasPrice, 100+spec.gasBumpPct), nil)}
	}
	return plan, nil
}

type packFunc func(target common.Address, amount *big.Int, sourceTx common.Hash) ([]byte, error)

func (t Tactic) call(pack packFunc, opp *Opportunity, amount *big.Int, env *BuildEnv) ([]byte, error) {
	data, err := pack(opp.TargetContract, amount, opp.SourceTxHash)
	if err != nil {
		return nil, err
	}
	if !t.RequiresFlashloan() {
		return data, nil
	}
	return wrapFlashLoan(env.FlashloanAsset, env.FlashloanAmount, data)
}

// expectedRevenue values the captured share of the opportunity with the price quote.
func (t Tactic) expectedRevenue(opp *Opportunity, env *BuildEnv) *big.Int {
	if env.Quote.Price <= 0 || opp.EstimatedValue == nil {
		return new(big.Int)
	}
	factor := env.Quote.Price
	if t == TacticFrontRunPredictive {
		factor *= 1 + min(env.Quote.Prediction, maxPredictionRevenueGain)
	}
	return mulFloat(mulBps(opp.EstimatedValue, tacticSpecs[t].captureBps), factor)
}

// leg fills the fee fields for a target price per gas.
func (e *BuildEnv) leg(data []byte, gasLimit uint64, price, tip *big.Int) TxLeg {
	leg := TxLeg{
		To:       e.ExecutorContract,
		Value:    new(big.Int),
		Data:     data,
		GasLimit: gasLimit,
	}
	if price == nil {
		price = e.GasPrice
	}
	if !e.EIP1559 || e.BaseFee == nil {
		leg.GasPrice = new(big.Int).Set(price)
		return leg
	}
	if tip == nil {
		tip = new(big.Int).Sub(price, e.BaseFee)
	}
	if e.TipCap != nil && tip.Cmp(e.TipCap) < 0 {
		tip = new(big.Int).Set(e.TipCap)
	}
	if tip.Sign() < 0 {
		tip = new(big.Int)
	}
	// leave room for one block of base fee growth
	feeCap := new(big.Int).Add(e.BaseFee, new(big.Int).Quo(e.BaseFee, big.NewInt(8)))
	feeCap.Add(feeCap, tip)
	leg.GasTipCap = tip
	leg.GasFeeCap = feeCap
	return leg
}

// observedTip is the priority fee to pay relative to the source transaction, nil when it has none.
func observedTip(opp *Opportunity, env *BuildEnv, bumpPct int64) *big.Int {
	if !env.EIP1559 || opp.Source == nil || opp.Source.GasTipCap() == nil {
		return nil
	}
	return mulPercent(opp.Source.GasTipCap(), 100+bumpPct)
}
