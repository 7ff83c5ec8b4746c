package executor

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
)

type Category uint8

const (
	CategoryFrontRun Category = iota
	CategoryBackRun
	CategorySandwich
	CategoryTransfer
)

func (c Category) String() string {
	switch c {
	case CategoryFrontRun:
		return "front-run"
	case CategoryBackRun:
		return "back-run"
	case CategorySandwich:
		return "sandwich"
	case CategoryTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Opportunity is a pending transaction we may act on. It is never modified after the scanner creates it.
type Opportunity struct {
	ID               uuid.UUID
	Network          string
	SourceTxHash     common.Hash
	TargetContract   common.Address
	EstimatedValue   *big.Int
	GasPriceObserved *big.Int
	DetectedAt       time.Time
	Category         Category

	// Source is the pending transaction itself, needed to bundle around it.
	Source *types.Transaction
}

// TxLeg holds the unsigned fields of one transaction of a plan. Nonce is assigned at signing.
type TxLeg struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64

	// legacy transactions
	GasPrice *big.Int
	// dynamic fee transactions
	GasFeeCap *big.Int
	GasTipCap *big.Int
}

// MaxGasPrice is the highest price per gas the leg can pay.
func (l *TxLeg) MaxGasPrice() *big.Int {
	if l.GasFeeCap != nil {
		return l.GasFeeCap
	}
	if l.GasPrice != nil {
		return l.GasPrice
	}
	return new(big.Int)
}

func (l *TxLeg) dynamicFee() bool {
	return l.GasFeeCap != nil
}

// TransactionPlan is what a Tactic builds for an Opportunity. Plans are never mutated,
// gas bumps and gas limit refinements produce a copy.
type TransactionPlan struct {
	OpportunityID   uuid.UUID
	Tactic          Tactic
	Legs            []TxLeg
	ExpectedRevenue *big.Int
	// Bundle is set when the legs must land atomically around the source transaction.
	Bundle bool
}

// GasCost is the worst-case fee of all legs.
func (p *TransactionPlan) GasCost() *big.Int {
	total := new(big.Int)
	for i := range p.Legs {
		leg := &p.Legs[i]
		total.Add(total, new(big.Int).Mul(new(big.Int).SetUint64(leg.GasLimit), leg.MaxGasPrice()))
	}
	return total
}

func (p *TransactionPlan) Value() *big.Int {
	total := new(big.Int)
	for i := range p.Legs {
		if v := p.Legs[i].Value; v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// GasPrice is the highest per-gas price any leg pays.
func (p *TransactionPlan) GasPrice() *big.Int {
	highest := new(big.Int)
	for i := range p.Legs {
		if price := p.Legs[i].MaxGasPrice(); price.Cmp(highest) > 0 {
			highest = price
		}
	}
	return new(big.Int).Set(highest)
}

func (p *TransactionPlan) clone() *TransactionPlan {
	c := *p
	c.Legs = make([]TxLeg, len(p.Legs))
	copy(c.Legs, p.Legs)
	return &c
}

// WithGasLimits returns a copy of the plan with per-leg gas limits replaced.
func (p *TransactionPlan) WithGasLimits(limits []uint64) *TransactionPlan {
	c := p.clone()
	for i := range c.Legs {
		if i < len(limits) {
			c.Legs[i].GasLimit = limits[i]
		}
	}
	return c
}

// WithGasBump returns a copy of the plan with every leg's gas price raised by percent and capped at maxGasPrice.
// bumped is false when no leg could be raised.
func (p *TransactionPlan) WithGasBump(percent int64, maxGasPrice *big.Int) (plan *TransactionPlan, bumped bool) {
	c := p.clone()
	bumpPrice := func(price *big.Int) *big.Int {
		if price == nil {
			return nil
		}
		next := mulPercent(price, 100+percent)
		if next.Cmp(price) <= 0 {
			next = new(big.Int).Add(price, big1)
		}
		if maxGasPrice != nil && next.Cmp(maxGasPrice) > 0 {
			next = new(big.Int).Set(maxGasPrice)
		}
		if next.Cmp(price) > 0 {
			bumped = true
		}
		return next
	}
	for i := range c.Legs {
		leg := &c.Legs[i]
		leg.GasPrice = bumpPrice(leg.GasPrice)
		leg.GasFeeCap = bumpPrice(leg.GasFeeCap)
		if leg.GasTipCap != nil {
			tip := mulPercent(leg.GasTipCap, 100+percent)
			if leg.GasFeeCap != nil && tip.Cmp(leg.GasFeeCap) > 0 {
				tip = new(big.Int).Set(leg.GasFeeCap)
			}
			leg.GasTipCap = tip
		}
	}
	return c, bumped
}

type RejectReason uint8

const (
	RejectInsufficientProfit RejectReason = iota + 1
	RejectGasPriceExceeded
	RejectBalanceTooLow
	RejectSlippageExceeded
)

func (r RejectReason) String() string {
	switch r {
	case RejectInsufficientProfit:
		return "InsufficientProfit"
	case RejectGasPriceExceeded:
		return "GasPriceExceeded"
	case RejectBalanceTooLow:
		return "BalanceTooLow"
	case RejectSlippageExceeded:
		return "SlippageExceeded"
	default:
		return "Unknown"
	}
}

type SafetyVerdict struct {
	Approved bool
	Reason   RejectReason

	Profit      *big.Int
	SlippageBps int64
}

// Err returns nil for approved verdicts and a *SafetyRejection otherwise.
func (v SafetyVerdict) Err() error {
	if v.Approved {
		return nil
	}
	return &SafetyRejection{Reason: v.Reason}
}

type OutcomeStatus uint8

const (
	OutcomeConfirmed OutcomeStatus = iota + 1
	OutcomeReverted
	OutcomeDropped
	OutcomeSimulationFailed
	// OutcomeRejectedByNode is recorded when the node refused the transaction after all retries.
	OutcomeRejectedByNode
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeConfirmed:
		return "Confirmed"
	case OutcomeReverted:
		return "Reverted"
	case OutcomeDropped:
		return "Dropped"
	case OutcomeSimulationFailed:
		return "SimulationFailed"
	case OutcomeRejectedByNode:
		return "RejectedByNode"
	default:
		return "Unknown"
	}
}

// ExecutionOutcome is the terminal record of one opportunity that reached the transaction manager.
type ExecutionOutcome struct {
	OpportunityID uuid.UUID
	Network       string
	SourceTxHash  common.Hash
	Tactic        Tactic
	Status        OutcomeStatus
	Reason        string

	TxHash   common.Hash
	Nonce    uint64
	Profit   *big.Int
	GasUsed  uint64
	GasPrice *big.Int
	GasCost  *big.Int

	DetectedAt time.Time
	ResolvedAt time.Time
	// Elapsed is the time from detection to resolution.
	Elapsed time.Duration
}

func newOutcome(opp *Opportunity, tactic Tactic, status OutcomeStatus, reason string) *ExecutionOutcome {
	now := time.Now()
	return &ExecutionOutcome{
		OpportunityID: opp.ID,
		Network:       opp.Network,
		SourceTxHash:  opp.SourceTxHash,
		Tactic:        tactic,
		Status:        status,
		Reason:        reason,
		Profit:        new(big.Int),
		GasPrice:      new(big.Int),
		GasCost:       new(big.Int),
		DetectedAt:    opp.DetectedAt,
		ResolvedAt:    now,
		Elapsed:       now.Sub(opp.DetectedAt),
	}
}
