package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/flashbots/mempool-executor/metrics"
	"go.uber.org/zap"
)

var (
	DefaultGasBumpPercent       = int64(15)
	DefaultMaxBroadcastAttempts = 3
	DefaultInclusionTimeout     = 2 * time.Minute
	DefaultReceiptPollInterval  = 2 * time.Second
	DefaultSimulationTimeout    = 10 * time.Second
	DefaultBroadcastTimeout     = 10 * time.Second
	DefaultGasLimitBufferPct    = int64(20)

	// replacements must pay at least 10% more than the transaction they replace
	minReplacementBumpPct = int64(10)
)

// BundleRelay submits transactions that must land together and in order.
type BundleRelay interface {
	SendBundle(ctx context.Context, txs []*types.Transaction, blockNumber uint64) (common.Hash, error)
}

type TxManagerConfig struct {
	ChainID *big.Int
	Account common.Address

	GasBumpPercent       int64
	MaxBroadcastAttempts int
	MaxGasPrice          *big.Int
	GasLimitBufferPct    int64

	SimulationTimeout time.Duration
	// BroadcastTimeout bounds one send, which runs detached from the caller's context.
	BroadcastTimeout    time.Duration
	InclusionTimeout    time.Duration
	ReceiptPollInterval time.Duration
}

// ExecutionRequest is an opportunity with its selected tactic.
// Check is the safety guard, run again on the simulated plan before a nonce is reserved.
type ExecutionRequest struct {
	Opportunity *Opportunity
	Tactic      Tactic
	Env         *BuildEnv
	Check       func(plan *TransactionPlan) SafetyVerdict
}

// Submission is a plan the node or the relays accepted.
type Submission struct {
	Opportunity *Opportunity
	Plan        *TransactionPlan
	Txs         []*types.Transaction
	Nonce       uint64
	Attempts    int

	BundleHash  common.Hash
	TargetBlock uint64
	SubmittedAt time.Time
}

// TxManager builds, simulates, signs and broadcasts transaction plans of one account on one network.
type TxManager struct {
	log     *zap.Logger
	cfg     TxManagerConfig
	client  NodeClient
	nonces  *NonceManager
	keys    KeyProvider
	relay   BundleRelay
	signer  types.Signer
	metrics *metrics.NetworkMetrics
}

func NewTxManager(log *zap.Logger, cfg TxManagerConfig, client NodeClient, nonces *NonceManager, keys KeyProvider, relay BundleRelay, m *metrics.NetworkMetrics) *TxManager {
	if cfg.GasBumpPercent < minReplacementBumpPct {
		cfg.GasBumpPercent = DefaultGasBumpPercent
	}
	if cfg.MaxBroadcastAttempts <= 0 {
		cfg.MaxBroadcastAttempts = DefaultMaxBroadcastAttempts
	}
	if cfg.GasLimitBufferPct <= 0 {
		cfg.GasLimitBufferPct = DefaultGasLimitBufferPct
	}
	if cfg.SimulationTimeout <= 0 {
		cfg.SimulationTimeout = DefaultSimulationTimeout
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = DefaultBroadcastTimeout
	}
	if cfg.InclusionTimeout <= 0 {
		cfg.InclusionTimeout = DefaultInclusionTimeout
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = DefaultReceiptPollInterval
	}
	return &TxManager{
		log:     log.Named("txmanager"),
		cfg:     cfg,
		client:  client,
		nonces:  nonces,
		keys:    keys,
		relay:   relay,
		signer:  types.LatestSignerForChainID(cfg.ChainID),
		metrics: m,
	}
}

// Execute runs Build -> Simulate -> Check -> Reserve -> Sign -> Broadcast.
// Errors before the broadcast leave no nonce reserved. A "nonce too low" answer restarts from Build once
// with a resynced nonce.
func (m *TxManager) Execute(ctx context.Context, req ExecutionRequest) (*Submission, error) {
	opp := req.Opportunity
	log := m.log.With(zap.String("opportunity", opp.ID.String()), zap.Stringer("tactic", req.Tactic))

	nonceRetried := false
	for {
		plan, err := req.Tactic.Build(opp, req.Env)
		if err != nil {
			return nil, err
		}
		plan, err = m.Simulate(ctx, plan)
		if err != nil {
			return nil, err
		}
		if req.Check != nil {
			if verdict := req.Check(plan); !verdict.Approved {
				return nil, verdict.Err()
			}
		}

		lease, err := m.nonces.ReserveN(ctx, uint64(len(plan.Legs)))
		if err != nil {
			return nil, err
		}
		sub, err := m.broadcastWithLease(ctx, log, req, plan, lease)
		if err == nil {
			return sub, nil
		}
		if ClassifyNodeError(err) != NodeErrNonceTooLow || nonceRetried {
			return nil, err
		}
		nonceRetried = true
		log.Info("Nonce too low, retrying with a resynced nonce", zap.Uint64("nonce", lease.Nonce))
		m.metrics.IncBroadcastRetries()
	}
}

// broadcastWithLease resolves the lease exactly once on every path.
func (m *TxManager) broadcastWithLease(ctx context.Context, log *zap.Logger, req ExecutionRequest, plan *TransactionPlan, lease *NonceLease) (*Submission, error) {
	opp := req.Opportunity
	commit := func(sub *Submission) (*Submission, error) {
		if cerr := lease.Commit(); cerr != nil {
			log.Error("Failed to commit nonce", zap.Uint64("nonce", lease.Nonce), zap.Error(cerr))
		}
		sub.SubmittedAt = time.Now()
		return sub, nil
	}
	release := func(err error) (*Submission, error) {
		if rerr := lease.Release(); rerr != nil {
			log.Error("Failed to release nonce", zap.Uint64("nonce", lease.Nonce), zap.Error(rerr))
		}
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		txs, err := m.sign(ctx, plan, lease.Nonce)
		if err != nil {
			return release(err)
		}
		sub := &Submission{
			Opportunity: opp,
			Plan:        plan,
			Txs:         txs,
			Nonce:       lease.Nonce,
			Attempts:    attempt,
		}
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.BroadcastTimeout)
		err = m.broadcast(sendCtx, opp, sub)
		cancel()
		kind := ClassifyNodeError(err)
		switch {
		case err == nil || kind == NodeErrAlreadyKnown:
			log.Info("Broadcast transaction", zap.String("tx", txs[0].Hash().Hex()), zap.Uint64("nonce", lease.Nonce),
				zap.Int("attempt", attempt), zap.String("gasPriceGwei", formatUnits(plan.GasPrice(), "gwei")))
			return commit(sub)
		case kind == NodeErrUnderpriced:
			bumped, ok := plan.WithGasBump(m.cfg.GasBumpPercent, m.cfg.MaxGasPrice)
			if !ok || attempt >= m.cfg.MaxBroadcastAttempts {
				return release(fmt.Errorf("%w: underpriced after %d attempts: %w", ErrBroadcastRejected, attempt, err))
			}
			// the higher fee eats into the profit the plan was approved with
			if req.Check != nil {
				if verdict := req.Check(bumped); !verdict.Approved {
					log.Debug("Bumped plan rejected", zap.Int("attempt", attempt), zap.Stringer("reason", verdict.Reason))
					return release(verdict.Err())
				}
			}
			log.Debug("Transaction underpriced, bumping gas", zap.Int("attempt", attempt), zap.Error(err))
			m.metrics.IncBroadcastRetries()
			plan = bumped
		case kind == NodeErrNonceTooLow:
			m.nonces.ForceResync()
			return release(fmt.Errorf("%w: %w", ErrBroadcastRejected, err))
		case kind == NodeErrConnectivity || isContextError(err):
			// the send may have reached the node before it failed
			if m.accepted(ctx, sub) {
				log.Info("Broadcast outcome uncertain, node has the transaction", zap.String("tx", txs[0].Hash().Hex()),
					zap.Uint64("nonce", lease.Nonce), zap.Error(err))
				return commit(sub)
			}
			m.nonces.ForceResync()
			if isContextError(err) {
				return release(err)
			}
			return release(errors.Join(err, ErrConnectivity))
		case kind == NodeErrAuth:
			return release(err)
		default:
			return release(fmt.Errorf("%w: %w", ErrBroadcastRejected, err))
		}
	}
}

// accepted reports whether a broadcast that failed midway may still land. A public transaction is asked
// for by hash. A bundle is private, once its target block was set it may sit with a relay and is
// resolved by Track at that block.
func (m *TxManager) accepted(ctx context.Context, sub *Submission) bool {
	if sub.Plan.Bundle {
		return sub.TargetBlock != 0
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.BroadcastTimeout)
	defer cancel()
	tx, _, err := m.client.TransactionByHash(ctx, sub.Txs[0].Hash())
	return err == nil && tx != nil
}

// Simulate estimates every leg against the current state and returns the plan with refined gas limits.
// The same plan against unchanged state gives the same result.
func (m *TxManager) Simulate(ctx context.Context, plan *TransactionPlan) (*TransactionPlan, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SimulationTimeout)
	defer cancel()

	limits := make([]uint64, len(plan.Legs))
	for i := range plan.Legs {
		leg := &plan.Legs[i]
		to := leg.To
		gas, err := m.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  m.cfg.Account,
			To:    &to,
			Value: leg.Value,
			Data:  leg.Data,
		})
		if err != nil {
			if isConnectivityError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, &SimulationError{Leg: i, Reason: err.Error()}
		}
		limits[i] = gas + gas*uint64(m.cfg.GasLimitBufferPct)/100
	}
	return plan.WithGasLimits(limits), nil
}

func (m *TxManager) sign(ctx context.Context, plan *TransactionPlan, nonce uint64) ([]*types.Transaction, error) {
	txs := make([]*types.Transaction, 0, len(plan.Legs))
	err := m.keys.WithKey(ctx, m.cfg.Account, func(key *ecdsa.PrivateKey) error {
		for i := range plan.Legs {
			signed, err := types.SignTx(m.unsignedTx(&plan.Legs[i], nonce+uint64(i)), m.signer, key)
			if err != nil {
				return err
			}
			txs = append(txs, signed)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return txs, nil
}

func (m *TxManager) unsignedTx(leg *TxLeg, nonce uint64) *types.Transaction {
	to := leg.To
	value := leg.Value
	if value == nil {
		value = new(big.Int)
	}
	if leg.dynamicFee() {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   m.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: leg.GasTipCap,
			GasFeeCap: leg.GasFeeCap,
			Gas:       leg.GasLimit,
			To:        &to,
			Value:     value,
			Data:      leg.Data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: leg.GasPrice,
		Gas:      leg.GasLimit,
		To:       &to,
		Value:    value,
		Data:     leg.Data,
	})
}

// broadcast sends single transactions to the node and bundles, wrapped around the source transaction,
// to the relays for the next block.
func (m *TxManager) broadcast(ctx context.Context, opp *Opportunity, sub *Submission) error {
	if !sub.Plan.Bundle {
		for _, tx := range sub.Txs {
			if err := m.client.SendTransaction(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	}

	if m.relay == nil {
		return ErrNoRelays
	}
	if opp.Source == nil {
		return fmt.Errorf("%w: bundle without source transaction", ErrTacticNotApplicable)
	}
	head, err := m.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return err
	}
	bundle := make([]*types.Transaction, 0, len(sub.Txs)+1)
	bundle = append(bundle, sub.Txs[0], opp.Source)
	bundle = append(bundle, sub.Txs[1:]...)

	sub.TargetBlock = head.Number.Uint64() + 1
	sub.BundleHash, err = m.relay.SendBundle(ctx, bundle, sub.TargetBlock)
	return err
}

// Track waits for the receipts of a submission and classifies it as Confirmed, Reverted or Dropped.
// Profit of a confirmed plan is its expected revenue minus the fees actually paid.
func (m *TxManager) Track(ctx context.Context, sub *Submission) (*ExecutionOutcome, error) {
	log := m.log.With(zap.String("opportunity", sub.Opportunity.ID.String()), zap.String("tx", sub.Txs[0].Hash().Hex()))
	deadline := time.NewTimer(m.cfg.InclusionTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	receipts := make([]*types.Receipt, len(sub.Txs))
	for {
		// the head is read before the receipts, a bundle included at its target block is seen below
		var head uint64
		if sub.Plan.Bundle && sub.TargetBlock != 0 {
			if header, err := m.client.HeaderByNumber(ctx, nil); err == nil {
				head = header.Number.Uint64()
			} else if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		done := true
		for i, tx := range sub.Txs {
			if receipts[i] != nil {
				continue
			}
			receipt, err := m.client.TransactionReceipt(ctx, tx.Hash())
			switch {
			case err == nil && receipt != nil:
				receipts[i] = receipt
				continue
			case err != nil && !errors.Is(err, ethereum.NotFound):
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				log.Debug("Failed to fetch receipt", zap.Error(err))
			}
			done = false
		}
		if done {
			return m.classify(sub, receipts), nil
		}
		found := false
		for _, r := range receipts {
			found = found || r != nil
		}
		if !found && head > sub.TargetBlock && sub.TargetBlock != 0 {
			log.Info("Bundle missed its target block", zap.Uint64("targetBlock", sub.TargetBlock), zap.Uint64("head", head))
			return m.dropped(sub, fmt.Sprintf("%s: bundle missed target block %d", ErrInclusionTimeout, sub.TargetBlock)), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return m.dropped(sub, ErrInclusionTimeout.Error()), nil
		case <-ticker.C:
		}
	}
}

func (m *TxManager) dropped(sub *Submission, reason string) *ExecutionOutcome {
	outcome := newOutcome(sub.Opportunity, sub.Plan.Tactic, OutcomeDropped, reason)
	outcome.TxHash = sub.Txs[0].Hash()
	outcome.Nonce = sub.Nonce
	outcome.GasPrice = sub.Plan.GasPrice()
	return outcome
}

func (m *TxManager) classify(sub *Submission, receipts []*types.Receipt) *ExecutionOutcome {
	status := OutcomeConfirmed
	reason := ""
	gasCost := new(big.Int)
	var gasUsed uint64
	for i, receipt := range receipts {
		price := receipt.EffectiveGasPrice
		if price == nil {
			price = sub.Txs[i].GasPrice()
		}
		gasUsed += receipt.GasUsed
		gasCost.Add(gasCost, new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), price))
		if receipt.Status != types.ReceiptStatusSuccessful && status == OutcomeConfirmed {
			status = OutcomeReverted
			reason = fmt.Sprintf("leg %d reverted in block %s", i, receipt.BlockNumber)
		}
	}

	outcome := newOutcome(sub.Opportunity, sub.Plan.Tactic, status, reason)
	outcome.TxHash = sub.Txs[0].Hash()
	outcome.Nonce = sub.Nonce
	outcome.GasUsed = gasUsed
	outcome.GasCost = gasCost
	if gasUsed > 0 {
		outcome.GasPrice = new(big.Int).Quo(gasCost, new(big.Int).SetUint64(gasUsed))
	}
	if status == OutcomeConfirmed {
		outcome.Profit = new(big.Int).Sub(sub.Plan.ExpectedRevenue, gasCost)
	} else {
		outcome.Profit = new(big.Int).Neg(gasCost)
	}
	return outcome
}

// Cancel replaces the transactions of a submission that has not been included with 0-value transfers to
// ourselves at the same nonces. Bundles are never public and are not cancelled.
func (m *TxManager) Cancel(ctx context.Context, sub *Submission) ([]*types.Transaction, error) {
	if sub.Plan.Bundle {
		return nil, nil
	}
	suggested, err := m.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	var cancels []*types.Transaction
	err = m.keys.WithKey(ctx, m.cfg.Account, func(key *ecdsa.PrivateKey) error {
		for i, original := range sub.Txs {
			leg := TxLeg{To: m.cfg.Account, Value: new(big.Int), GasLimit: params.TxGas}
			if original.Type() == types.DynamicFeeTxType {
				leg.GasFeeCap = maxBig(mulPercent(original.GasFeeCap(), 100+m.cfg.GasBumpPercent), suggested)
				leg.GasTipCap = mulPercent(original.GasTipCap(), 100+m.cfg.GasBumpPercent)
			} else {
				leg.GasPrice = maxBig(mulPercent(original.GasPrice(), 100+m.cfg.GasBumpPercent), suggested)
			}
			tx, err := types.SignTx(m.unsignedTx(&leg, sub.Nonce+uint64(i)), m.signer, key)
			if err != nil {
				return err
			}
			cancels = append(cancels, tx)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign cancellation: %w", err)
	}

	for _, tx := range cancels {
		if err := m.client.SendTransaction(ctx, tx); err != nil {
			if kind := ClassifyNodeError(err); kind == NodeErrNonceTooLow || kind == NodeErrAlreadyKnown {
				// the original was included meanwhile
				continue
			}
			return cancels, err
		}
		m.log.Info("Cancelled transaction", zap.Uint64("nonce", tx.Nonce()), zap.String("tx", tx.Hash().Hex()))
	}
	return cancels, nil
}
