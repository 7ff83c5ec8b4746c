package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/flashbots/mempool-executor/metrics"
	"github.com/flashbots/mempool-executor/oppqueue"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	processedCacheSize = 10_000
	quoteTimeout       = 2 * time.Second
	storeTimeout       = 5 * time.Second
	// tracking outlives the inclusion timeout by this much before it is abandoned
	trackingGrace = time.Minute
)

type WorkerStatus int32

const (
	StatusStarting WorkerStatus = iota
	StatusRunning
	// StatusPaused is set while the node is unreachable.
	StatusPaused
	// StatusHalted needs a restart, the worker does not recover from it.
	StatusHalted
	StatusStopped
)

func (s WorkerStatus) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusHalted:
		return "halted"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type OutcomeStore interface {
	InsertOutcome(ctx context.Context, outcome *ExecutionOutcome) error
}

// ProcessedCache remembers processed source transactions across restarts.
type ProcessedCache interface {
	IsProcessed(ctx context.Context, hash common.Hash) (bool, error)
	MarkProcessed(ctx context.Context, hash common.Hash) error
}

// WorkerDeps are the collaborators of a chain worker. Relay, Outcomes and Processed are optional.
type WorkerDeps struct {
	Node      Node
	Keys      KeyProvider
	Relay     BundleRelay
	PriceFeed PriceFeed
	Strategy  *StrategyExecutor
	Outcomes  OutcomeStore
	Processed ProcessedCache
}

type chainState struct {
	gasPrice *big.Int
	baseFee  *big.Int
	tipCap   *big.Int
	balance  *big.Int
	block    uint64
}

// ChainWorker runs the pipeline of one network. It shares nothing with other workers apart from the
// metrics sink and, when configured, the strategy executor.
type ChainWorker struct {
	log     *zap.Logger
	cfg     NetworkConfig
	deps    WorkerDeps
	metrics *metrics.NetworkMetrics

	nonces     *NonceManager
	safety     *SafetyGuard
	congestion *CongestionEstimator
	txm        *TxManager
	queue      *oppqueue.MemoryQueue[*Opportunity]
	scanner    *Scanner
	processed  *lru.Cache[common.Hash, struct{}]
	staticEnv  BuildEnv

	status       atomic.Int32
	authFailures atomic.Int32
	haltOnce     sync.Once
	halted       chan struct{}
	haltErr      error
	cancel       context.CancelFunc

	onlineMu sync.Mutex
	// online is closed while the node is reachable
	online chan struct{}

	stateMu sync.RWMutex
	state   chainState

	backgroundWg sync.WaitGroup
}

// NewChainWorker validates the config and wires the pipeline. It does not touch the network.
func NewChainWorker(log *zap.Logger, cfg NetworkConfig, deps WorkerDeps) (*ChainWorker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Node == nil || deps.Strategy == nil {
		return nil, fmt.Errorf("%w: network %q: node and strategy are required", ErrFatalConfig, cfg.Name)
	}
	if deps.Keys == nil {
		deps.Keys = cfg.KeyProvider()
	}
	if deps.PriceFeed == nil {
		deps.PriceFeed = StaticPriceFeed{Fixed: Quote{Price: cfg.StaticPrice}}
	}

	log = log.With(zap.String("network", cfg.Name))
	m := metrics.ForNetwork(cfg.Name)
	account := cfg.AccountAddress()

	w := &ChainWorker{
		log:        log.Named("worker"),
		cfg:        cfg,
		deps:       deps,
		metrics:    m,
		nonces:     NewNonceManager(log, deps.Node, account, m),
		safety:     NewSafetyGuard(cfg.SafetyConfig()),
		congestion: NewCongestionEstimator(cfg.CongestionWindow),
		queue:      oppqueue.NewMemoryQueue[*Opportunity](log, cfg.Name, cfg.QueueConfig()),
		processed:  lru.NewCache[common.Hash, struct{}](processedCacheSize),
		staticEnv:  cfg.BuildEnv(),
		halted:     make(chan struct{}),
		online:     make(chan struct{}),
	}
	w.staticEnv.BundleSupport = deps.Relay != nil
	w.txm = NewTxManager(log, cfg.TxManagerConfig(), deps.Node, w.nonces, deps.Keys, deps.Relay, m)
	w.scanner = NewScanner(log, cfg.ScannerConfig(), deps.Node, w.queue, m, w.gasPrice)
	w.setStatus(StatusStarting)
	return w, nil
}

func (w *ChainWorker) Name() string { return w.cfg.Name }

func (w *ChainWorker) Status() WorkerStatus {
	return WorkerStatus(w.status.Load())
}

func (w *ChainWorker) setStatus(status WorkerStatus) {
	for {
		current := w.status.Load()
		// halted is terminal
		if WorkerStatus(current) == StatusHalted && status != StatusHalted {
			return
		}
		if w.status.CompareAndSwap(current, int32(status)) {
			break
		}
	}
	w.metrics.SetStatus(int(status), status.String())
}

// Err is the reason the worker halted, nil otherwise.
func (w *ChainWorker) Err() error {
	select {
	case <-w.halted:
		return w.haltErr
	default:
		return nil
	}
}

func (w *ChainWorker) halt(err error) {
	w.haltOnce.Do(func() {
		w.haltErr = fmt.Errorf("%w: %w", ErrWorkerHalted, err)
		w.setStatus(StatusHalted)
		w.log.Error("Worker halted, restart required", zap.Error(err))
		close(w.halted)
		if w.cancel != nil {
			w.cancel()
		}
	})
}

// Run connects, starts the pipeline and blocks until ctx is done or the worker halts. In-flight
// opportunities are drained before it returns: unsigned ones release their nonce, broadcast ones are
// tracked to completion.
func (w *ChainWorker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.cancel = cancel

	if err := w.connect(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			w.halt(err)
		}
		w.setStatus(StatusStopped)
		return w.Err()
	}
	w.setOnline(true)

	var loopsWg sync.WaitGroup
	for _, loop := range []func(context.Context){
		func(ctx context.Context) { w.nonces.Run(ctx, w.cfg.NonceRefreshInterval) },
		w.refreshLoop,
		w.monitorLoop,
		w.scanner.Run,
	} {
		loopsWg.Add(1)
		go func(loop func(context.Context)) {
			defer loopsWg.Done()
			loop(ctx)
		}(loop)
	}

	limit := rate.Inf
	if w.cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(w.cfg.RequestsPerSecond)
	}
	workers := oppqueue.MultipleWorkers(w.Process, w.cfg.MaxConcurrentRequests, limit, w.cfg.MaxConcurrentRequests)
	queueWg := w.queue.StartProcessLoop(ctx, workers)
	w.log.Info("Worker started", zap.String("account", w.cfg.Account), zap.Uint64("nonce", w.nonces.Next()))

	<-ctx.Done()
	w.log.Info("Worker draining")
	queueWg.Wait()
	loopsWg.Wait()
	w.backgroundWg.Wait()
	w.setStatus(StatusStopped)
	w.log.Info("Worker stopped")
	return w.Err()
}

// connect checks the chain id and loads the initial nonce and chain state, retrying while the node is
// unreachable.
func (w *ChainWorker) connect(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.MaxInterval = 30 * time.Second
	exp.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		chainID, err := w.deps.Node.ChainID(ctx)
		if err != nil {
			return w.retryable(err)
		}
		if chainID.Int64() != w.cfg.ChainID {
			return backoff.Permanent(fmt.Errorf("%w: node is on chain %s, expected %d", ErrFatalConfig, chainID, w.cfg.ChainID))
		}
		if err := w.nonces.Sync(ctx); err != nil {
			return w.retryable(err)
		}
		if err := w.refreshState(ctx); err != nil {
			return w.retryable(err)
		}
		return nil
	}, backoff.WithContext(exp, ctx))
}

func (w *ChainWorker) retryable(err error) error {
	if isConnectivityError(err) || errors.Is(err, ErrConnectivity) {
		w.log.Warn("Node unreachable, retrying", zap.Error(err))
		return err
	}
	return backoff.Permanent(err)
}

func (w *ChainWorker) setOnline(online bool) {
	w.onlineMu.Lock()
	defer w.onlineMu.Unlock()
	select {
	case <-w.online:
		if !online {
			w.online = make(chan struct{})
			w.setStatus(StatusPaused)
			w.log.Warn("Node unreachable, pausing processing")
		}
	default:
		if online {
			close(w.online)
			w.setStatus(StatusRunning)
			w.log.Info("Node reachable, processing")
		}
	}
}

func (w *ChainWorker) waitOnline(ctx context.Context) error {
	w.onlineMu.Lock()
	online := w.online
	w.onlineMu.Unlock()
	select {
	case <-online:
		return nil
	case <-w.halted:
		return ErrWorkerHalted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// monitorLoop pings the node and flips the connectivity gate.
func (w *ChainWorker) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := w.deps.Node.HeaderByNumber(ctx, nil)
			switch {
			case err == nil:
				w.setOnline(true)
			case ClassifyNodeError(err) == NodeErrAuth:
				w.authFailure(err)
			case ctx.Err() == nil:
				w.setOnline(false)
			}
		}
	}
}

func (w *ChainWorker) authFailure(err error) {
	failures := int(w.authFailures.Add(1))
	w.log.Warn("Node refused authentication", zap.Int("failures", failures), zap.Error(err))
	if failures >= w.cfg.MaxAuthFailures {
		w.halt(fmt.Errorf("repeated authentication failures: %w", err))
	}
}

func (w *ChainWorker) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.refreshState(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("Failed to refresh chain state", zap.Error(err))
				if isConnectivityError(err) {
					w.setOnline(false)
				}
			}
		}
	}
}

// refreshState reloads gas prices, balance and congestion from the node.
func (w *ChainWorker) refreshState(ctx context.Context) error {
	account := w.cfg.AccountAddress()
	gasPrice, err := w.deps.Node.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	head, err := w.deps.Node.HeaderByNumber(ctx, nil)
	if err != nil {
		return err
	}
	var tipCap *big.Int
	if w.cfg.EIP1559 && head.BaseFee != nil {
		if tipCap, err = w.deps.Node.SuggestGasTipCap(ctx); err != nil {
			return err
		}
	}
	balance, err := w.deps.Node.BalanceAt(ctx, account, nil)
	if err != nil {
		return err
	}
	pending, err := w.deps.Node.PendingTransactionCount(ctx)
	if err != nil {
		return err
	}

	w.stateMu.Lock()
	w.state = chainState{
		gasPrice: gasPrice,
		baseFee:  head.BaseFee,
		tipCap:   tipCap,
		balance:  balance,
		block:    head.Number.Uint64(),
	}
	w.stateMu.Unlock()

	wasTripped := w.safety.Tripped()
	if tripped := w.safety.UpdateBalance(balance); tripped != wasTripped {
		if tripped {
			w.log.Warn("Circuit breaker tripped, balance below minimum", zap.String("balanceEth", formatUnits(balance, "eth")))
		} else {
			w.log.Info("Circuit breaker reset", zap.String("balanceEth", formatUnits(balance, "eth")))
		}
	}
	congestion := w.congestion.Observe(head.GasUsed, head.GasLimit, pending, gasPrice)

	w.metrics.SetGasPriceGwei(weiToGwei(gasPrice))
	w.metrics.SetBalanceEth(weiToEth(balance))
	w.metrics.SetCongestion(congestion)
	return nil
}

func (w *ChainWorker) gasPrice() *big.Int {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.state.gasPrice
}

func (w *ChainWorker) buildEnv(ctx context.Context) (*BuildEnv, error) {
	quoteCtx, cancel := context.WithTimeout(ctx, quoteTimeout)
	defer cancel()
	quote, err := w.deps.PriceFeed.Quote(quoteCtx, w.cfg.PricePair)
	if err != nil {
		return nil, fmt.Errorf("price quote: %w", err)
	}

	env := w.staticEnv
	w.stateMu.RLock()
	env.GasPrice = w.state.gasPrice
	env.BaseFee = w.state.baseFee
	env.TipCap = w.state.tipCap
	w.stateMu.RUnlock()
	env.Quote = quote
	return &env, nil
}

func (w *ChainWorker) check(plan *TransactionPlan) SafetyVerdict {
	w.stateMu.RLock()
	balance := w.state.balance
	w.stateMu.RUnlock()
	return w.safety.Check(SafetyInputFor(plan, balance, w.congestion.Level()))
}

// Process takes one opportunity through selection, safety, and execution. Errors that concern only the
// opportunity are logged and swallowed, connectivity errors requeue it.
func (w *ChainWorker) Process(ctx context.Context, opp *Opportunity, info oppqueue.ItemInfo) error {
	start := time.Now()
	defer func() {
		w.metrics.RecordProcessDuration(time.Since(start).Milliseconds())
	}()
	log := w.log.With(zap.String("opportunity", opp.ID.String()), zap.String("source", opp.SourceTxHash.Hex()))

	if age := time.Since(opp.DetectedAt); age > w.cfg.Freshness {
		w.metrics.IncOpportunitiesStale()
		log.Debug("Discarding stale opportunity", zap.Duration("age", age))
		return nil
	}
	if err := w.waitOnline(ctx); err != nil {
		return nil
	}
	if done, err := w.isProcessed(ctx, opp.SourceTxHash); err != nil {
		log.Warn("Failed to check processed cache", zap.Error(err))
	} else if done {
		return nil
	}

	env, err := w.buildEnv(ctx)
	if err != nil {
		log.Warn("Failed to value opportunity", zap.Error(err))
		return nil
	}
	tactic, err := w.deps.Strategy.Select(opp, env)
	if err != nil {
		log.Debug("No tactic for opportunity", zap.Stringer("category", opp.Category))
		w.markProcessed(opp.SourceTxHash)
		return nil
	}
	log = log.With(zap.Stringer("tactic", tactic))

	plan, err := tactic.Build(opp, env)
	if err != nil {
		log.Debug("Failed to build plan", zap.Error(err))
		w.markProcessed(opp.SourceTxHash)
		return nil
	}
	if verdict := w.check(plan); !verdict.Approved {
		w.rejected(log, verdict.Reason)
		w.markProcessed(opp.SourceTxHash)
		return nil
	}
	w.metrics.IncApproved()

	sub, err := w.txm.Execute(ctx, ExecutionRequest{Opportunity: opp, Tactic: tactic, Env: env, Check: w.check})
	if err != nil {
		return w.executeFailed(ctx, log, opp, tactic, err, info)
	}
	w.authFailures.Store(0)
	w.markProcessed(opp.SourceTxHash)

	w.backgroundWg.Add(1)
	go func() {
		defer w.backgroundWg.Done()
		w.track(sub)
	}()
	return nil
}

func (w *ChainWorker) executeFailed(ctx context.Context, log *zap.Logger, opp *Opportunity, tactic Tactic, err error, info oppqueue.ItemInfo) error {
	var (
		rejection *SafetyRejection
		simErr    *SimulationError
	)
	switch {
	case errors.As(err, &rejection):
		w.rejected(log, rejection.Reason)
	case errors.As(err, &simErr):
		w.metrics.IncSimulationFailed()
		w.record(newOutcome(opp, tactic, OutcomeSimulationFailed, simErr.Reason))
	case errors.Is(err, ErrTacticNotApplicable), errors.Is(err, ErrNoRelays):
		log.Debug("Tactic could not be executed", zap.Error(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// not marked, a restart may pick the source transaction up again
		log.Debug("Opportunity abandoned", zap.Error(err), zap.Bool("shutdown", ctx.Err() != nil))
		return nil
	case ClassifyNodeError(err) == NodeErrConnectivity || errors.Is(err, ErrConnectivity):
		w.setOnline(false)
		log.Warn("Node unreachable while executing", zap.Int("retries", info.Retries), zap.Error(err))
		return errors.Join(err, oppqueue.ErrProcessWorkerError)
	case ClassifyNodeError(err) == NodeErrAuth:
		w.authFailure(err)
		return nil
	case errors.Is(err, ErrBroadcastRejected):
		w.record(newOutcome(opp, tactic, OutcomeRejectedByNode, err.Error()))
	default:
		log.Error("Failed to execute opportunity", zap.Error(err))
	}
	w.markProcessed(opp.SourceTxHash)
	return nil
}

func (w *ChainWorker) rejected(log *zap.Logger, reason RejectReason) {
	w.metrics.IncRejected(reason.String())
	log.Info("Opportunity rejected", zap.Stringer("reason", reason))
}

// track follows a broadcast plan to its outcome. It is detached from the worker context so that a
// shutdown never abandons a broadcast transaction.
func (w *ChainWorker) track(sub *Submission) {
	ctx, cancel := context.WithTimeout(context.Background(), w.txm.cfg.InclusionTimeout+trackingGrace)
	defer cancel()

	outcome, err := w.txm.Track(ctx, sub)
	if err != nil {
		w.log.Error("Failed to track transaction", zap.String("tx", sub.Txs[0].Hash().Hex()), zap.Error(err))
		outcome = newOutcome(sub.Opportunity, sub.Plan.Tactic, OutcomeDropped, err.Error())
		outcome.TxHash = sub.Txs[0].Hash()
		outcome.Nonce = sub.Nonce
	}
	if outcome.Status == OutcomeDropped {
		// the nonces stay committed, the next reservation reconciles them with the network
		w.nonces.ForceResync()
		if w.cfg.CancelDropped {
			if _, err := w.txm.Cancel(ctx, sub); err != nil {
				w.log.Warn("Failed to cancel dropped transaction", zap.Uint64("nonce", sub.Nonce), zap.Error(err))
			}
		}
	}
	w.record(outcome)
}

// record feeds a terminal outcome back into the weights, the metrics and the history.
func (w *ChainWorker) record(outcome *ExecutionOutcome) {
	reward := w.deps.Strategy.Update(outcome)

	switch outcome.Status {
	case OutcomeConfirmed:
		w.metrics.IncConfirmed(weiToEth(outcome.Profit))
		w.metrics.AddGasSpent(weiToEth(outcome.GasCost))
	case OutcomeReverted:
		w.metrics.IncReverted()
		w.metrics.AddGasSpent(weiToEth(outcome.GasCost))
	case OutcomeDropped:
		w.metrics.IncTxDropped()
	}

	w.log.Info("Execution outcome",
		zap.String("opportunity", outcome.OpportunityID.String()),
		zap.Stringer("tactic", outcome.Tactic),
		zap.Stringer("status", outcome.Status),
		zap.String("reason", outcome.Reason),
		zap.String("tx", outcome.TxHash.Hex()),
		zap.String("profitEth", formatUnits(outcome.Profit, "eth")),
		zap.Uint64("gasUsed", outcome.GasUsed),
		zap.Float64("reward", reward),
		zap.Duration("elapsed", outcome.Elapsed),
	)

	if w.deps.Outcomes == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := w.deps.Outcomes.InsertOutcome(ctx, outcome); err != nil {
		w.log.Error("Failed to store outcome", zap.String("opportunity", outcome.OpportunityID.String()), zap.Error(err))
	}
}

func (w *ChainWorker) isProcessed(ctx context.Context, hash common.Hash) (bool, error) {
	if w.processed.Contains(hash) {
		return true, nil
	}
	if w.deps.Processed == nil {
		return false, nil
	}
	return w.deps.Processed.IsProcessed(ctx, hash)
}

func (w *ChainWorker) markProcessed(hash common.Hash) {
	w.processed.Add(hash, struct{}{})
	if w.deps.Processed == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := w.deps.Processed.MarkProcessed(ctx, hash); err != nil {
		w.log.Warn("Failed to mark source transaction processed", zap.String("source", hash.Hex()), zap.Error(err))
	}
}

// WorkerStatusReport is a readable view of a worker for the status surface.
type WorkerStatusReport struct {
	Network        string           `json:"network"`
	Status         string           `json:"status"`
	Error          string           `json:"error,omitempty"`
	ScanMode       string           `json:"scanMode"`
	Nonce          uint64           `json:"nonce"`
	Queued         int              `json:"queued"`
	Block          uint64           `json:"block"`
	Congestion     float64          `json:"congestion"`
	CircuitBreaker bool             `json:"circuitBreaker"`
	Metrics        metrics.Snapshot `json:"metrics"`
}

func (w *ChainWorker) Report() WorkerStatusReport {
	w.stateMu.RLock()
	block := w.state.block
	w.stateMu.RUnlock()
	report := WorkerStatusReport{
		Network:        w.cfg.Name,
		Status:         w.Status().String(),
		ScanMode:       w.scanner.Mode().String(),
		Nonce:          w.nonces.Next(),
		Queued:         w.queue.Len(),
		Block:          block,
		Congestion:     w.congestion.Level(),
		CircuitBreaker: w.safety.Tripped(),
		Metrics:        w.metrics.Snapshot(),
	}
	if err := w.Err(); err != nil {
		report.Error = err.Error()
	}
	return report
}
