package executor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/flashbots/mempool-executor/metrics"
	"github.com/flashbots/mempool-executor/oppqueue"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	DefaultPollInterval        = 2 * time.Second
	DefaultResubscribeInterval = time.Minute
	DefaultFetchWorkers        = 10
	DefaultFetchRate           = rate.Limit(100)
	DefaultSeenCacheSize       = 10_000
	DefaultGasBandMinPct       = int64(50)

	hashBufferSize      = 1024
	subscriptionBackoff = 30 * time.Second
)

// swapSelectors are router functions whose pending calls move prices and are worth front-running.
var swapSelectors = map[[4]byte]struct{}{
	{0x7f, 0xf3, 0x6a, 0xb5}: {}, // swapExactETHForTokens
	{0x38, 0xed, 0x17, 0x39}: {}, // swapExactTokensForTokens
	{0x18, 0xcb, 0xaf, 0xe5}: {}, // swapExactTokensForETH
	{0xfb, 0x3b, 0xdb, 0x41}: {}, // swapETHForExactTokens
	{0x41, 0x4b, 0xf3, 0x89}: {}, // exactInputSingle
	{0xc0, 0x4b, 0x8d, 0x59}: {}, // exactInput
	{0x5a, 0xe4, 0x01, 0xdc}: {}, // multicall(uint256,bytes[])
	{0x35, 0x93, 0x56, 0x4c}: {}, // execute(bytes,bytes[],uint256)
}

type ScanMode int32

const (
	ScanSubscription ScanMode = iota
	ScanPolling
)

func (m ScanMode) String() string {
	if m == ScanPolling {
		return "polling"
	}
	return "subscription"
}

type ScannerConfig struct {
	Network string
	ChainID *big.Int
	// Account is our own account, its transactions are never opportunities.
	Account common.Address
	// TrackedContracts limits opportunities to these targets, any target when empty.
	TrackedContracts []common.Address
	MinValue         *big.Int
	// GasBandMinPct is the lowest gas price worth competing with, in percent of the suggested gas price.
	GasBandMinPct int64
	MaxGasPrice   *big.Int
	// SandwichMinValue is the value above which a swap is sandwiched instead of front-run.
	SandwichMinValue *big.Int

	PollInterval        time.Duration
	ResubscribeInterval time.Duration
	FetchWorkers        int
	FetchRate           rate.Limit
	SeenCacheSize       int
}

// Scanner turns a network's pending transactions into queued opportunities.
// It subscribes to pending transaction hashes and falls back to polling the pending block while the
// subscription is unavailable. Nothing the scanner does blocks the subscription.
type Scanner struct {
	log     *zap.Logger
	cfg     ScannerConfig
	source  PendingSource
	queue   oppqueue.Queue[*Opportunity]
	metrics *metrics.NetworkMetrics
	signer  types.Signer
	tracked map[common.Address]struct{}
	seen    *lru.Cache[common.Hash, struct{}]

	// gasPrice is the current suggested gas price, nil until known.
	gasPrice func() *big.Int
	mode     atomic.Int32
}

func NewScanner(log *zap.Logger, cfg ScannerConfig, source PendingSource, queue oppqueue.Queue[*Opportunity], m *metrics.NetworkMetrics, gasPrice func() *big.Int) *Scanner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ResubscribeInterval <= 0 {
		cfg.ResubscribeInterval = DefaultResubscribeInterval
	}
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = DefaultFetchWorkers
	}
	if cfg.FetchRate <= 0 {
		cfg.FetchRate = DefaultFetchRate
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = DefaultSeenCacheSize
	}
	if cfg.GasBandMinPct <= 0 {
		cfg.GasBandMinPct = DefaultGasBandMinPct
	}
	tracked := make(map[common.Address]struct{}, len(cfg.TrackedContracts))
	for _, addr := range cfg.TrackedContracts {
		tracked[addr] = struct{}{}
	}
	if gasPrice == nil {
		gasPrice = func() *big.Int { return nil }
	}
	return &Scanner{
		log:      log.Named("scanner"),
		cfg:      cfg,
		source:   source,
		queue:    queue,
		metrics:  m,
		signer:   types.LatestSignerForChainID(cfg.ChainID),
		tracked:  tracked,
		seen:     lru.NewCache[common.Hash, struct{}](cfg.SeenCacheSize),
		gasPrice: gasPrice,
	}
}

func (s *Scanner) Mode() ScanMode {
	return ScanMode(s.mode.Load())
}

func (s *Scanner) setMode(mode ScanMode) {
	if ScanMode(s.mode.Swap(int32(mode))) != mode {
		s.log.Info("Switched scan mode", zap.Stringer("mode", mode))
	}
}

// Run scans until ctx is done.
func (s *Scanner) Run(ctx context.Context) {
	hashes := make(chan common.Hash, hashBufferSize)
	limiter := rate.NewLimiter(s.cfg.FetchRate, s.cfg.FetchWorkers)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.FetchWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.fetchLoop(ctx, hashes, limiter)
		}()
	}
	defer wg.Wait()

	for {
		err := s.subscribe(ctx, hashes)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("Pending transaction subscription unavailable, polling", zap.Error(err),
			zap.Duration("retryIn", s.cfg.ResubscribeInterval))
		s.setMode(ScanPolling)
		s.poll(ctx, s.cfg.ResubscribeInterval)
		if ctx.Err() != nil {
			return
		}
	}
}

// subscribe keeps a subscription alive, resubscribing with backoff. It returns when no subscription could
// be established within the backoff window.
func (s *Scanner) subscribe(ctx context.Context, hashes chan<- common.Hash) error {
	for {
		notifications := make(chan common.Hash, hashBufferSize)
		var sub ethereum.Subscription

		exp := backoff.NewExponentialBackOff()
		exp.MaxElapsedTime = subscriptionBackoff
		err := backoff.Retry(func() error {
			var err error
			sub, err = s.source.SubscribePendingTransactions(ctx, notifications)
			if errors.Is(err, rpc.ErrNotificationsUnsupported) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(exp, ctx))
		if err != nil {
			return err
		}
		s.setMode(ScanSubscription)

		err = s.forward(ctx, sub, notifications, hashes)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("Pending transaction subscription dropped, resubscribing", zap.Error(err))
	}
}

func (s *Scanner) forward(ctx context.Context, sub ethereum.Subscription, notifications <-chan common.Hash, hashes chan<- common.Hash) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case hash := <-notifications:
			select {
			case hashes <- hash:
			default:
				// fetchers are behind, the hash is lost rather than stalling the subscription
				s.metrics.IncOpportunitiesDropped()
			}
		}
	}
}

func (s *Scanner) fetchLoop(ctx context.Context, hashes <-chan common.Hash, limiter *rate.Limiter) {
	for {
		select {
		case <-ctx.Done():
			return
		case hash := <-hashes:
			if s.seen.Contains(hash) {
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			tx, isPending, err := s.source.TransactionByHash(ctx, hash)
			if err != nil || !isPending {
				continue
			}
			s.Handle(ctx, tx)
		}
	}
}

// poll reads the pending block every PollInterval for the given duration.
func (s *Scanner) poll(ctx context.Context, duration time.Duration) {
	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			txs, err := s.source.PendingTransactions(ctx)
			if err != nil {
				s.log.Debug("Failed to poll pending transactions", zap.Error(err))
				continue
			}
			for _, tx := range txs {
				s.Handle(ctx, tx)
			}
		}
	}
}

// Handle filters a pending transaction and queues it when it is an opportunity.
func (s *Scanner) Handle(ctx context.Context, tx *types.Transaction) {
	hash := tx.Hash()
	if s.seen.Contains(hash) {
		return
	}
	s.seen.Add(hash, struct{}{})
	s.metrics.IncOpportunitiesSeen()

	opp, ok := s.Filter(tx)
	if !ok {
		return
	}
	if err := s.queue.Push(ctx, opp, opp.GasPriceObserved); err != nil {
		s.metrics.IncOpportunitiesDropped()
		s.log.Debug("Opportunity not queued", zap.String("tx", hash.Hex()), zap.Error(err))
		return
	}
	s.metrics.IncOpportunitiesQueued()
}

// Filter is a cheap check of whether a transaction is worth analysing.
func (s *Scanner) Filter(tx *types.Transaction) (*Opportunity, bool) {
	to := tx.To()
	if to == nil {
		return nil, false
	}
	if len(s.tracked) > 0 {
		if _, ok := s.tracked[*to]; !ok {
			return nil, false
		}
	}
	from, err := types.Sender(s.signer, tx)
	if err != nil || from == s.cfg.Account {
		return nil, false
	}

	value := estimateValue(tx)
	if s.cfg.MinValue != nil && value.Cmp(s.cfg.MinValue) < 0 {
		return nil, false
	}

	gasPrice := tx.GasPrice()
	if suggested := s.gasPrice(); suggested != nil && gasPrice.Cmp(mulPercent(suggested, s.cfg.GasBandMinPct)) < 0 {
		return nil, false
	}
	if s.cfg.MaxGasPrice != nil && gasPrice.Cmp(s.cfg.MaxGasPrice) > 0 {
		return nil, false
	}

	return &Opportunity{
		ID:               uuid.New(),
		Network:          s.cfg.Network,
		SourceTxHash:     tx.Hash(),
		TargetContract:   *to,
		EstimatedValue:   value,
		GasPriceObserved: gasPrice,
		DetectedAt:       time.Now(),
		Category:         s.categorize(tx, value),
		Source:           tx,
	}, true
}

func (s *Scanner) categorize(tx *types.Transaction, value *big.Int) Category {
	data := tx.Data()
	if len(data) == 0 {
		return CategoryTransfer
	}
	if len(data) < 4 {
		return CategoryBackRun
	}
	if _, ok := swapSelectors[[4]byte(data[:4])]; !ok {
		return CategoryBackRun
	}
	if s.cfg.SandwichMinValue != nil && value.Cmp(s.cfg.SandwichMinValue) >= 0 {
		return CategorySandwich
	}
	return CategoryFrontRun
}

// estimateValue is the value the transaction moves: the native value sent, or else the first
// uint256 argument of the call, which is the input amount of the common router swaps.
func estimateValue(tx *types.Transaction) *big.Int {
	if tx.Value().Sign() > 0 {
		return new(big.Int).Set(tx.Value())
	}
	data := tx.Data()
	if len(data) >= 4+32 {
		return new(big.Int).SetBytes(data[4:36])
	}
	return new(big.Int)
}
