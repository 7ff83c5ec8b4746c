package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mempool-executor/oppqueue"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testNetworkConfig(name string, account common.Address) NetworkConfig {
	cfg := NetworkConfig{
		Name:                  name,
		ChainID:               testChainID.Int64(),
		Endpoints:             []string{"http://localhost:8545"},
		Account:               account.Hex(),
		KeyEnv:                "WORKER_TEST_KEY",
		ExecutorContract:      testContract,
		TrackedContracts:      []string{testRouter.Hex()},
		MinValueEth:           0.1,
		Freshness:             time.Minute,
		PollInterval:          10 * time.Millisecond,
		HealthCheckInterval:   20 * time.Millisecond,
		MetricsInterval:       20 * time.Millisecond,
		InclusionTimeout:      500 * time.Millisecond,
		ReceiptPollInterval:   10 * time.Millisecond,
		MaxConcurrentRequests: 2,
	}
	cfg.applyDefaults()
	return cfg
}

type workerTest struct {
	node     *fakeNode
	worker   *ChainWorker
	strategy *StrategyExecutor
	outcomes *memoryOutcomeStore
}

func newWorkerTest(t *testing.T, name string) *workerTest {
	t.Helper()
	key, account := newTestKey(t)
	node := newFakeNode()
	strategy := NewStrategyExecutor(zap.NewNop(), nil, name, StrategyConfig{Seed: 1})
	outcomes := &memoryOutcomeStore{}
	worker, err := NewChainWorker(zap.NewNop(), testNetworkConfig(name, account), WorkerDeps{
		Node:     node,
		Keys:     fakeKeys{key},
		Strategy: strategy,
		Outcomes: outcomes,
	})
	require.NoError(t, err)
	require.Equal(t, StatusStarting, worker.Status())
	return &workerTest{node: node, worker: worker, strategy: strategy, outcomes: outcomes}
}

// run starts the worker and returns a function that stops it and returns the result of Run.
func (wt *workerTest) run(t *testing.T) (stop func() error, done <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- wt.worker.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-result:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}, result
}

func TestChainWorker_ExecutesOpportunity(t *testing.T) {
	wt := newWorkerTest(t, "worker-exec")
	wt.node.autoReceipt = true
	wt.node.pending = pendingSwaps(t, 1)

	stop, _ := wt.run(t)
	require.Eventually(t, func() bool { return len(wt.outcomes.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, StatusRunning, wt.worker.Status())

	outcome := wt.outcomes.all()[0]
	require.Equal(t, OutcomeConfirmed, outcome.Status)
	require.Equal(t, CategoryFrontRun, outcome.Tactic.Category())
	require.Equal(t, wt.node.pending[0].Hash(), outcome.SourceTxHash)
	require.Positive(t, outcome.Profit.Sign())
	require.Greater(t, wt.strategy.Weight(outcome.Tactic), 0.0)

	require.NoError(t, stop())
	require.Equal(t, StatusStopped, wt.worker.Status())
	require.Len(t, wt.node.sentTxs(), 1)

	report := wt.worker.Report()
	require.Equal(t, "worker-exec", report.Network)
	require.Equal(t, uint64(1), report.Nonce)
	require.Equal(t, uint64(1), report.Metrics.Confirmed)
}

func TestChainWorker_ChainIDMismatchHalts(t *testing.T) {
	wt := newWorkerTest(t, "worker-chainid")
	wt.node.chainID = common.Big1

	err := wt.worker.Run(context.Background())
	require.ErrorIs(t, err, ErrWorkerHalted)
	require.ErrorIs(t, err, ErrFatalConfig)
	require.Equal(t, StatusHalted, wt.worker.Status())
}

func TestChainWorker_AuthFailuresHalt(t *testing.T) {
	wt := newWorkerTest(t, "worker-auth")
	_, done := wt.run(t)
	require.Eventually(t, func() bool { return wt.worker.Status() == StatusRunning }, 2*time.Second, 5*time.Millisecond)

	wt.node.mu.Lock()
	wt.node.headerErr = errors.New("401 Unauthorized") //nolint:goerr113
	wt.node.mu.Unlock()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrWorkerHalted)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not halt")
	}
	require.Equal(t, StatusHalted, wt.worker.Status())
	require.Equal(t, StatusHalted.String(), wt.worker.Report().Status)
}

func TestChainWorker_PausesWhileUnreachable(t *testing.T) {
	wt := newWorkerTest(t, "worker-pause")
	stop, _ := wt.run(t)
	require.Eventually(t, func() bool { return wt.worker.Status() == StatusRunning }, 2*time.Second, 5*time.Millisecond)

	wt.node.mu.Lock()
	wt.node.headerErr = errConnRefused
	wt.node.mu.Unlock()
	require.Eventually(t, func() bool { return wt.worker.Status() == StatusPaused }, 2*time.Second, 5*time.Millisecond)

	wt.node.mu.Lock()
	wt.node.headerErr = nil
	wt.node.mu.Unlock()
	require.Eventually(t, func() bool { return wt.worker.Status() == StatusRunning }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
}

func TestChainWorker_ProcessSimulationFailure(t *testing.T) {
	wt := newWorkerTest(t, "worker-sim")
	ctx := context.Background()
	require.NoError(t, wt.worker.refreshState(ctx))
	wt.worker.setOnline(true)
	wt.node.estimate = func(ethereum.CallMsg) (uint64, error) { return 0, errExecReverted }

	opp := testOpportunity(CategoryBackRun, eth(1), gwei(20))
	require.NoError(t, wt.worker.Process(ctx, opp, oppqueue.ItemInfo{}))

	outcomes := wt.outcomes.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, OutcomeSimulationFailed, outcomes[0].Status)
	require.Contains(t, outcomes[0].Reason, "execution reverted")
	require.Empty(t, wt.node.sentTxs())
	require.Equal(t, uint64(1), wt.strategy.Stats()[outcomes[0].Tactic.String()].Failures)

	// the source transaction is processed, a second sighting is ignored
	wt.node.mu.Lock()
	estimates := wt.node.estimates
	wt.node.mu.Unlock()
	require.NoError(t, wt.worker.Process(ctx, opp, oppqueue.ItemInfo{}))
	wt.node.mu.Lock()
	require.Equal(t, estimates, wt.node.estimates)
	wt.node.mu.Unlock()
}

func TestChainWorker_ProcessSkipsStale(t *testing.T) {
	wt := newWorkerTest(t, "worker-stale")
	opp := testOpportunity(CategoryFrontRun, eth(1), gwei(20))
	opp.DetectedAt = time.Now().Add(-2 * time.Minute)

	require.NoError(t, wt.worker.Process(context.Background(), opp, oppqueue.ItemInfo{}))
	require.Empty(t, wt.node.sentTxs())
	require.Empty(t, wt.outcomes.all())
}

func TestChainWorker_ProcessRejected(t *testing.T) {
	wt := newWorkerTest(t, "worker-reject")
	ctx := context.Background()
	wt.node.gasPrice = gwei(20)
	require.NoError(t, wt.worker.refreshState(ctx))
	wt.worker.setOnline(true)

	// 300 bps of 0.01 eth does not pay for the gas
	opp := testOpportunity(CategoryFrontRun, eth(0.01), gwei(20))
	require.NoError(t, wt.worker.Process(ctx, opp, oppqueue.ItemInfo{}))
	require.Empty(t, wt.node.sentTxs())
	require.Empty(t, wt.outcomes.all(), "rejections are not execution outcomes")
	require.Equal(t, uint64(1), wt.worker.Report().Metrics.Rejected[RejectInsufficientProfit.String()])
}

func TestNewChainWorker_InvalidConfig(t *testing.T) {
	_, account := newTestKey(t)
	cfg := testNetworkConfig("worker-invalid", account)
	cfg.ExecutorContract = ""
	_, err := NewChainWorker(zap.NewNop(), cfg, WorkerDeps{Node: newFakeNode(), Strategy: NewStrategyExecutor(zap.NewNop(), nil, "x", StrategyConfig{})})
	require.ErrorIs(t, err, ErrFatalConfig)

	_, err = NewChainWorker(zap.NewNop(), testNetworkConfig("worker-invalid", account), WorkerDeps{})
	require.ErrorIs(t, err, ErrFatalConfig)
}
