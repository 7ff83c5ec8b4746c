package executor

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/flashbots/mempool-executor/metrics"
	"github.com/flashbots/mempool-executor/oppqueue"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testRouter = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	// swapExactETHForTokens(uint256,address[],address,uint256) with the amountOutMin word only
	swapCalldata = append([]byte{0x7f, 0xf3, 0x6a, 0xb5}, make([]byte, 32)...)
)

type recordingQueue struct {
	mu    sync.Mutex
	items []*Opportunity
}

func (q *recordingQueue) Push(_ context.Context, item *Opportunity, _ *big.Int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func (q *recordingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *recordingQueue) StartProcessLoop(_ context.Context, _ []oppqueue.ProcessFunc[*Opportunity]) *sync.WaitGroup {
	return &sync.WaitGroup{}
}

func signTx(t *testing.T, key *ecdsa.PrivateKey, to *common.Address, value, gasPrice *big.Int, data []byte) *types.Transaction {
	t.Helper()
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		GasPrice: gasPrice,
		Gas:      200_000,
		To:       to,
		Value:    value,
		Data:     data,
	}), types.LatestSignerForChainID(testChainID), key)
	require.NoError(t, err)
	return tx
}

func newTestScanner(t *testing.T, source PendingSource, queue oppqueue.Queue[*Opportunity]) (*Scanner, common.Address, *ecdsa.PrivateKey) {
	t.Helper()
	key, account := newTestKey(t)
	cfg := ScannerConfig{
		Network:          "scantest",
		ChainID:          testChainID,
		Account:          account,
		TrackedContracts: []common.Address{testRouter},
		MinValue:         eth(0.1),
		GasBandMinPct:    50,
		MaxGasPrice:      gwei(300),
		SandwichMinValue: eth(10),
		PollInterval:     10 * time.Millisecond,
	}
	s := NewScanner(zap.NewNop(), cfg, source, queue, metrics.ForNetwork("scantest"), func() *big.Int { return gwei(20) })
	return s, account, key
}

func TestScanner_Filter(t *testing.T) {
	s, _, ownKey := newTestScanner(t, newFakeNode(), &recordingQueue{})
	other, _ := newTestKey(t)
	router := testRouter
	untracked := common.HexToAddress("0x1111111111111111111111111111111111111111")

	rejected := map[string]*types.Transaction{
		"contract creation":  signTx(t, other, nil, eth(1), gwei(20), nil),
		"untracked target":   signTx(t, other, &untracked, eth(1), gwei(20), nil),
		"own transaction":    signTx(t, ownKey, &router, eth(1), gwei(20), nil),
		"below min value":    signTx(t, other, &router, eth(0.01), gwei(20), nil),
		"below gas band":     signTx(t, other, &router, eth(1), gwei(9), nil),
		"above max gas":      signTx(t, other, &router, eth(1), gwei(301), nil),
		"no value in call":   signTx(t, other, &router, new(big.Int), gwei(20), []byte{0x01, 0x02}),
		"zero word argument": signTx(t, other, &router, new(big.Int), gwei(20), swapCalldata),
	}
	for name, tx := range rejected {
		t.Run(name, func(t *testing.T) {
			_, ok := s.Filter(tx)
			require.False(t, ok)
		})
	}

	opp, ok := s.Filter(signTx(t, other, &router, eth(1), gwei(10), nil))
	require.True(t, ok, "the gas band is inclusive")
	require.Equal(t, CategoryTransfer, opp.Category)
	require.Equal(t, "scantest", opp.Network)
	require.Equal(t, router, opp.TargetContract)
	require.Equal(t, gwei(10), opp.GasPriceObserved)
	require.NotNil(t, opp.Source)

	opp, ok = s.Filter(signTx(t, other, &router, eth(1), gwei(20), swapCalldata))
	require.True(t, ok)
	require.Equal(t, CategoryFrontRun, opp.Category)

	opp, ok = s.Filter(signTx(t, other, &router, eth(10), gwei(20), swapCalldata))
	require.True(t, ok)
	require.Equal(t, CategorySandwich, opp.Category)

	opp, ok = s.Filter(signTx(t, other, &router, eth(1), gwei(20), []byte{0xde, 0xad, 0xbe, 0xef}))
	require.True(t, ok)
	require.Equal(t, CategoryBackRun, opp.Category)
}

func TestEstimateValue(t *testing.T) {
	key, _ := newTestKey(t)
	router := testRouter

	require.Equal(t, eth(2), estimateValue(signTx(t, key, &router, eth(2), gwei(20), swapCalldata)))

	data := append([]byte{0x38, 0xed, 0x17, 0x39}, common.LeftPadBytes(eth(5).Bytes(), 32)...)
	require.Equal(t, eth(5), estimateValue(signTx(t, key, &router, new(big.Int), gwei(20), data)))
}

func TestScanner_HandleDeduplicates(t *testing.T) {
	queue := &recordingQueue{}
	s, _, _ := newTestScanner(t, newFakeNode(), queue)
	other, _ := newTestKey(t)
	router := testRouter
	tx := signTx(t, other, &router, eth(1), gwei(20), swapCalldata)

	s.Handle(context.Background(), tx)
	s.Handle(context.Background(), tx)
	require.Equal(t, 1, queue.Len())
	require.Equal(t, tx.Hash(), queue.items[0].SourceTxHash)
}

func pendingSwaps(t *testing.T, n int) []*types.Transaction {
	t.Helper()
	router := testRouter
	txs := make([]*types.Transaction, 0, n)
	for i := 0; i < n; i++ {
		key, _ := newTestKey(t)
		txs = append(txs, signTx(t, key, &router, eth(1), gwei(25), swapCalldata))
	}
	return txs
}

func TestScanner_RunSubscription(t *testing.T) {
	node := newFakeNode()
	node.pending = pendingSwaps(t, 5)
	queue := &recordingQueue{}
	s, _, _ := newTestScanner(t, node, queue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return queue.Len() == 5 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, ScanSubscription, s.Mode())
	cancel()
	<-done
}

func TestScanner_FallsBackToPolling(t *testing.T) {
	node := newFakeNode()
	node.pending = pendingSwaps(t, 3)
	node.subscribeErr = rpc.ErrNotificationsUnsupported
	queue := &recordingQueue{}
	s, _, _ := newTestScanner(t, node, queue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return queue.Len() == 3 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, ScanPolling, s.Mode())

	// polling again does not queue the same transactions twice
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 3, queue.Len())
	cancel()
	<-done
}
