package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	errNonceTooLow  = errors.New("nonce too low")
	errUnderpriced  = errors.New("replacement transaction underpriced")
	errConnRefused  = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
	errExecReverted = errors.New("execution reverted: not profitable")

	testChainID = big.NewInt(1337)
)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e9))
}

// fakeNode is an in-memory node. Calls are counted and answers are configured through the fields.
type fakeNode struct {
	mu sync.Mutex

	chainID  *big.Int
	nonce    uint64
	nonceErr error
	gasPrice *big.Int
	tipCap   *big.Int
	baseFee  *big.Int
	balance  *big.Int
	block    uint64
	pending  []*types.Transaction

	estimate func(msg ethereum.CallMsg) (uint64, error)
	sendErrs []error
	// sendThenErr is returned after the transaction was stored, a send that failed on the way back
	sendThenErr error
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	autoReceipt bool
	known       map[common.Hash]*types.Transaction

	subscribeErr error
	headerErr    error
	estimates    int
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		chainID:  new(big.Int).Set(testChainID),
		gasPrice: gwei(20),
		tipCap:   gwei(1),
		balance:  new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
		block:    100,
		receipts: make(map[common.Hash]*types.Receipt),
		known:    make(map[common.Hash]*types.Transaction),
	}
}

func (n *fakeNode) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonce, n.nonceErr
}

func (n *fakeNode) setNonce(nonce uint64) {
	n.mu.Lock()
	n.nonce = nonce
	n.mu.Unlock()
}

func (n *fakeNode) ChainID(_ context.Context) (*big.Int, error) {
	return n.chainID, nil
}

func (n *fakeNode) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return new(big.Int).Set(n.gasPrice), nil
}

func (n *fakeNode) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(n.tipCap), nil
}

func (n *fakeNode) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.headerErr != nil {
		return nil, n.headerErr
	}
	return &types.Header{
		Number:   new(big.Int).SetUint64(n.block),
		GasLimit: 30_000_000,
		GasUsed:  15_000_000,
		BaseFee:  n.baseFee,
	}, nil
}

func (n *fakeNode) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return new(big.Int).Set(n.balance), nil
}

func (n *fakeNode) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	n.mu.Lock()
	n.estimates++
	estimate := n.estimate
	n.mu.Unlock()
	if estimate != nil {
		return estimate(msg)
	}
	return 50_000, nil
}

func (n *fakeNode) SendTransaction(_ context.Context, tx *types.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sendErrs) > 0 {
		err := n.sendErrs[0]
		n.sendErrs = n.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	n.sent = append(n.sent, tx)
	n.known[tx.Hash()] = tx
	if n.sendThenErr != nil {
		return n.sendThenErr
	}
	if n.autoReceipt {
		n.receipts[tx.Hash()] = &types.Receipt{
			Status:            types.ReceiptStatusSuccessful,
			GasUsed:           40_000,
			EffectiveGasPrice: tx.GasPrice(),
			BlockNumber:       new(big.Int).SetUint64(n.block + 1),
			TxHash:            tx.Hash(),
		}
	}
	return nil
}

func (n *fakeNode) sentTxs() []*types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.Transaction(nil), n.sent...)
}

func (n *fakeNode) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (n *fakeNode) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if tx, ok := n.known[hash]; ok {
		return tx, true, nil
	}
	for _, tx := range n.pending {
		if tx.Hash() == hash {
			return tx, true, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (n *fakeNode) SubscribePendingTransactions(_ context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	if n.subscribeErr != nil {
		return nil, n.subscribeErr
	}
	n.mu.Lock()
	pending := append([]*types.Transaction(nil), n.pending...)
	n.mu.Unlock()
	return event.NewSubscription(func(quit <-chan struct{}) error {
		for _, tx := range pending {
			select {
			case ch <- tx.Hash():
			case <-quit:
				return nil
			}
		}
		<-quit
		return nil
	}), nil
}

func (n *fakeNode) PendingTransactions(_ context.Context) ([]*types.Transaction, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.Transaction(nil), n.pending...), nil
}

func (n *fakeNode) PendingTransactionCount(_ context.Context) (uint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return uint(len(n.pending)), nil
}

func (n *fakeNode) Close() {}

// fakeKeys hands out one in-memory key.
type fakeKeys struct {
	key *ecdsa.PrivateKey
}

func (k fakeKeys) WithKey(_ context.Context, account common.Address, fn func(key *ecdsa.PrivateKey) error) error {
	if crypto.PubkeyToAddress(k.key.PublicKey) != account {
		return ErrKeyMismatch
	}
	return fn(k.key)
}

func newTestKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

type fakeRelay struct {
	mu      sync.Mutex
	bundles [][]*types.Transaction
	blocks  []uint64
	err     error
}

func (r *fakeRelay) SendBundle(_ context.Context, txs []*types.Transaction, blockNumber uint64) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return common.Hash{}, r.err
	}
	r.bundles = append(r.bundles, txs)
	r.blocks = append(r.blocks, blockNumber)
	return BundleHash(txs), nil
}

type memoryWeightStore struct {
	mu      sync.Mutex
	weights map[string]map[string]float64
	saves   int
}

func newMemoryWeightStore() *memoryWeightStore {
	return &memoryWeightStore{weights: make(map[string]map[string]float64)}
}

func (s *memoryWeightStore) LoadWeights(_ context.Context, key string) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weights[key], nil
}

func (s *memoryWeightStore) SaveWeights(_ context.Context, key string, weights map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights[key] = weights
	s.saves++
	return nil
}

type memoryOutcomeStore struct {
	mu       sync.Mutex
	outcomes []*ExecutionOutcome
}

func (s *memoryOutcomeStore) InsertOutcome(_ context.Context, outcome *ExecutionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

func (s *memoryOutcomeStore) all() []*ExecutionOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ExecutionOutcome(nil), s.outcomes...)
}

// signedSourceTx is a pending transaction of somebody else.
func signedSourceTx(t *testing.T, to common.Address, value *big.Int, gasPrice *big.Int, data []byte) *types.Transaction {
	t.Helper()
	key, _ := newTestKey(t)
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    7,
		GasPrice: gasPrice,
		Gas:      200_000,
		To:       &to,
		Value:    value,
		Data:     data,
	}), types.LatestSignerForChainID(testChainID), key)
	require.NoError(t, err)
	return tx
}

func testOpportunity(category Category, value *big.Int, gasPrice *big.Int) *Opportunity {
	return &Opportunity{
		ID:               uuid.New(),
		Network:          "testnet",
		SourceTxHash:     common.HexToHash("0xabc"),
		TargetContract:   common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"),
		EstimatedValue:   value,
		GasPriceObserved: gasPrice,
		DetectedAt:       time.Now(),
		Category:         category,
	}
}
