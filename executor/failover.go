package executor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// NodeClient is the part of a node's RPC the transaction path needs.
type NodeClient interface {
	NonceSource
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// PendingSource is the part of a node's RPC the mempool scanner needs.
type PendingSource interface {
	SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	PendingTransactions(ctx context.Context) ([]*types.Transaction, error)
	PendingTransactionCount(ctx context.Context) (uint, error)
}

type Node interface {
	NodeClient
	PendingSource
	Close()
}

type nodeEndpoint struct {
	url string

	mu   sync.Mutex
	rpc  *rpc.Client
	eth  *ethclient.Client
	geth *gethclient.Client
}

func (e *nodeEndpoint) clients(ctx context.Context) (*ethclient.Client, *gethclient.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rpc == nil {
		client, err := rpc.DialContext(ctx, e.url)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: dial %s: %w", ErrConnectivity, e.url, err)
		}
		e.rpc = client
		e.eth = ethclient.NewClient(client)
		e.geth = gethclient.New(client)
	}
	return e.eth, e.geth, nil
}

// reset drops the connection so the next call redials.
func (e *nodeEndpoint) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rpc != nil {
		e.rpc.Close()
	}
	e.rpc, e.eth, e.geth = nil, nil, nil
}

// FailoverClient spreads one network's RPC over interchangeable endpoints. Calls go to the active endpoint
// and move on to the next one when it is unreachable.
type FailoverClient struct {
	log       *zap.Logger
	endpoints []*nodeEndpoint
	active    atomic.Int32
}

func NewFailoverClient(log *zap.Logger, urls []string) (*FailoverClient, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no endpoints", ErrFatalConfig)
	}
	c := &FailoverClient{log: log.Named("node")}
	for _, url := range urls {
		c.endpoints = append(c.endpoints, &nodeEndpoint{url: url})
	}
	return c, nil
}

// Dial connects to the first reachable endpoint.
func (c *FailoverClient) Dial(ctx context.Context) error {
	_, err := withFailover(ctx, c, func(ctx context.Context, eth *ethclient.Client, _ *gethclient.Client) (struct{}, error) {
		return struct{}{}, nil
	})
	return err
}

func withFailover[T any](ctx context.Context, c *FailoverClient, call func(ctx context.Context, eth *ethclient.Client, geth *gethclient.Client) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	start := int(c.active.Load())
	for i := 0; i < len(c.endpoints); i++ {
		idx := (start + i) % len(c.endpoints)
		endpoint := c.endpoints[idx]
		eth, geth, err := endpoint.clients(ctx)
		if err == nil {
			var res T
			res, err = call(ctx, eth, geth)
			if err == nil || !isConnectivityError(err) {
				if idx != start {
					c.active.Store(int32(idx))
					c.log.Info("Switched node endpoint", zap.String("endpoint", endpoint.url))
				}
				return res, err
			}
			endpoint.reset()
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		c.log.Warn("Node endpoint failed", zap.String("endpoint", endpoint.url), zap.Error(err))
		lastErr = err
	}
	return zero, fmt.Errorf("%w: all endpoints failed: %w", ErrConnectivity, lastErr)
}

func (c *FailoverClient) ChainID(ctx context.Context) (*big.Int, error) {
	return withFailover(ctx, c, func(ctx context.Context, eth *ethclient.Client, _ *gethclient.Client) (*big.Int, error) {
		return eth.ChainID(ctx)
	})
}

func (c *FailoverClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return withFailover(ctx, c, func(ctx context.Context, eth *ethclient.Client, _ *gethclient.Client) (uint64, error) {
		return eth.PendingNonceAt(ctx, account)
	})
}

func (c *FailoverClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return withFailover(ctx, c, func(ctx context.Context, eth *ethclient.Client, _ *gethclient.Client) (*big.Int, error) {
		return eth.SuggestGasPrice(ctx)
	})
}

func (c *FailoverClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return withFailover(ctx, c, func(ctx context.Context, eth *ethclient.Client, _ *gethclient.Client) (*big.Int, error) {
		return eth.SuggestGasTipCap(ctx)
	})
}

func (c *FailoverClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return withFailover(ctx, c, func(ctx context.Context, eth *ethclient.Client, _ *gethclient.Client) (*types.Header, error) {
		return eth.HeaderByNumber(ctx, number)
	})
}

func (c *FailoverClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return withFailover(ctx, c, func(ctx context.Context, eth *ethclient.Client, _ *gethclient.Client) (*big.Int, error) {
		return eth.BalanceAt(ctx, account, blockNumber)
	})
}

func (c *FailoverClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return withFailover(ctx, c, func(ctx context.Context, eth *ethclient.Client, _ *gethclient.Client) (uint64, error) {
		return eth.EstimateGas(ctx, msg)
	})
}

func (c *FailoverClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := withFailover(ctx, c, func(ctx context.Context, eth *ethclient.Client, _ *gethclient.Client) (struct{}, error) {
		return struct{}{}, eth.SendTransaction(ctx, tx)
	})
	return err
}

func (c *FailoverClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return withFailover(ctx, c, func(ctx context.Context, eth *ethclient.Client, _ *gethclient.Client) (*types.Receipt, error) {
		return eth.TransactionReceipt(ctx, txHash)
	})
}

func (c *FailoverClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	type result struct {
		tx        *types.Transaction
		isPending bool
	}
	res, err := withFailover(ctx, c, func(ctx context.Context, eth *ethclient.Client, _ *gethclient.Client) (result, error) {
		tx, isPending, err := eth.TransactionByHash(ctx, hash)
		return result{tx: tx, isPending: isPending}, err
	})
	return res.tx, res.isPending, err
}

// SubscribePendingTransactions needs a websocket or ipc endpoint, http endpoints return rpc.ErrNotificationsUnsupported.
func (c *FailoverClient) SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	return withFailover(ctx, c, func(ctx context.Context, _ *ethclient.Client, geth *gethclient.Client) (ethereum.Subscription, error) {
		return geth.SubscribePendingTransactions(ctx, ch)
	})
}

// PendingTransactions returns the transactions of the node's pending block.
func (c *FailoverClient) PendingTransactions(ctx context.Context) ([]*types.Transaction, error) {
	return withFailover(ctx, c, func(ctx context.Context, eth *ethclient.Client, _ *gethclient.Client) ([]*types.Transaction, error) {
		block, err := eth.BlockByNumber(ctx, big.NewInt(int64(rpc.PendingBlockNumber)))
		if err != nil {
			return nil, err
		}
		return block.Transactions(), nil
	})
}

func (c *FailoverClient) PendingTransactionCount(ctx context.Context) (uint, error) {
	return withFailover(ctx, c, func(ctx context.Context, eth *ethclient.Client, _ *gethclient.Client) (uint, error) {
		return eth.PendingTransactionCount(ctx)
	})
}

func (c *FailoverClient) Close() {
	for _, endpoint := range c.endpoints {
		endpoint.reset()
	}
}
