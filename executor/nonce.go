package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mempool-executor/metrics"
	"go.uber.org/zap"
)

var DefaultNonceRefreshInterval = time.Minute

type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

type LeaseState int32

const (
	LeaseReserved LeaseState = iota
	LeaseCommitted
	LeaseReleased
)

func (s LeaseState) String() string {
	switch s {
	case LeaseReserved:
		return "Reserved"
	case LeaseCommitted:
		return "Committed"
	case LeaseReleased:
		return "Released"
	default:
		return "Unknown"
	}
}

// NonceLease is a reservation of Count consecutive nonces starting at Nonce.
// It must be resolved exactly once with Commit or Release.
type NonceLease struct {
	Nonce uint64
	Count uint64

	state   atomic.Int32
	manager *NonceManager
}

func (l *NonceLease) State() LeaseState {
	return LeaseState(l.state.Load())
}

// Commit marks the nonces as used. Call it once the node accepted the transaction.
func (l *NonceLease) Commit() error {
	if !l.state.CompareAndSwap(int32(LeaseReserved), int32(LeaseCommitted)) {
		return ErrLeaseResolved
	}
	l.manager.resolve(l.Nonce + l.Count)
	return nil
}

// Release hands the nonces back to the next reservation. Call it when nothing was broadcast.
func (l *NonceLease) Release() error {
	if !l.state.CompareAndSwap(int32(LeaseReserved), int32(LeaseReleased)) {
		return ErrLeaseResolved
	}
	l.manager.resolve(l.Nonce)
	return nil
}

// NonceManager allocates nonces of one account on one network.
//
// The manager owns a single token passed through a one-slot channel. Reserve takes the token and the
// lease returns it on Commit or Release, so at most one lease is outstanding per account and waiting
// callers park on the channel until it is handed back.
type NonceManager struct {
	log     *zap.Logger
	source  NonceSource
	account common.Address
	metrics *metrics.NetworkMetrics

	token chan struct{}

	mu         sync.Mutex
	next       uint64
	synced     bool
	needResync bool
}

func NewNonceManager(log *zap.Logger, source NonceSource, account common.Address, m *metrics.NetworkMetrics) *NonceManager {
	n := &NonceManager{
		log:     log.Named("nonce").With(zap.String("account", account.Hex())),
		source:  source,
		account: account,
		metrics: m,
		token:   make(chan struct{}, 1),
	}
	n.token <- struct{}{}
	return n
}

func (n *NonceManager) acquire(ctx context.Context) error {
	select {
	case <-n.token:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *NonceManager) handBack() {
	n.token <- struct{}{}
}

// Reserve returns a lease on the next unused nonce, waiting until the previous lease is resolved.
func (n *NonceManager) Reserve(ctx context.Context) (*NonceLease, error) {
	return n.ReserveN(ctx, 1)
}

// ReserveN reserves count consecutive nonces as a single lease.
func (n *NonceManager) ReserveN(ctx context.Context, count uint64) (*NonceLease, error) {
	if count == 0 {
		count = 1
	}
	if err := n.acquire(ctx); err != nil {
		return nil, err
	}

	n.mu.Lock()
	resync := !n.synced || n.needResync
	n.mu.Unlock()
	if resync {
		if err := n.syncLocked(ctx, false); err != nil {
			n.handBack()
			return nil, err
		}
	}

	n.mu.Lock()
	lease := &NonceLease{Nonce: n.next, Count: count, manager: n}
	n.mu.Unlock()
	n.log.Debug("Reserved nonce", zap.Uint64("nonce", lease.Nonce), zap.Uint64("count", count))
	return lease, nil
}

func (n *NonceManager) resolve(next uint64) {
	n.mu.Lock()
	n.next = next
	n.mu.Unlock()
	n.handBack()
}

// ForceResync makes the next reservation reload the nonce from the network, used after "nonce too low"
// and after transactions that were never included.
func (n *NonceManager) ForceResync() {
	n.mu.Lock()
	n.needResync = true
	n.mu.Unlock()
	if n.metrics != nil {
		n.metrics.IncNonceResyncs()
	}
}

// Sync loads the pending nonce from the network.
func (n *NonceManager) Sync(ctx context.Context) error {
	if err := n.acquire(ctx); err != nil {
		return err
	}
	defer n.handBack()
	return n.syncLocked(ctx, false)
}

// Refresh corrects drift from transactions sent outside of this manager. The cached value only moves forward.
// It waits for the outstanding lease, if any, to be resolved.
func (n *NonceManager) Refresh(ctx context.Context) error {
	if err := n.acquire(ctx); err != nil {
		return err
	}
	defer n.handBack()
	return n.syncLocked(ctx, true)
}

// syncLocked must be called while holding the token.
func (n *NonceManager) syncLocked(ctx context.Context, onlyForward bool) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.MaxElapsedTime = 5 * time.Second
	back := backoff.WithContext(exp, ctx)

	var pending uint64
	err := backoff.Retry(func() error {
		var err error
		pending, err = n.source.PendingNonceAt(ctx, n.account)
		if err != nil && !isConnectivityError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, back)
	if err != nil {
		if isConnectivityError(err) {
			return errors.Join(err, ErrConnectivity)
		}
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	previous := n.next
	if onlyForward && n.synced && !n.needResync && pending < n.next {
		pending = n.next
	}
	n.next = pending
	n.synced = true
	n.needResync = false
	if previous != pending {
		n.log.Info("Synced nonce", zap.Uint64("previous", previous), zap.Uint64("next", pending))
	}
	return nil
}

// Next is the nonce the next reservation would get.
func (n *NonceManager) Next() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.next
}

// Run refreshes the nonce on an interval until ctx is done.
func (n *NonceManager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultNonceRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				n.log.Warn("Failed to refresh nonce", zap.Error(err))
			}
		}
	}
}
