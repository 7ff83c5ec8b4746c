package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/ybbus/jsonrpc/v3"
)

var (
	ErrNoQuote = errors.New("no price quote")

	DefaultQuoteCacheTime = 10 * time.Second
	quoteCleanupInterval  = time.Minute
)

// PriceFeed values opportunities. The price converts the traded amount into the native currency.
type PriceFeed interface {
	Quote(ctx context.Context, pair string) (Quote, error)
}

// StaticPriceFeed answers every pair with the same quote.
type StaticPriceFeed struct {
	Fixed Quote
}

func (f StaticPriceFeed) Quote(_ context.Context, _ string) (Quote, error) {
	return f.Fixed, nil
}

type quoteCall struct {
	done  chan struct{}
	quote Quote
	err   error
}

// JSONRPCPriceFeed asks a market data service with price_quote. Answers are cached for a short time and
// concurrent requests for the same pair share one call.
type JSONRPCPriceFeed struct {
	client    jsonrpc.RPCClient
	cache     *gocache.Cache
	cacheTime time.Duration

	mu       sync.Mutex
	inFlight map[string]*quoteCall
}

func NewJSONRPCPriceFeed(url string, cacheTime time.Duration) *JSONRPCPriceFeed {
	if cacheTime <= 0 {
		cacheTime = DefaultQuoteCacheTime
	}
	return &JSONRPCPriceFeed{
		client:    jsonrpc.NewClient(url),
		cache:     gocache.New(cacheTime, quoteCleanupInterval),
		cacheTime: cacheTime,
		inFlight:  make(map[string]*quoteCall),
	}
}

func (f *JSONRPCPriceFeed) Quote(ctx context.Context, pair string) (Quote, error) {
	if cached, ok := f.cache.Get(pair); ok {
		//nolint:forcetypeassert
		return cached.(Quote), nil
	}

	f.mu.Lock()
	call, ok := f.inFlight[pair]
	if !ok {
		call = &quoteCall{done: make(chan struct{})}
		f.inFlight[pair] = call
		go f.fetch(pair, call)
	}
	f.mu.Unlock()

	select {
	case <-call.done:
		return call.quote, call.err
	case <-ctx.Done():
		return Quote{}, ctx.Err()
	}
}

// fetch is detached from the caller's context so that one cancelled caller does not fail the others.
func (f *JSONRPCPriceFeed) fetch(pair string, call *quoteCall) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cacheTime)
	defer cancel()

	var quote *Quote
	err := f.client.CallFor(ctx, &quote, "price_quote", pair)
	switch {
	case err != nil:
		call.err = err
	case quote == nil || quote.Price <= 0:
		call.err = ErrNoQuote
	default:
		call.quote = *quote
		f.cache.Set(pair, *quote, f.cacheTime)
	}

	f.mu.Lock()
	delete(f.inFlight, pair)
	f.mu.Unlock()
	close(call.done)
}
