package executor

import (
	"context"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flashbots/mempool-executor/jsonrpcserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quoteServer struct {
	calls  atomic.Int32
	quotes map[string]Quote
	delay  time.Duration
}

func (s *quoteServer) Quote(_ context.Context, pair string) (*Quote, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	q, ok := s.quotes[pair]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func startQuoteServer(t *testing.T, s *quoteServer) string {
	t.Helper()
	handler, err := jsonrpcserver.NewHandler(jsonrpcserver.Methods{"price_quote": s.Quote})
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server.URL
}

func TestJSONRPCPriceFeed(t *testing.T) {
	server := &quoteServer{quotes: map[string]Quote{
		"ETH/USDC": {Price: 1, Prediction: 0.02, Volatility: 0.05},
		"BAD/USDC": {Price: 0},
	}}
	feed := NewJSONRPCPriceFeed(startQuoteServer(t, server), time.Minute)
	ctx := context.Background()

	quote, err := feed.Quote(ctx, "ETH/USDC")
	require.NoError(t, err)
	require.Equal(t, Quote{Price: 1, Prediction: 0.02, Volatility: 0.05}, quote)

	_, err = feed.Quote(ctx, "ETH/USDC")
	require.NoError(t, err)
	require.Equal(t, int32(1), server.calls.Load(), "answers are cached")

	_, err = feed.Quote(ctx, "BAD/USDC")
	require.ErrorIs(t, err, ErrNoQuote)
	_, err = feed.Quote(ctx, "UNKNOWN")
	require.ErrorIs(t, err, ErrNoQuote)
}

func TestJSONRPCPriceFeed_SharedCall(t *testing.T) {
	server := &quoteServer{
		quotes: map[string]Quote{"ETH/USDC": {Price: 1}},
		delay:  100 * time.Millisecond,
	}
	feed := NewJSONRPCPriceFeed(startQuoteServer(t, server), time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			quote, err := feed.Quote(context.Background(), "ETH/USDC")
			assert.NoError(t, err)
			assert.Equal(t, 1.0, quote.Price)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), server.calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := feed.Quote(ctx, "OTHER")
	require.ErrorIs(t, err, context.Canceled)
}

func TestStaticPriceFeed(t *testing.T) {
	quote, err := StaticPriceFeed{Fixed: Quote{Price: 2}}.Quote(context.Background(), "anything")
	require.NoError(t, err)
	require.Equal(t, 2.0, quote.Price)
}
