// Package statusapi serves the read-only executor status over JSON-RPC.
package statusapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/flashbots/mempool-executor/executor"
	"github.com/flashbots/mempool-executor/jsonrpcserver"
	"github.com/flashbots/mempool-executor/metrics"
	"go.uber.org/zap"
)

var ErrNetworkRequired = errors.New("network name is required")

// StatusSource is implemented by *executor.Orchestrator.
type StatusSource interface {
	Status(ctx context.Context) executor.Status
	NetworkStatus(ctx context.Context, name string) (executor.NetworkStatus, error)
	Metrics() metrics.Snapshot
}

type API struct {
	log    *zap.Logger
	source StatusSource
}

func NewAPI(log *zap.Logger, source StatusSource) *API {
	return &API{log: log.Named("statusapi"), source: source}
}

func (a *API) Status(ctx context.Context) (executor.Status, error) {
	return a.source.Status(ctx), nil
}

func (a *API) NetworkStatus(ctx context.Context, name string) (executor.NetworkStatus, error) {
	if name == "" {
		return executor.NetworkStatus{}, ErrNetworkRequired
	}
	return a.source.NetworkStatus(ctx, name)
}

func (a *API) Metrics(_ context.Context) (metrics.Snapshot, error) {
	return a.source.Metrics(), nil
}

func (a *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		"executor_status":        a.Status,
		"executor_networkStatus": a.NetworkStatus,
		"executor_metrics":       a.Metrics,
	}
}

// Handler is the JSON-RPC endpoint. A non-empty token is required as a bearer token on every call.
func (a *API) Handler(token string) (http.Handler, error) {
	return jsonrpcserver.NewHandler(a.Methods(),
		jsonrpcserver.WithLogger(a.log),
		jsonrpcserver.WithAuthToken(token),
	)
}
