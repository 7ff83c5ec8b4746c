package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/flashbots/mempool-executor/metrics"
	"go.uber.org/zap"
)

var (
	ErrNotStarted     = errors.New("network was not started")
	ErrUnknownNetwork = errors.New("unknown network")
)

// Dialer connects to the node endpoints of a network.
type Dialer func(ctx context.Context, log *zap.Logger, cfg NetworkConfig) (Node, error)

// DialFailover is the default Dialer, a FailoverClient over the configured endpoints.
func DialFailover(ctx context.Context, log *zap.Logger, cfg NetworkConfig) (Node, error) {
	client, err := NewFailoverClient(log.With(zap.String("network", cfg.Name)), cfg.Endpoints)
	if err != nil {
		return nil, err
	}
	if err := client.Dial(ctx); err != nil {
		// the worker keeps retrying, an unreachable node only pauses it
		log.Warn("No endpoint reachable yet", zap.String("network", cfg.Name), zap.Error(err))
	}
	return client, nil
}

// OutcomeHistory reads back what OutcomeStore wrote.
type OutcomeHistory interface {
	OutcomeSummary(ctx context.Context, network string) ([]OutcomeSummary, error)
}

type OrchestratorDeps struct {
	Dial Dialer
	// Relays are all known bundle relays, each network selects its own by name.
	Relays    *RelaysBackend
	Weights   WeightStore
	Outcomes  OutcomeStore
	History   OutcomeHistory
	Processed ProcessedCache
	// PriceFeed overrides the per-network feed built from the config.
	PriceFeed PriceFeed
}

type network struct {
	name   string
	worker *ChainWorker
	node   Node
	// err is why the network was not started
	err error
}

// Orchestrator runs one ChainWorker per configured network and is the single place to read their
// status and metrics. Networks fail independently: a network with an invalid config is reported as
// halted while the others run.
type Orchestrator struct {
	log  *zap.Logger
	cfg  *Config
	deps OrchestratorDeps

	networks   []*network
	strategies map[string]*StrategyExecutor

	runWg      sync.WaitGroup
	strategyWg sync.WaitGroup
	cancel     context.CancelFunc
}

func NewOrchestrator(log *zap.Logger, cfg *Config, deps OrchestratorDeps) *Orchestrator {
	if deps.Dial == nil {
		deps.Dial = DialFailover
	}
	return &Orchestrator{
		log:        log.Named("orchestrator"),
		cfg:        cfg,
		deps:       deps,
		strategies: make(map[string]*StrategyExecutor),
	}
}

// Start builds and starts the workers. It returns an error only when no network could be started.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)
	// strategies flush on their own context so that the last flush happens after the workers drained
	strategyCtx, strategyCancel := context.WithCancel(context.Background())

	started := 0
	for _, netCfg := range o.cfg.Networks {
		n := o.setup(ctx, netCfg)
		o.networks = append(o.networks, n)
		if n.err != nil {
			o.log.Error("Network not started", zap.String("network", n.name), zap.Error(n.err))
			metrics.ForNetwork(n.name).SetStatus(int(StatusHalted), StatusHalted.String())
			continue
		}
		started++
		o.runWg.Add(1)
		go func() {
			defer o.runWg.Done()
			if err := n.worker.Run(ctx); err != nil {
				o.log.Error("Worker exited", zap.String("network", n.name), zap.Error(err))
			}
			n.node.Close()
		}()
	}

	for key, strategy := range o.strategies {
		o.strategyWg.Add(1)
		go func(key string, strategy *StrategyExecutor) {
			defer o.strategyWg.Done()
			strategy.Run(strategyCtx, o.cfg.Strategy.FlushInterval)
		}(key, strategy)
	}
	go func() {
		o.runWg.Wait()
		strategyCancel()
	}()

	o.log.Info("Orchestrator started", zap.Int("networks", len(o.networks)), zap.Int("running", started))
	if started == 0 && len(o.networks) > 0 {
		return fmt.Errorf("%w: no network could be started", ErrFatalConfig)
	}
	return nil
}

func (o *Orchestrator) setup(ctx context.Context, cfg NetworkConfig) *network {
	n := &network{name: cfg.Name}
	if err := cfg.Validate(); err != nil {
		n.err = err
		return n
	}

	strategy, err := o.strategy(ctx, cfg)
	if err != nil {
		n.err = err
		return n
	}

	deps := WorkerDeps{
		Keys:      cfg.KeyProvider(),
		PriceFeed: o.deps.PriceFeed,
		Strategy:  strategy,
		Outcomes:  o.deps.Outcomes,
		Processed: o.deps.Processed,
	}
	if deps.PriceFeed == nil && cfg.PriceFeedURL != "" {
		deps.PriceFeed = NewJSONRPCPriceFeed(cfg.PriceFeedURL, DefaultQuoteCacheTime)
	}
	if o.deps.Relays != nil {
		relays, err := o.deps.Relays.Select(cfg.Relays)
		if err != nil {
			n.err = fmt.Errorf("network %q: %w", cfg.Name, err)
			return n
		}
		if relays.Len() > 0 {
			deps.Relay = relays
		}
	} else if len(cfg.Relays) > 0 {
		n.err = fmt.Errorf("%w: network %q: relays configured but no relay config loaded", ErrFatalConfig, cfg.Name)
		return n
	}

	node, err := o.deps.Dial(ctx, o.log, cfg)
	if err != nil {
		n.err = err
		return n
	}
	deps.Node = node

	worker, err := NewChainWorker(o.log, cfg, deps)
	if err != nil {
		node.Close()
		n.err = err
		return n
	}
	n.node = node
	n.worker = worker
	return n
}

// strategy returns the strategy executor of a network, the shared one when weights are shared.
func (o *Orchestrator) strategy(ctx context.Context, cfg NetworkConfig) (*StrategyExecutor, error) {
	key := cfg.Name
	if o.cfg.SharedWeights {
		key = SharedWeightsKey
	}
	if s, ok := o.strategies[key]; ok {
		return s, nil
	}

	strategyCfg := StrategyConfig{
		Epsilon:             o.cfg.Strategy.Epsilon,
		LearningRate:        o.cfg.Strategy.LearningRate,
		MaxReward:           o.cfg.Strategy.MaxReward,
		FallbackBaselineEth: cfg.MinProfitEth,
	}
	if !o.cfg.SharedWeights {
		tactics, err := cfg.Tactics()
		if err != nil {
			return nil, err
		}
		strategyCfg.Enabled = tactics
	}
	// a shared executor considers every tactic, each network restricts it through BuildEnv.Tactics
	s := NewStrategyExecutor(o.log, o.deps.Weights, key, strategyCfg)
	if err := s.Load(ctx); err != nil {
		o.log.Warn("Failed to load weights, starting uniform", zap.String("weights", key), zap.Error(err))
	}
	o.strategies[key] = s
	return s, nil
}

// Stop signals every worker to drain.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

// Wait blocks until all workers stopped and the weights were flushed.
func (o *Orchestrator) Wait() {
	o.runWg.Wait()
	o.strategyWg.Wait()
	o.log.Info("Orchestrator stopped")
}

// NetworkStatus is the status of one network and, when history is available, its outcome summary.
type NetworkStatus struct {
	WorkerStatusReport
	Weights  map[string]float64     `json:"weights,omitempty"`
	Tactics  map[string]TacticStats `json:"tactics,omitempty"`
	Outcomes []OutcomeSummary       `json:"outcomes,omitempty"`
}

type Status struct {
	Networks []NetworkStatus  `json:"networks"`
	Total    metrics.Snapshot `json:"total"`
}

// Status reports every configured network, started or not.
func (o *Orchestrator) Status(ctx context.Context) Status {
	var status Status
	snapshots := make([]metrics.Snapshot, 0, len(o.networks))
	for _, n := range o.networks {
		ns := o.networkStatus(ctx, n)
		snapshots = append(snapshots, ns.Metrics)
		status.Networks = append(status.Networks, ns)
	}
	status.Total = metrics.Aggregate(snapshots)
	return status
}

// NetworkStatus reports one configured network.
func (o *Orchestrator) NetworkStatus(ctx context.Context, name string) (NetworkStatus, error) {
	for _, n := range o.networks {
		if n.name == name {
			return o.networkStatus(ctx, n), nil
		}
	}
	return NetworkStatus{}, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
}

func (o *Orchestrator) networkStatus(ctx context.Context, n *network) NetworkStatus {
	var ns NetworkStatus
	if n.worker == nil {
		ns.WorkerStatusReport = WorkerStatusReport{
			Network: n.name,
			Status:  StatusHalted.String(),
			Error:   errors.Join(ErrNotStarted, n.err).Error(),
			Metrics: metrics.ForNetwork(n.name).Snapshot(),
		}
	} else {
		ns.WorkerStatusReport = n.worker.Report()
		ns.Weights = n.worker.deps.Strategy.Weights()
		ns.Tactics = n.worker.deps.Strategy.Stats()
	}
	if o.deps.History != nil {
		summary, err := o.deps.History.OutcomeSummary(ctx, n.name)
		if err != nil {
			o.log.Warn("Failed to read outcome summary", zap.String("network", n.name), zap.Error(err))
		}
		ns.Outcomes = summary
	}
	return ns
}

// Metrics is the aggregate of all networks' metrics.
func (o *Orchestrator) Metrics() metrics.Snapshot {
	snapshots := make([]metrics.Snapshot, 0, len(o.networks))
	for _, n := range o.networks {
		snapshots = append(snapshots, metrics.ForNetwork(n.name).Snapshot())
	}
	return metrics.Aggregate(snapshots)
}

// Worker returns the worker of a started network.
func (o *Orchestrator) Worker(name string) (*ChainWorker, error) {
	for _, n := range o.networks {
		if n.name != name {
			continue
		}
		if n.worker == nil {
			return nil, errors.Join(ErrNotStarted, n.err)
		}
		return n.worker, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
}
