package executor

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mempool-executor/oppqueue"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

const (
	KeySourceEnv      = "env"
	KeySourceKeystore = "keystore"

	SharedWeightsKey = "shared"
)

var (
	DefaultMaxConcurrentRequests = 10
	DefaultMetricsInterval       = 30 * time.Second
	DefaultHealthCheckInterval   = 5 * time.Second
	DefaultMaxAuthFailures       = 3
	DefaultMaxGasPriceGwei       = 500.0
	DefaultMinProfitEth          = 0.001
	DefaultStaticPrice           = 1.0
	DefaultProcessedTTL          = time.Hour
)

type Config struct {
	// SharedWeights makes all networks learn one weight table instead of one per network.
	SharedWeights bool           `yaml:"shared_weights"`
	Strategy      StrategyParams `yaml:"strategy"`
	// ProcessedTTL is how long a processed source transaction is remembered across restarts.
	ProcessedTTL time.Duration   `yaml:"processed_ttl"`
	Networks     []NetworkConfig `yaml:"networks"`
}

type StrategyParams struct {
	Epsilon       float64       `yaml:"epsilon"`
	LearningRate  float64       `yaml:"learning_rate"`
	MaxReward     float64       `yaml:"max_reward"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// NetworkConfig is the static settings of one chain worker. Changing it means restarting the worker.
type NetworkConfig struct {
	Name      string   `yaml:"name"`
	ChainID   int64    `yaml:"chain_id"`
	Endpoints []string `yaml:"endpoints"`

	Account               string `yaml:"account"`
	KeySource             string `yaml:"key_source"`
	KeyEnv                string `yaml:"key_env"`
	KeystorePath          string `yaml:"keystore_path"`
	KeystorePassphraseEnv string `yaml:"keystore_passphrase_env"`

	EIP1559         bool           `yaml:"eip1559"`
	MaxGasPriceGwei float64        `yaml:"max_gas_price_gwei"`
	MinProfitEth    float64        `yaml:"min_profit_eth"`
	MinBalanceEth   float64        `yaml:"min_balance_eth"`
	MinSlippageBps  int64          `yaml:"min_slippage_bps"`
	MaxSlippageBps  int64          `yaml:"max_slippage_bps"`
	SlippageTiers   []SlippageTier `yaml:"slippage_tiers"`

	MaxConcurrentRequests int     `yaml:"max_concurrent_requests"`
	RequestsPerSecond     float64 `yaml:"requests_per_second"`
	QueueSize             int     `yaml:"queue_size"`

	Freshness            time.Duration `yaml:"freshness"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	ResubscribeInterval  time.Duration `yaml:"resubscribe_interval"`
	SimulationTimeout    time.Duration `yaml:"simulation_timeout"`
	BroadcastTimeout     time.Duration `yaml:"broadcast_timeout"`
	InclusionTimeout     time.Duration `yaml:"inclusion_timeout"`
	ReceiptPollInterval  time.Duration `yaml:"receipt_poll_interval"`
	NonceRefreshInterval time.Duration `yaml:"nonce_refresh_interval"`
	MetricsInterval      time.Duration `yaml:"metrics_interval"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	CongestionWindow     time.Duration `yaml:"congestion_window"`

	EnabledTactics   []string `yaml:"enabled_tactics"`
	TrackedContracts []string `yaml:"tracked_contracts"`
	MinValueEth      float64  `yaml:"min_value_eth"`
	GasBandMinPct    int64    `yaml:"gas_band_min_pct"`

	ExecutorContract     string  `yaml:"executor_contract"`
	FlashloanAsset       string  `yaml:"flashloan_asset"`
	FlashloanAmountEth   float64 `yaml:"flashloan_amount_eth"`
	GasLimit             uint64  `yaml:"gas_limit"`
	GasBumpPercent       int64   `yaml:"gas_bump_percent"`
	MaxBroadcastAttempts int     `yaml:"max_broadcast_attempts"`

	Relays              []string `yaml:"relays"`
	SandwichMinValueEth float64  `yaml:"sandwich_min_value_eth"`
	HighVolumeEth       float64  `yaml:"high_volume_eth"`

	PriceFeedURL string  `yaml:"price_feed_url"`
	PricePair    string  `yaml:"price_pair"`
	StaticPrice  float64 `yaml:"static_price"`

	CancelDropped   bool `yaml:"cancel_dropped"`
	MaxAuthFailures int  `yaml:"max_auth_failures"`
}

// LoadConfig reads a YAML config file. ${VAR} references are expanded from the environment first.
func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Strategy.FlushInterval <= 0 {
		c.Strategy.FlushInterval = DefaultFlushInterval
	}
	if c.ProcessedTTL <= 0 {
		c.ProcessedTTL = DefaultProcessedTTL
	}
	for i := range c.Networks {
		c.Networks[i].applyDefaults()
	}
}

func (n *NetworkConfig) applyDefaults() {
	if n.KeySource == "" {
		n.KeySource = KeySourceEnv
	}
	if n.MaxGasPriceGwei <= 0 {
		n.MaxGasPriceGwei = DefaultMaxGasPriceGwei
	}
	if n.MinProfitEth <= 0 {
		n.MinProfitEth = DefaultMinProfitEth
	}
	if n.MinSlippageBps <= 0 {
		n.MinSlippageBps = DefaultMinSlippageBps
	}
	if n.MaxSlippageBps <= 0 {
		n.MaxSlippageBps = DefaultMaxSlippageBps
	}
	if len(n.SlippageTiers) == 0 {
		n.SlippageTiers = DefaultSlippageTiers
	}
	if n.MaxConcurrentRequests <= 0 {
		n.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if n.QueueSize <= 0 {
		n.QueueSize = oppqueue.DefaultMaxSize
	}
	if n.Freshness <= 0 {
		n.Freshness = oppqueue.DefaultMaxAge
	}
	if n.MetricsInterval <= 0 {
		n.MetricsInterval = DefaultMetricsInterval
	}
	if n.HealthCheckInterval <= 0 {
		n.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if n.NonceRefreshInterval <= 0 {
		n.NonceRefreshInterval = DefaultNonceRefreshInterval
	}
	if n.MaxAuthFailures <= 0 {
		n.MaxAuthFailures = DefaultMaxAuthFailures
	}
	if n.StaticPrice <= 0 {
		n.StaticPrice = DefaultStaticPrice
	}
}

// Validate reports every problem that prevents the network from starting, wrapped in ErrFatalConfig.
func (n *NetworkConfig) Validate() error {
	var errs []error
	if n.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if n.ChainID <= 0 {
		errs = append(errs, errors.New("chain_id is required"))
	}
	if len(n.Endpoints) == 0 {
		errs = append(errs, errors.New("at least one endpoint is required"))
	}
	if !common.IsHexAddress(n.Account) {
		errs = append(errs, fmt.Errorf("account %q is not an address", n.Account))
	}
	if !common.IsHexAddress(n.ExecutorContract) {
		errs = append(errs, fmt.Errorf("executor_contract %q is not an address", n.ExecutorContract))
	}
	switch n.KeySource {
	case KeySourceEnv:
		if n.KeyEnv == "" {
			errs = append(errs, errors.New("key_env is required for the env key source"))
		}
	case KeySourceKeystore:
		if n.KeystorePath == "" {
			errs = append(errs, errors.New("keystore_path is required for the keystore key source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown key_source %q", n.KeySource))
	}
	if n.FlashloanAsset != "" && !common.IsHexAddress(n.FlashloanAsset) {
		errs = append(errs, fmt.Errorf("flashloan_asset %q is not an address", n.FlashloanAsset))
	}
	for _, addr := range n.TrackedContracts {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Errorf("tracked contract %q is not an address", addr))
		}
	}
	if _, err := n.Tactics(); err != nil {
		errs = append(errs, err)
	}
	if n.MinSlippageBps > n.MaxSlippageBps {
		errs = append(errs, errors.New("min_slippage_bps is above max_slippage_bps"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: network %q: %w", ErrFatalConfig, n.Name, errors.Join(errs...))
}

func (n *NetworkConfig) AccountAddress() common.Address {
	return common.HexToAddress(n.Account)
}

// Tactics is the enabled tactic set, every tactic when none is configured.
func (n *NetworkConfig) Tactics() ([]Tactic, error) {
	if len(n.EnabledTactics) == 0 {
		return AllTactics(), nil
	}
	tactics := make([]Tactic, 0, len(n.EnabledTactics))
	for _, name := range n.EnabledTactics {
		t, err := ParseTactic(name)
		if err != nil {
			return nil, err
		}
		tactics = append(tactics, t)
	}
	return tactics, nil
}

func (n *NetworkConfig) KeyProvider() KeyProvider {
	if n.KeySource == KeySourceKeystore {
		return KeystoreKeyProvider{Path: n.KeystorePath, PassphraseVariable: n.KeystorePassphraseEnv}
	}
	return EnvKeyProvider{Variable: n.KeyEnv}
}

func (n *NetworkConfig) SafetyConfig() SafetyConfig {
	cfg := SafetyConfig{
		MinProfit:      EthToWei(n.MinProfitEth),
		MaxGasPrice:    GweiToWei(n.MaxGasPriceGwei),
		MinSlippageBps: n.MinSlippageBps,
		MaxSlippageBps: n.MaxSlippageBps,
		SlippageTiers:  n.SlippageTiers,
	}
	if n.MinBalanceEth > 0 {
		cfg.MinBalance = EthToWei(n.MinBalanceEth)
	}
	return cfg
}

func (n *NetworkConfig) TxManagerConfig() TxManagerConfig {
	return TxManagerConfig{
		ChainID:              big.NewInt(n.ChainID),
		Account:              n.AccountAddress(),
		GasBumpPercent:       n.GasBumpPercent,
		MaxBroadcastAttempts: n.MaxBroadcastAttempts,
		MaxGasPrice:          GweiToWei(n.MaxGasPriceGwei),
		SimulationTimeout:    n.SimulationTimeout,
		BroadcastTimeout:     n.BroadcastTimeout,
		InclusionTimeout:     n.InclusionTimeout,
		ReceiptPollInterval:  n.ReceiptPollInterval,
	}
}

func (n *NetworkConfig) ScannerConfig() ScannerConfig {
	cfg := ScannerConfig{
		Network:             n.Name,
		ChainID:             big.NewInt(n.ChainID),
		Account:             n.AccountAddress(),
		GasBandMinPct:       n.GasBandMinPct,
		MaxGasPrice:         GweiToWei(n.MaxGasPriceGwei),
		PollInterval:        n.PollInterval,
		ResubscribeInterval: n.ResubscribeInterval,
		FetchWorkers:        n.MaxConcurrentRequests,
	}
	if n.RequestsPerSecond > 0 {
		cfg.FetchRate = rate.Limit(n.RequestsPerSecond)
	}
	for _, addr := range n.TrackedContracts {
		cfg.TrackedContracts = append(cfg.TrackedContracts, common.HexToAddress(addr))
	}
	if n.MinValueEth > 0 {
		cfg.MinValue = EthToWei(n.MinValueEth)
	}
	if n.SandwichMinValueEth > 0 {
		cfg.SandwichMinValue = EthToWei(n.SandwichMinValueEth)
	}
	return cfg
}

func (n *NetworkConfig) QueueConfig() oppqueue.Config {
	return oppqueue.Config{
		MaxSize:       n.QueueSize,
		MaxRetries:    oppqueue.DefaultMaxRetries,
		MaxAge:        n.Freshness,
		WorkerTimeout: oppqueue.DefaultWorkerTimeout,
	}
}

// BuildEnv is the static part of the environment tactics build against.
func (n *NetworkConfig) BuildEnv() BuildEnv {
	env := BuildEnv{
		Account:          n.AccountAddress(),
		ExecutorContract: common.HexToAddress(n.ExecutorContract),
		EIP1559:          n.EIP1559,
		GasLimit:         n.GasLimit,
	}
	if n.FlashloanAsset != "" && n.FlashloanAmountEth > 0 {
		env.FlashloanAsset = common.HexToAddress(n.FlashloanAsset)
		env.FlashloanAmount = EthToWei(n.FlashloanAmountEth)
	}
	if n.HighVolumeEth > 0 {
		env.HighVolumeThreshold = EthToWei(n.HighVolumeEth)
	}
	if len(n.EnabledTactics) > 0 {
		// unknown names are reported by Validate
		env.Tactics, _ = n.Tactics()
	}
	return env
}
