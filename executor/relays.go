package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
	"gopkg.in/yaml.v3"
)

var ErrInvalidRelay = errors.New("invalid relay config")

type RelaysConfig struct {
	Relays []struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"relays"`
}

// LoadRelayConfig parses a relay config from a file
func LoadRelayConfig(log *zap.Logger, file string) (*RelaysBackend, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var config RelaysConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	relays := make([]JSONRPCRelay, 0, len(config.Relays))
	for _, relay := range config.Relays {
		if relay.Disabled {
			continue
		}
		if relay.Name == "" || relay.URL == "" {
			return nil, fmt.Errorf("%w: relay needs a name and an url", ErrInvalidRelay)
		}
		relays = append(relays, JSONRPCRelay{
			Name:   relay.Name,
			Client: jsonrpc.NewClient(relay.URL),
		})
	}
	return NewRelaysBackend(log, relays), nil
}

type SendBundleArgs struct {
	Txs         []hexutil.Bytes `json:"txs"`
	BlockNumber hexutil.Uint64  `json:"blockNumber"`
}

type SendBundleResponse struct {
	BundleHash common.Hash `json:"bundleHash"`
}

type JSONRPCRelay struct {
	Name   string
	Client jsonrpc.RPCClient
}

func (r *JSONRPCRelay) SendBundle(ctx context.Context, args *SendBundleArgs) error {
	res, err := r.Client.Call(ctx, "eth_sendBundle", []SendBundleArgs{*args})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

type RelaysBackend struct {
	log    *zap.Logger
	relays []JSONRPCRelay
}

func NewRelaysBackend(log *zap.Logger, relays []JSONRPCRelay) *RelaysBackend {
	return &RelaysBackend{log: log.Named("relays"), relays: relays}
}

// Select returns the relays with the given names, all relays when names is empty.
func (b *RelaysBackend) Select(names []string) (*RelaysBackend, error) {
	if len(names) == 0 {
		return b, nil
	}
	byName := make(map[string]JSONRPCRelay, len(b.relays))
	for _, relay := range b.relays {
		byName[relay.Name] = relay
	}
	selected := make([]JSONRPCRelay, 0, len(names))
	for _, name := range names {
		relay, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown relay %q", ErrFatalConfig, name)
		}
		selected = append(selected, relay)
	}
	return &RelaysBackend{log: b.log, relays: selected}, nil
}

func (b *RelaysBackend) Len() int { return len(b.relays) }

// SendBundle sends the bundle to all relays in parallel. It succeeds when at least one relay accepted it.
func (b *RelaysBackend) SendBundle(ctx context.Context, txs []*types.Transaction, blockNumber uint64) (common.Hash, error) {
	if len(b.relays) == 0 {
		return common.Hash{}, ErrNoRelays
	}
	args := SendBundleArgs{BlockNumber: hexutil.Uint64(blockNumber)}
	for _, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return common.Hash{}, err
		}
		args.Txs = append(args.Txs, raw)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(b.relays))
	for idx, relay := range b.relays {
		wg.Add(1)
		go func(relay JSONRPCRelay, idx int) {
			defer wg.Done()

			start := time.Now()
			errs[idx] = relay.SendBundle(ctx, &args)
			b.log.Debug("Sent bundle to relay", zap.String("relay", relay.Name), zap.Duration("duration", time.Since(start)), zap.Error(errs[idx]))
		}(relay, idx)
	}
	wg.Wait()

	for _, err := range errs {
		if err == nil {
			return BundleHash(txs), nil
		}
	}
	return common.Hash{}, fmt.Errorf("no relay accepted the bundle: %w", errors.Join(errs...))
}

// BundleHash is the keccak256 of the concatenated transaction hashes.
func BundleHash(txs []*types.Transaction) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	for _, tx := range txs {
		h := tx.Hash()
		hasher.Write(h[:])
	}
	return common.BytesToHash(hasher.Sum(nil))
}
