package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyProvider hands out the private key of an account for the duration of fn only.
// The key must not be retained after fn returns.
type KeyProvider interface {
	WithKey(ctx context.Context, account common.Address, fn func(key *ecdsa.PrivateKey) error) error
}

// EnvKeyProvider reads a hex encoded key from an environment variable on every use.
type EnvKeyProvider struct {
	Variable string
}

func (p EnvKeyProvider) WithKey(_ context.Context, account common.Address, fn func(key *ecdsa.PrivateKey) error) error {
	raw := strings.TrimPrefix(os.Getenv(p.Variable), "0x")
	if raw == "" {
		return fmt.Errorf("%w: %s is empty", ErrFatalConfig, p.Variable)
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return err
	}
	defer zeroKey(key)
	if crypto.PubkeyToAddress(key.PublicKey) != account {
		return ErrKeyMismatch
	}
	return fn(key)
}

// KeystoreKeyProvider decrypts an encrypted keystore file on every use.
type KeystoreKeyProvider struct {
	Path               string
	PassphraseVariable string
}

func (p KeystoreKeyProvider) WithKey(_ context.Context, account common.Address, fn func(key *ecdsa.PrivateKey) error) error {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return err
	}
	key, err := keystore.DecryptKey(data, os.Getenv(p.PassphraseVariable))
	if err != nil {
		return err
	}
	defer zeroKey(key.PrivateKey)
	if key.Address != account {
		return ErrKeyMismatch
	}
	return fn(key.PrivateKey)
}

func zeroKey(k *ecdsa.PrivateKey) {
	if k == nil || k.D == nil {
		return
	}
	b := k.D.Bits()
	for i := range b {
		b[i] = 0
	}
}
