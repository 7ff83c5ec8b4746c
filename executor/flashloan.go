package executor

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// executorABIJSON is the interface of the on-chain executor contract every tactic calls into.
// executeFlashLoan borrows amount of asset, calls back into the executor with params and repays in the same transaction.
const executorABIJSON = `[
	{"type":"function","name":"frontRun","stateMutability":"payable","inputs":[
		{"name":"target","type":"address"},{"name":"amount","type":"uint256"},{"name":"sourceTx","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"backRun","stateMutability":"payable","inputs":[
		{"name":"target","type":"address"},{"name":"amount","type":"uint256"},{"name":"sourceTx","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"executeFlashLoan","stateMutability":"nonpayable","inputs":[
		{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"params","type":"bytes"}],"outputs":[]}
]`

var loadExecutorABI = sync.OnceValues(func() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(executorABIJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse executor abi: %w", err)
	}
	return parsed, nil
})

func packExecutorCall(method string, args ...any) ([]byte, error) {
	parsed, err := loadExecutorABI()
	if err != nil {
		return nil, err
	}
	return parsed.Pack(method, args...)
}

func packFrontRun(target common.Address, amount *big.Int, sourceTx common.Hash) ([]byte, error) {
	return packExecutorCall("frontRun", target, amount, [32]byte(sourceTx))
}

func packBackRun(target common.Address, amount *big.Int, sourceTx common.Hash) ([]byte, error) {
	return packExecutorCall("backRun", target, amount, [32]byte(sourceTx))
}

// wrapFlashLoan wraps an executor call so that it runs with borrowed capital.
func wrapFlashLoan(asset common.Address, amount *big.Int, inner []byte) ([]byte, error) {
	return packExecutorCall("executeFlashLoan", asset, amount, inner)
}
