package executor

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/params"
)

var (
	ethDivisor  = new(big.Float).SetUint64(params.Ether)
	gweiDivisor = new(big.Float).SetUint64(params.GWei)

	big1     = big.NewInt(1)
	big100   = big.NewInt(100)
	big10000 = big.NewInt(10000)
)

func formatUnits(value *big.Int, unit string) string {
	if value == nil {
		return "0"
	}
	float := new(big.Float).SetInt(value)
	switch unit {
	case "eth":
		return float.Quo(float, ethDivisor).String()
	case "gwei":
		return float.Quo(float, gweiDivisor).String()
	default:
		return ""
	}
}

func weiToEth(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(value), ethDivisor).Float64()
	return f
}

func weiToGwei(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(value), gweiDivisor).Float64()
	return f
}

// EthToWei converts an amount in eth, as written in config files, to wei.
// The decimal representation is used so that 0.03 eth is exactly 3e16 wei.
func EthToWei(eth float64) *big.Int {
	return decimalToUnits(eth, params.Ether)
}

func GweiToWei(gwei float64) *big.Int {
	return decimalToUnits(gwei, params.GWei)
}

func decimalToUnits(amount float64, unit uint64) *big.Int {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(amount, 'f', -1, 64))
	if !ok {
		return new(big.Int)
	}
	r.Mul(r, new(big.Rat).SetInt(new(big.Int).SetUint64(unit)))
	return new(big.Int).Quo(r.Num(), r.Denom())
}

// mulPercent returns value * percent / 100.
func mulPercent(value *big.Int, percent int64) *big.Int {
	r := new(big.Int).Mul(value, big.NewInt(percent))
	return r.Quo(r, big100)
}

// mulBps returns value * bps / 10000.
func mulBps(value *big.Int, bps int64) *big.Int {
	r := new(big.Int).Mul(value, big.NewInt(bps))
	return r.Quo(r, big10000)
}

// mulFloat returns value * f, rounded towards zero.
func mulFloat(value *big.Int, f float64) *big.Int {
	r, _ := new(big.Float).Mul(new(big.Float).SetInt(value), big.NewFloat(f)).Int(nil)
	return r
}

func maxBig(a, b *big.Int) *big.Int {
	if a == nil {
		return b
	}
	if b == nil || a.Cmp(b) >= 0 {
		return a
	}
	return b
}
