package executor

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var testExecutorContract = common.HexToAddress("0x00000000000000000000000000000000000e8ec0")

func testEnv(account common.Address) *BuildEnv {
	return &BuildEnv{
		Account:          account,
		ExecutorContract: testExecutorContract,
		GasPrice:         gwei(20),
		Quote:            Quote{Price: 1},
	}
}

func TestParseTactic(t *testing.T) {
	for _, tactic := range AllTactics() {
		parsed, err := ParseTactic(tactic.String())
		require.NoError(t, err)
		require.Equal(t, tactic, parsed)
	}
	_, err := ParseTactic("front-run-yolo")
	require.Error(t, err)
	require.Len(t, AllTactics(), int(numTactics))
}

func TestTactic_Eligible(t *testing.T) {
	env := testEnv(common.Address{})
	frontRun := testOpportunity(CategoryFrontRun, eth(1), gwei(20))

	require.True(t, TacticFrontRunStandard.Eligible(frontRun, env))
	require.False(t, TacticBackRunStandard.Eligible(frontRun, env), "category must match")
	require.False(t, TacticFrontRunFlashloan.Eligible(frontRun, env), "no flashloan configured")
	require.False(t, TacticFrontRunPredictive.Eligible(frontRun, env))

	env.Quote.Prediction = 0.1
	require.True(t, TacticFrontRunPredictive.Eligible(frontRun, env))

	env.FlashloanAsset = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	env.FlashloanAmount = eth(50)
	require.True(t, TacticFrontRunFlashloan.Eligible(frontRun, env))

	backRun := testOpportunity(CategoryBackRun, eth(150), gwei(20))
	require.False(t, TacticBackRunHighVolume.Eligible(backRun, env))
	env.HighVolumeThreshold = eth(100)
	require.True(t, TacticBackRunHighVolume.Eligible(backRun, env))

	sandwich := testOpportunity(CategorySandwich, eth(20), gwei(20))
	env.BundleSupport = true
	require.False(t, TacticSandwichStandard.Eligible(sandwich, env), "sandwich needs the source transaction")
	sandwich.Source = signedSourceTx(t, sandwich.TargetContract, eth(20), gwei(20), nil)
	require.True(t, TacticSandwichStandard.Eligible(sandwich, env))
}

func TestTactic_BuildFrontRun(t *testing.T) {
	opp := testOpportunity(CategoryFrontRun, eth(1), gwei(20))
	plan, err := TacticFrontRunStandard.Build(opp, testEnv(common.Address{}))
	require.NoError(t, err)

	require.Equal(t, opp.ID, plan.OpportunityID)
	require.Equal(t, TacticFrontRunStandard, plan.Tactic)
	require.False(t, plan.Bundle)
	require.Len(t, plan.Legs, 1)
	leg := plan.Legs[0]
	require.Equal(t, testExecutorContract, leg.To)
	require.Equal(t, gwei(22), leg.GasPrice, "10% above the source transaction")
	require.Nil(t, leg.GasFeeCap)
	require.Equal(t, DefaultGasLimit, leg.GasLimit)
	require.True(t, bytes.HasPrefix(leg.Data, executorMethod(t, "frontRun").ID))
	// 300 bps of 1 eth at a price of 1
	require.Equal(t, eth(0.03), plan.ExpectedRevenue)
}

func TestTactic_BuildDynamicFee(t *testing.T) {
	env := testEnv(common.Address{})
	env.EIP1559 = true
	env.BaseFee = gwei(16)
	env.TipCap = gwei(1)

	plan, err := TacticBackRunStandard.Build(testOpportunity(CategoryBackRun, eth(1), gwei(20)), env)
	require.NoError(t, err)
	leg := plan.Legs[0]
	require.Nil(t, leg.GasPrice)
	require.Equal(t, gwei(4), leg.GasTipCap)
	require.Equal(t, gwei(16+2+4), leg.GasFeeCap)
}

func TestTactic_BuildSandwich(t *testing.T) {
	env := testEnv(common.Address{})
	env.BundleSupport = true
	opp := testOpportunity(CategorySandwich, eth(20), gwei(30))
	opp.Source = signedSourceTx(t, opp.TargetContract, eth(20), gwei(30), nil)

	plan, err := TacticSandwichStandard.Build(opp, env)
	require.NoError(t, err)
	require.True(t, plan.Bundle)
	require.Len(t, plan.Legs, 2)
	require.True(t, bytes.HasPrefix(plan.Legs[0].Data, executorMethod(t, "frontRun").ID))
	require.True(t, bytes.HasPrefix(plan.Legs[1].Data, executorMethod(t, "backRun").ID))
	require.Equal(t, gwei(33), plan.Legs[0].GasPrice)
	require.Equal(t, gwei(30), plan.Legs[1].GasPrice)
}

func TestTactic_BuildFlashloan(t *testing.T) {
	env := testEnv(common.Address{})
	env.FlashloanAsset = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	env.FlashloanAmount = eth(50)

	plan, err := TacticBackRunFlashloan.Build(testOpportunity(CategoryBackRun, eth(1), gwei(20)), env)
	require.NoError(t, err)
	leg := plan.Legs[0]
	require.True(t, bytes.HasPrefix(leg.Data, executorMethod(t, "executeFlashLoan").ID))
	require.Equal(t, DefaultGasLimit*flashloanGasMultiplier, leg.GasLimit)

	args, err := executorMethod(t, "executeFlashLoan").Inputs.Unpack(leg.Data[4:])
	require.NoError(t, err)
	require.Equal(t, env.FlashloanAsset, args[0])
	amount, ok := args[1].(*big.Int)
	require.True(t, ok)
	require.Zero(t, eth(50).Cmp(amount))
	inner, ok := args[2].([]byte)
	require.True(t, ok)
	require.True(t, bytes.HasPrefix(inner, executorMethod(t, "backRun").ID))
}

func TestTactic_BuildNotApplicable(t *testing.T) {
	_, err := TacticFrontRunStandard.Build(testOpportunity(CategoryBackRun, eth(1), gwei(20)), testEnv(common.Address{}))
	require.ErrorIs(t, err, ErrTacticNotApplicable)

	env := testEnv(common.Address{})
	env.GasPrice = nil
	_, err = TacticBackRunStandard.Build(testOpportunity(CategoryBackRun, eth(1), nil), env)
	require.ErrorIs(t, err, ErrTacticNotApplicable)
}

func TestTransactionPlan_WithGasBump(t *testing.T) {
	plan := &TransactionPlan{Legs: []TxLeg{{GasLimit: 21_000, GasPrice: gwei(100)}}}

	bumped, ok := plan.WithGasBump(15, gwei(500))
	require.True(t, ok)
	require.Equal(t, gwei(115), bumped.Legs[0].GasPrice)
	require.Equal(t, gwei(100), plan.Legs[0].GasPrice, "the original plan is not mutated")

	capped, ok := plan.WithGasBump(15, gwei(110))
	require.True(t, ok)
	require.Equal(t, gwei(110), capped.Legs[0].GasPrice)

	_, ok = capped.WithGasBump(15, gwei(110))
	require.False(t, ok, "nothing left to bump")

	require.Equal(t, new(big.Int).Mul(gwei(100), big.NewInt(21_000)), plan.GasCost())
}

func executorMethod(t *testing.T, name string) abi.Method {
	t.Helper()
	parsed, err := loadExecutorABI()
	require.NoError(t, err)
	method, ok := parsed.Methods[name]
	require.True(t, ok, name)
	return method
}
