package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

func TestClassifyNodeError(t *testing.T) {
	tests := []struct {
		err  error
		kind NodeErrorKind
	}{
		{nil, NodeErrOther},
		{errNonceTooLow, NodeErrNonceTooLow},
		{errors.New("nonce has already been used"), NodeErrNonceTooLow},
		{errUnderpriced, NodeErrUnderpriced},
		{errors.New("transaction underpriced"), NodeErrUnderpriced},
		{errors.New("max fee per gas less than block base fee: address 0x0, maxFeePerGas: 1"), NodeErrUnderpriced},
		{errors.New("already known"), NodeErrAlreadyKnown},
		{errors.New("insufficient funds for gas * price + value"), NodeErrInsufficientFunds},
		{errors.New("401 Unauthorized: invalid api key"), NodeErrAuth},
		{errConnRefused, NodeErrConnectivity},
		{errors.New("429 Too Many Requests"), NodeErrConnectivity},
		{errors.New("unexpected EOF"), NodeErrConnectivity},
		{fmt.Errorf("send: %w", ErrConnectivity), NodeErrConnectivity},
		{errExecReverted, NodeErrOther},
		{errors.New("execution reverted: Unauthorized"), NodeErrOther},
		{errors.New("gas required exceeds allowance (15029000)"), NodeErrOther},
		{errors.New("intrinsic gas too low: have 21000, want 24290"), NodeErrOther},
		{errors.New("nonce too high: address 0x4031c2a1b8e19a2f, tx: 9 state: 3"), NodeErrOther},
		{errors.New("insufficient funds for gas * price + value: address 0x5030a4 have 401 want 503"), NodeErrInsufficientFunds},
		{rpc.HTTPError{StatusCode: http.StatusUnauthorized, Status: "401 Unauthorized"}, NodeErrAuth},
		{fmt.Errorf("call: %w", rpc.HTTPError{StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"}), NodeErrConnectivity},
		{rpc.HTTPError{StatusCode: http.StatusInternalServerError, Status: "500 Internal Server Error"}, NodeErrOther},
		{&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, NodeErrConnectivity},
		{fmt.Errorf("read: %w", io.EOF), NodeErrConnectivity},
		{rpc.ErrClientQuit, NodeErrConnectivity},
		{context.DeadlineExceeded, NodeErrOther},
		{fmt.Errorf("send: %w", context.Canceled), NodeErrOther},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tt.kind, ClassifyNodeError(tt.err))
		})
	}
}

func TestTypedErrors(t *testing.T) {
	var err error = &SimulationError{Leg: 1, Reason: "execution reverted"}
	require.ErrorIs(t, err, ErrSimulationFailed)
	require.Contains(t, err.Error(), "execution reverted")

	err = fmt.Errorf("execute: %w", &SafetyRejection{Reason: RejectGasPriceExceeded})
	require.ErrorIs(t, err, ErrSafetyRejected)
	var rejection *SafetyRejection
	require.ErrorAs(t, err, &rejection)
	require.Equal(t, RejectGasPriceExceeded, rejection.Reason)
}
