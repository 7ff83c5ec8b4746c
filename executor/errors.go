package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrConnectivity        = errors.New("node is unreachable")
	ErrSimulationFailed    = errors.New("simulation failed")
	ErrSafetyRejected      = errors.New("rejected by safety guard")
	ErrBroadcastRejected   = errors.New("broadcast rejected")
	ErrInclusionTimeout    = errors.New("transaction was not included in time")
	ErrFatalConfig         = errors.New("invalid network config")
	ErrWorkerHalted        = errors.New("worker halted")
	ErrTacticNotApplicable = errors.New("tactic is not applicable to opportunity")
	ErrNoEligibleTactic    = errors.New("no eligible tactic")
	ErrLeaseResolved       = errors.New("nonce lease already resolved")
	ErrNoRelays            = errors.New("no bundle relays configured")
	ErrKeyMismatch         = errors.New("key does not match account")
)

// SimulationError is returned when a plan would revert.
type SimulationError struct {
	Leg    int
	Reason string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("simulation of leg %d failed: %s", e.Leg, e.Reason)
}

func (e *SimulationError) Unwrap() error { return ErrSimulationFailed }

// SafetyRejection carries the reason of a rejected SafetyVerdict.
type SafetyRejection struct {
	Reason RejectReason
}

func (e *SafetyRejection) Error() string {
	return "rejected by safety guard: " + e.Reason.String()
}

func (e *SafetyRejection) Unwrap() error { return ErrSafetyRejected }

type NodeErrorKind int

const (
	NodeErrOther NodeErrorKind = iota
	NodeErrNonceTooLow
	NodeErrUnderpriced
	NodeErrAlreadyKnown
	NodeErrInsufficientFunds
	NodeErrAuth
	NodeErrConnectivity
)

// ClassifyNodeError maps an error returned by a node to the action the caller should take.
// Transport failures are recognised by type. Node answers only carry text, so those are matched on
// whole phrases: numbers inside a message (gas, nonces, addresses) never decide the kind.
func ClassifyNodeError(err error) NodeErrorKind {
	if err == nil {
		return NodeErrOther
	}
	if errors.Is(err, ErrConnectivity) {
		return NodeErrConnectivity
	}
	// the caller gave up waiting, that says nothing about the node
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NodeErrOther
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTPStatus(httpErr.StatusCode)
	}
	if isTransportError(err) {
		return NodeErrConnectivity
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "execution reverted"):
		return NodeErrOther
	case strings.Contains(s, "nonce too low"), strings.Contains(s, "nonce has already been used"):
		return NodeErrNonceTooLow
	case strings.Contains(s, "underpriced"), strings.Contains(s, "fee too low"), strings.Contains(s, "max fee per gas less than block base fee"):
		return NodeErrUnderpriced
	case strings.Contains(s, "already known"), strings.Contains(s, "known transaction"):
		return NodeErrAlreadyKnown
	case strings.Contains(s, "insufficient funds"):
		return NodeErrInsufficientFunds
	}
	for _, phrase := range authPhrases {
		if strings.Contains(s, phrase) {
			return NodeErrAuth
		}
	}
	for _, phrase := range connectivityPhrases {
		if strings.Contains(s, phrase) {
			return NodeErrConnectivity
		}
	}
	if s == "eof" || strings.HasSuffix(s, ": eof") || strings.HasSuffix(s, "unexpected eof") {
		return NodeErrConnectivity
	}
	return NodeErrOther
}

var (
	authPhrases = []string{
		"401 unauthorized", "403 forbidden", "invalid api key", "missing api key",
	}
	// errors that lost their type on the way, e.g. relayed by a proxy as text
	connectivityPhrases = []string{
		"connection refused", "connection reset", "no such host", "i/o timeout", "broken pipe",
		"429 too many requests", "502 bad gateway", "503 service unavailable", "504 gateway timeout",
		"client is closed",
	}
)

func classifyHTTPStatus(code int) NodeErrorKind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return NodeErrAuth
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return NodeErrConnectivity
	default:
		return NodeErrOther
	}
}

func isTransportError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, rpc.ErrClientQuit) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isConnectivityError(err error) bool {
	return ClassifyNodeError(err) == NodeErrConnectivity
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
