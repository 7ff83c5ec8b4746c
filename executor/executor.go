// Package executor turns pending transactions seen in a network's mempool into competing transactions of our own.
//
// One ChainWorker runs per network:
//
//	Scanner -> oppqueue -> StrategyExecutor.Select -> SafetyGuard.Check -> TxManager.Execute -> Track
//
// and every terminal outcome is fed back into the StrategyExecutor weights and persisted.
// The NonceManager serialises Sign -> Broadcast per account, everything before it runs with
// up to MaxConcurrentRequests opportunities in parallel.
package executor
