// Package web3 houses blockchain connectivity for the agent: the transaction
// sender abstraction, the LUKSO profile metrics reader, and the multi-network
// client registry. Higher layers depend on the interfaces defined here and
// never on a concrete RPC client.
package web3
