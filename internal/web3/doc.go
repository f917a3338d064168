// Package web3 connects the task engine to EVM chains. It parses the chain
// definition file, resolves chain-qualified contract identities and exposes
// the per-chain hosts used to evaluate resolvers and send task transactions.
package web3
