// Package web3 houses chain connectivity: the backend contract the gateway
// consumes, network definitions loaded from YAML, and the EVM gateway in the
// ethereum subpackage. Monad speaks the Ethereum JSON-RPC dialect, so one
// go-ethereum backed implementation serves every configured network.
package web3
