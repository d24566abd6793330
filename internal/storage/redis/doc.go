// Package redis holds state shared between daemon replicas in Redis. It
// currently provides the nonce allocator used by the transaction pipeline when
// several processes sign for the same wallets.
package redis
