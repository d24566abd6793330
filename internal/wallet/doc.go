// Package wallet manages named signing identities: key import and generation,
// encrypted persistence with one record per file, and the store that tracks
// the single active wallet.
package wallet
