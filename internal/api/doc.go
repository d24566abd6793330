// Package api exposes the daemon over HTTP: health, wallet management and
// balances, task submission and job inspection, archived results and
// Prometheus metrics.
package api
