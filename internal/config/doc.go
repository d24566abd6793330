// Package config loads the daemon configuration from a JSON file, .env files
// and MONAD_* environment variables, in increasing order of precedence.
package config
