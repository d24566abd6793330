// Package mysql persists finished task results in MySQL. It owns the
// connection pool settings, the embedded schema migrations and a JSON-lines
// repository used when no database is configured.
package mysql
