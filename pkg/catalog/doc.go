// Package catalog is the transactional store for the proxy's structural
// state: backing indexes, packages, releases, platforms, builds and compiled
// requirement records. It exposes a Store interface with a SQL implementation
// (PostgreSQL in production, SQLite in tests) and an in-memory implementation
// for development and fast tests.
package catalog
