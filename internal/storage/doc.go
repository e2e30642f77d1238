// Package storage persists destinations, broadcast activities with their
// per-destination deliveries, and the operator audit log.
//
// It is backed by gorm with two drivers:
//   - "sqlite": pure-Go SQLite file (default)
//   - "postgres": PostgreSQL DSN
package storage
