// Package storage provides the delivery ledger: the durable record of which
// events have been delivered, consulted before enqueue and before send so a
// restart never re-sends a delivered notification.
//
// Drivers:
//   - "file": append-only JSON Lines journal + periodic snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "redis": one key per event (SETNX)
//   - "memory": process-local, for tests or when durability is not wanted
package storage
