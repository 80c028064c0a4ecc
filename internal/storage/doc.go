// Package storage persists the ledger (events and gaps) and the viewer
// heartbeat registry.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite in WAL mode; the production default
//   - "file": JSON snapshot plus an append-only journal, no cgo and no SQL
//   - "memory": process-local, used by tests and the simulate command
//
// Inserts are idempotent: a duplicate external id (events), end event id
// (gaps) or visitor id (heartbeats) is reported as "not inserted", never as
// an error.
package storage
