// Package storage provides the sqlite persistence layer used by the daemon.
//
// It currently holds:
//   - The durable dedup key set (logged lifecycle events, append-only)
//   - A small key/value table (schedule ledger, one-shot flags, device id)
//   - The local event journal pending sync to the study server
package storage
