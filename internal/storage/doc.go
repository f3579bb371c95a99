// Package storage provides the durable job store backing the dispatch queue.
//
// It currently supports:
//   - sqlite: survives process restarts (the default for production)
//   - memory: process-local, used by tests and persistence-free setups
package storage
