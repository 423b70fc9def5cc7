// Package storage provides a minimal persistence layer for the scheduler.
//
// It currently supports:
//   - Run history appends and recent-run queries per task
//   - Alerter dedup state (to survive restarts)
package storage
