// Package sim implements an in-memory synthetic ledger seeded from a flow
// plan's wallet snapshot. It applies agent actions atomically and doubles as
// the ledger query used by the resolver's live path in tests and dry runs.
package sim
