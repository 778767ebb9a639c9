// Package evm connects the flow executor to an EVM compatible chain. It
// serves live account snapshots for placeholder resolution and applies agent
// actions as signed legacy transactions. Every operation of an action is
// preflighted with gas estimation before the first transaction is sent, but
// once sending starts the chain offers no rollback across transactions.
package evm
