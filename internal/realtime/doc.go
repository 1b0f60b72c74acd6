// Package realtime implements the Realtime Channel: one authenticated push
// connection per session, a subscription ledger that survives reconnects, and
// synchronous per-topic dispatch to registered handlers.
package realtime
