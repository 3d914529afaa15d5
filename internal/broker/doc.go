// Package broker turns blocking database/sql work into ordered, retryable
// units of work with asynchronous results.
//
// A Broker owns a fixed pool of workers. Each worker owns one connection
// and runs one unit at a time inside a transaction: begin, call the body,
// commit on success, roll back on error. Every operation returns a
// future.Future that resolves exactly once.
//
// Scheduling:
//
// Pending units are ordered by niceness (lower first) and then by
// submission order. Startup work (Table, Setup, WithFirst) runs first, one
// unit at a time in declared order, behind a barrier that no regular unit
// passes until every startup unit has succeeded. A startup failure is
// terminal: pending and future submissions all fail with the same schema
// setup error.
//
// Transactions:
//
// The body receives a ctx carrying its *Tx. Transact called with that ctx
// joins the running transaction instead of queueing a new unit, so nested
// calls share one commit or rollback. Lock, busy, and serialization
// failures are retried with doubling backoff up to the unit's retry
// budget; any other error rolls back and fails the unit once.
//
// Timeouts and cancellation:
//
// A unit timeout resolves the future immediately. A running unit keeps
// its worker until the body returns, and its transaction is always rolled
// back. Cancelling the caller's ctx, or calling Cancel on the future,
// withdraws a unit only while it is still pending.
package broker
