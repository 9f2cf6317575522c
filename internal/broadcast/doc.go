// Package broadcast is the scheduling and delivery engine.
//
// An Engine owns all mutable state: the send ledger used for throttling,
// the named broadcast definitions, the single active run, the single
// scheduled slot and the bounded run history. Callers talk to it through
// its methods only; persistence goes through storage.Store and progress
// is reported to a Sink.
package broadcast
