// Package notifier sends short operator messages to the configured chat.
//
// Engine events (run summaries, schedule changes, persistence warnings) are
// turned into notifications by Consume and queued. A small worker pool drains
// the queue through a shared rate limiter and retries failed sends with
// jittered exponential backoff. Identical messages inside the dedup window are
// suppressed.
//
// A small in-memory history of recent sends is kept for the API.
package notifier
