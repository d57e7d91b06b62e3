// Package notifier delivers operator alerts asynchronously.
//
// Alerts are queued, sent by a small worker pool under a shared rate limit
// and retried with backoff. Identical alerts inside the dedup window are
// suppressed; with PersistDedup the window survives restarts through the
// job store.
package notifier
