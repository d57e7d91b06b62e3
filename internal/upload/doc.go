// Package upload schedules media publishing under per-destination daily
// quotas.
//
// A submission becomes one job per destination. The dispatcher drains due
// jobs on every tick: it publishes while quota remains, defers the rest into
// evenly spaced slots on the next UTC day, and hands publish failures to the
// retry policy. Every state change is a compare-and-set in the store, so a
// repeated or overlapping tick never double-publishes.
package upload
