// Package storage is the sqlite-backed job store.
//
// Besides upload jobs it keeps:
//   - audit rows for operator actions
//   - notifier dedup state that survives restarts
package storage
