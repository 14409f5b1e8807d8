// Package connectivity tracks whether the collector is reachable.
//
// A Watcher holds a single process-wide online/offline flag. It is seeded by
// probing at construction and afterwards changes only through Update, which
// the polling loop in Run calls after each probe. Subscribers registered with
// Watch are notified in registration order, and only on genuine transitions:
// never for the initial state and never twice in a row with the same value.
package connectivity
