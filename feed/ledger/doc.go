// Package ledger records executed trades for one symbol in a bounded
// newest-first window and derives rolling statistics from it.
//
// Statistics are recomputed from the window on every call so they can never
// drift from the trades actually held.
package ledger
