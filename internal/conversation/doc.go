// Package conversation owns per-key conversation state: bounded history,
// persona and reasoning settings, and loaded context fragments.
//
// # Isolation model
//
// Every conversation is addressed by a scope.Key. The store keeps one
// record per key and serializes all mutation on that record's own mutex, so
// operations on a single conversation observe a total order while distinct
// conversations never contend. The store-level lock only guards the record
// map and is never held across a record operation.
//
// # Dispatch pattern
//
// Callers never hold a record lock across a network call. The router takes
// a Snapshot (a copy made under the lock), appends the user turn, releases
// everything, performs the generation call, and applies the result back as
// a separate operation:
//
//	snap := store.Snapshot(key)
//	userTurn := store.AppendTurn(key, userTurn)
//	resp, err := generate(ctx, snap)   // no lock held here
//	store.AppendTurn(key, modelTurn)
//
// Appending the user turn before the call means a failed generation keeps
// the user's words in history, so a later retry resumes from the same
// point instead of silently losing the turn.
//
// # History semantics
//
// History is bounded. When an append exceeds the bound, the oldest turns
// are dropped first, whole turns only. Delete actions remove only the
// model turn; regenerate replaces a model turn's content in place, keeping
// its ID and position so no duplicate ever appears.
//
// # Fragments and windows
//
// Context fragments are blocks of loaded history with a remaining-uses
// counter. Every completed exchange (a model turn landing) consumes one
// use from each fragment and drops fragments that reach zero. An
// auto-respond window stays open for exactly as long as its key has live
// fragments.
package conversation
