// Package router decides which platform events deserve a model response
// and drives each one through generation and delivery.
//
// The router owns no platform connection. A bridge feeds it Events through
// Enqueue and receives calls back through the Platform interface; the
// generation service sits behind Generator. Run drains the event queue and
// handles every event on its own goroutine, so one slow conversation never
// delays another. Per-conversation ordering comes from the conversation
// store's record locks, not from the router.
//
// # Eligibility
//
// A message event produces a response when it lands in a direct room, a
// tracked room, a bot-managed thread, an open auto-respond window, or when
// it mentions the bot. Everything else is dropped before any network work.
// The scope package turns the winning condition into the conversation key
// that scopes history and settings.
//
// # Dispatch
//
// Dispatch snapshots the conversation, records the user turn so a failed
// attempt keeps the user's words, resolves attachments, generates under a
// typing lease, delivers, then records the model turn and registers the
// response for reaction handling. Replies carry their ancestor chain as
// context. One dispatch path serves three flows: first sends deliver a new
// message, retry replays edit the failure notice into the response, and
// regenerations edit the original response in place so its identity and
// reply links survive.
//
// # Failures
//
// Transient upstream failures arm a retry chain behind a notice the retry
// package counts down. Terminal failures produce exactly one user-facing
// notice mapped from the error class; when they end a retry chain, the
// chain's notice is edited rather than joined by a second message.
package router
