// Package retry manages recovery from transient upstream failures.
//
// When a generation attempt fails with a transient error, the router posts
// a notice and arms a chain here keyed by that notice's event ID. The
// chain holds a full replay snapshot of the original request, so retries
// never re-read platform state.
//
// # Countdown
//
// The retry affordance stays inert for a configurable countdown (default
// three seconds) after each failure. The coordinator edits the notice once
// a second so users can see when the retry unlocks. Reactions arriving
// before the countdown elapses are rejected with ErrNotReady.
//
// # Claims
//
// Only the original requester may trigger a retry. Claim validates the
// chain exists, the user matches, the countdown has elapsed, and no other
// attempt is in flight, then hands the caller a copy of the chain. The
// caller replays the request and reports back: Resolve removes the chain
// (the notice has been edited into the real response or a terminal
// failure ended the workflow), FailAgain counts the attempt and either
// restarts the countdown or, at the bound, closes the chain with a
// terminal notice.
//
// A successful retry leaves no trace of the failure: the error notice
// becomes the response, and the conversation records the exchange as if
// it had succeeded the first time.
package retry
