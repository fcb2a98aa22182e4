// Package tracker bounds the set of delivered responses that still accept
// delete and regenerate actions, using LRU eviction and idle expiry.
package tracker
