// Package cooldown rate-limits command usage per user with local,
// atomically checked cooldown windows.
package cooldown
