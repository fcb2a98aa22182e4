// Package health serves the liveness endpoint uptime monitors ping to keep
// hosted deployments awake.
package health
