// Package typing keeps a room's typing indicator accurate while any number
// of overlapping requests are in flight, using refcounted leases with a
// short grace period before the final stop.
package typing
