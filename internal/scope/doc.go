// Package scope resolves inbound events to conversation keys so that
// simultaneous conversations sharing a room stay isolated.
package scope
