// Package matrix is the bridge between a Matrix homeserver and the event
// router: it runs the sync loop, parses incoming events into typed content
// parts, and implements the send/edit/redact/react/typing/download
// operations the router calls back on. Encryption is optional; with a
// recovery key configured the bridge verifies the session and decrypts
// through a local crypto store.
package matrix
