// Package content defines the tagged message part variants (text, media,
// links, stickers, emoji, embeds) shared by the conversation store, router,
// and model client. Each variant carries the capability to describe itself
// and to convert into a generation-request payload.
package content
