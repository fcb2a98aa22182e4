// ABOUTME: Renders model markdown into Matrix message content with an HTML body.
// ABOUTME: Falls back to plain text when markdown conversion fails.

package matrix

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix/event"
)

// renderMarkdown builds message content with the markdown as the plain body
// and its HTML rendering as the formatted body.
func renderMarkdown(msgType event.MessageType, markdown string) event.MessageEventContent {
	content := event.MessageEventContent{
		MsgType: msgType,
		Body:    markdown,
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return content
	}
	html := strings.TrimSpace(buf.String())
	if html == "" {
		return content
	}

	content.Format = event.FormatHTML
	content.FormattedBody = html
	return content
}
