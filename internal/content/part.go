// ABOUTME: Tagged content part variants that make up one message turn.
// ABOUTME: Each variant knows how to describe itself and how to enter a generation request.

package content

import (
	"fmt"
	"strings"
)

// Part is one unit of message content. A message is an ordered slice of
// parts in the order the author composed them. The variant set is closed;
// consumers work through the capability methods, not per-variant switches.
type Part interface {
	isPart()

	// Describe returns a short human-readable stand-in for the part,
	// used in transcripts, logs, and placeholders for media that cannot
	// travel.
	Describe() string

	// Payload returns the part's generation-request form.
	Payload() Payload
}

// Payload is the provider-neutral form a part contributes to a request:
// inline text, or typed binary data when Data is set.
type Payload struct {
	Text string
	MIME string
	Data []byte
}

// Media is the capability of parts whose payload lives on the platform.
// The resolver fetches them through this interface exactly once, before a
// request is snapshotted for replay.
type Media interface {
	Part

	// Ref returns the source reference and declared metadata.
	Ref() Blob

	// Resolved reports whether the payload is already in memory.
	Resolved() bool

	// WithData returns a copy of the part carrying the fetched payload.
	WithData(data []byte) Part
}

var (
	_ Media = Image{}
	_ Media = Video{}
	_ Media = Document{}
	_ Media = Sticker{}
)

// Text is a run of plain text.
type Text struct {
	Text string
}

func (Text) isPart()            {}
func (p Text) Describe() string { return p.Text }
func (p Text) Payload() Payload { return Payload{Text: p.Text} }

// Blob is the shared shape of platform-hosted media: a content reference
// plus the payload once fetched. Media variants embed it.
type Blob struct {
	URL  string // platform content URI; empty when the data was born inline
	MIME string
	Name string
	Size int64  // declared size, checked against the fetch cap before download
	Data []byte // nil until resolved
}

// Ref returns the blob itself; promoted to every media variant.
func (b Blob) Ref() Blob { return b }

// Resolved reports whether the payload needs no fetch: inline data, or a
// download that already happened.
func (b Blob) Resolved() bool { return b.URL == "" || len(b.Data) > 0 }

func (b Blob) describe(kind string) string {
	name := b.Name
	if name == "" {
		name = b.MIME
	}
	if name == "" {
		return "[" + kind + "]"
	}
	return fmt.Sprintf("[%s: %s]", kind, name)
}

// payload hands over the binary data once resolved. An unresolved
// reference degrades to its placeholder text rather than vanishing.
func (b Blob) payload(kind string) Payload {
	if len(b.Data) > 0 {
		return Payload{MIME: b.MIME, Data: b.Data}
	}
	return Payload{Text: b.describe(kind)}
}

// Image is a picture the author attached.
type Image struct{ Blob }

func (Image) isPart()                     {}
func (p Image) Describe() string          { return p.describe("image") }
func (p Image) Payload() Payload          { return p.payload("image") }
func (p Image) WithData(data []byte) Part { p.Data = data; return p }

// Video is a video clip the author attached.
type Video struct{ Blob }

func (Video) isPart()                     {}
func (p Video) Describe() string          { return p.describe("video") }
func (p Video) Payload() Payload          { return p.payload("video") }
func (p Video) WithData(data []byte) Part { p.Data = data; return p }

// Document is any other attached file: PDFs, audio, plain files. The MIME
// type tells the model what it is looking at.
type Document struct{ Blob }

func (Document) isPart()                     {}
func (p Document) Describe() string          { return p.describe("file") }
func (p Document) Payload() Payload          { return p.payload("file") }
func (p Document) WithData(data []byte) Part { p.Data = data; return p }

// Sticker is a platform sticker. Its name is the sticker's alt text.
type Sticker struct{ Blob }

func (Sticker) isPart()                     {}
func (p Sticker) Describe() string          { return p.describe("sticker") }
func (p Sticker) Payload() Payload          { return p.payload("sticker") }
func (p Sticker) WithData(data []byte) Part { p.Data = data; return p }

// URL is a bare web link in the message body. It rides along as text; the
// provider's URL-context tooling does the fetching on its side.
type URL struct {
	URL string
}

func (URL) isPart()            {}
func (p URL) Describe() string { return p.URL }
func (p URL) Payload() Payload { return Payload{Text: p.URL} }

// Emoji is a custom emoticon the author used, identified by its shortcode.
type Emoji struct {
	Name string // shortcode without the surrounding colons
}

func (Emoji) isPart()            {}
func (p Emoji) Describe() string { return ":" + p.Name + ":" }
func (p Emoji) Payload() Payload { return Payload{Text: p.Describe()} }

// Embed is a structured reference block on a turn. Model turns carry one
// per citation when a response was grounded in search results.
type Embed struct {
	Title string
	URL   string
	Text  string
}

func (Embed) isPart() {}

func (p Embed) Describe() string {
	switch {
	case p.Title != "" && p.URL != "":
		return fmt.Sprintf("%s <%s>", p.Title, p.URL)
	case p.URL != "":
		return p.URL
	default:
		return p.Title
	}
}

func (p Embed) Payload() Payload {
	if p.Text == "" {
		return Payload{Text: p.Describe()}
	}
	return Payload{Text: p.Describe() + "\n" + p.Text}
}

// Flatten renders parts as a single line of text. Used for logs and
// transcript lines, not for model input.
func Flatten(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(p.Describe())
	}
	return b.String()
}

// TextOnly concatenates just the text runs of a message.
func TextOnly(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if t, ok := p.(Text); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// HasMedia reports whether any part carries a platform-hosted payload.
func HasMedia(parts []Part) bool {
	for _, p := range parts {
		if _, ok := p.(Media); ok {
			return true
		}
	}
	return false
}

// HasText reports whether any text run contains non-whitespace content.
func HasText(parts []Part) bool {
	for _, p := range parts {
		if t, ok := p.(Text); ok && strings.TrimSpace(t.Text) != "" {
			return true
		}
	}
	return false
}
