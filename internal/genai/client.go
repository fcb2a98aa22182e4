// ABOUTME: Generation client over the Gemini API with key rotation and QPS guarding.
// ABOUTME: Builds multimodal message sequences from conversation state; never holds locks across calls.

package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"golang.org/x/time/rate"

	"github.com/merbudd/techiee/internal/content"
	"github.com/merbudd/techiee/internal/conversation"
)

// Request carries one fully resolved generation request. Context holds
// attributed reply-chain parts, oldest first; Parts is the current turn.
type Request struct {
	Context    []content.Part
	Parts      []content.Part
	History    []conversation.Turn
	Fragments  []conversation.Fragment
	Persona    string
	Depth      conversation.Depth
	Attributed bool                // prefix history turns with author names (shared scopes)
	Author     conversation.Author // who asked, woven into the system instruction
}

// Response is what came back: text, any generated media, and citations
// when the provider surfaces them.
type Response struct {
	Text      string
	Media     []Media
	Citations []string
}

// Media is provider-generated binary output.
type Media struct {
	MIME string
	Data []byte
	Name string
}

// Options configures the client.
type Options struct {
	APIKeys           []string
	Model             string
	Temperature       float64
	TopP              float64
	MaxTokens         int
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
	Instruction       string // base system instruction
}

// Client talks to the generation service. It holds one upstream handle per
// API key and rotates to the next key when one runs out of quota. A shared
// rate limiter keeps outbound QPS under the configured bound regardless of
// how many requests are in flight.
type Client struct {
	mu     sync.Mutex
	models []llms.Model
	active int

	limiter     *rate.Limiter
	timeout     time.Duration
	temperature float64
	topP        float64
	maxTokens   int
	instruction string
	logger      *slog.Logger
}

// New builds a client with one Gemini handle per configured API key.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	if len(opts.APIKeys) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}

	models := make([]llms.Model, 0, len(opts.APIKeys))
	for i, key := range opts.APIKeys {
		m, err := googleai.New(ctx,
			googleai.WithAPIKey(key),
			googleai.WithDefaultModel(opts.Model),
			googleai.WithDefaultMaxTokens(opts.MaxTokens),
			googleai.WithHarmThreshold(googleai.HarmBlockNone),
		)
		if err != nil {
			return nil, fmt.Errorf("creating model client for key %d: %w", i, err)
		}
		models = append(models, m)
	}
	return newWithModels(models, opts, logger), nil
}

// newWithModels is the internal constructor; tests inject fake models here.
func newWithModels(models []llms.Model, opts Options, logger *slog.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 3
	}
	if opts.Temperature == 0 {
		opts.Temperature = 1.0
	}
	if opts.TopP == 0 {
		opts.TopP = 0.95
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 16384
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		models:      models,
		limiter:     rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		timeout:     opts.RequestTimeout,
		temperature: opts.Temperature,
		topP:        opts.TopP,
		maxTokens:   opts.MaxTokens,
		instruction: opts.Instruction,
		logger:      logger.With("component", "genai"),
	}
}

// Generate performs one generation call. Quota failures rotate to the next
// API key and try again until every key has been exhausted; all other
// failures return immediately with their class attached.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	msgs := c.buildMessages(req)
	opts := []llms.CallOption{
		llms.WithTemperature(c.temperature),
		llms.WithTopP(c.topP),
		llms.WithMaxTokens(c.maxTokens),
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < len(c.models); attempt++ {
		model, idx := c.current()
		resp, err := model.GenerateContent(callCtx, msgs, opts...)
		if err != nil {
			classified := Classify(err)
			if errors.Is(classified, ErrQuota) && len(c.models) > 1 {
				c.rotate(idx)
				c.logger.Warn("api key rejected, rotating to next",
					"key_index", idx,
					"error", err)
				lastErr = classified
				continue
			}
			return nil, classified
		}
		return parseResponse(resp)
	}
	return nil, lastErr
}

// current returns the model handle for the active key.
func (c *Client) current() (llms.Model, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.models[c.active], c.active
}

// rotate advances past a failed key unless another caller already did.
func (c *Client) rotate(from int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == from {
		c.active = (c.active + 1) % len(c.models)
	}
}

// buildMessages lays out the model input: system instruction, loaded
// fragments, history in order, then the current turn with its reply-chain
// context ahead of it.
func (c *Client) buildMessages(req Request) []llms.MessageContent {
	var msgs []llms.MessageContent

	if sys := c.systemInstruction(req); sys != "" {
		msgs = append(msgs, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(sys)},
		})
	}

	for _, f := range req.Fragments {
		msgs = append(msgs, llms.MessageContent{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart("Context loaded from earlier conversation:\n" + f.Text)},
		})
	}

	for _, turn := range req.History {
		role := llms.ChatMessageTypeHuman
		if turn.Role == conversation.RoleModel {
			role = llms.ChatMessageTypeAI
		}
		parts := toLLMParts(turn.Parts)
		if req.Attributed && turn.Role == conversation.RoleUser && turn.Author.Name != "" {
			parts = append([]llms.ContentPart{llms.TextPart("[" + turn.Author.Name + "] ")}, parts...)
		}
		msgs = append(msgs, llms.MessageContent{Role: role, Parts: parts})
	}

	current := append([]content.Part{}, req.Context...)
	current = append(current, req.Parts...)
	msgs = append(msgs, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: toLLMParts(current),
	})
	return msgs
}

// systemInstruction assembles the effective instruction: persona first,
// then the base instruction with its date placeholder expanded, then who
// is asking, then the reasoning directive.
func (c *Client) systemInstruction(req Request) string {
	var b strings.Builder
	if req.Persona != "" {
		b.WriteString(req.Persona)
	}
	if c.instruction != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		now := time.Now().Format("Monday, January 2, 2006 at 3:04 PM")
		b.WriteString(strings.ReplaceAll(c.instruction, "{date}", now))
	}
	if line := speakerLine(req.Author); line != "" && b.Len() > 0 {
		b.WriteString("\n")
		b.WriteString(line)
	}
	if d := depthDirective(req.Depth); d != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(d)
	}
	return b.String()
}

// speakerLine tells the model who it is talking to.
func speakerLine(author conversation.Author) string {
	switch {
	case author.Name != "" && author.ID != "":
		return fmt.Sprintf("You are currently talking to %s (%s).", author.Name, author.ID)
	case author.Name != "":
		return fmt.Sprintf("You are currently talking to %s.", author.Name)
	case author.ID != "":
		return fmt.Sprintf("You are currently talking to %s.", author.ID)
	default:
		return ""
	}
}

// depthDirective translates the configured reasoning depth into an
// instruction line. Medium is the model's natural behavior and adds nothing.
func depthDirective(d conversation.Depth) string {
	switch d {
	case conversation.DepthMinimal:
		return "Answer directly and concisely. Do not show intermediate reasoning."
	case conversation.DepthLow:
		return "Keep your reasoning brief and favor short answers."
	case conversation.DepthHigh:
		return "Think the problem through carefully and check your answer before replying."
	default:
		return ""
	}
}

// toLLMParts converts stored content parts to model input parts. Each
// variant supplies its own payload; unresolved references degrade to their
// placeholder text inside Payload.
func toLLMParts(parts []content.Part) []llms.ContentPart {
	out := make([]llms.ContentPart, 0, len(parts))
	for _, p := range parts {
		payload := p.Payload()
		if len(payload.Data) > 0 {
			out = append(out, llms.BinaryPart(payload.MIME, payload.Data))
			continue
		}
		if payload.Text != "" {
			out = append(out, llms.TextPart(payload.Text))
		}
	}
	return out
}

// parseResponse extracts text and citations from the provider response.
func parseResponse(resp *llms.ContentResponse) (*Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrEmpty)
	}
	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Content)
	if text == "" {
		return nil, fmt.Errorf("%w: choice contained no text", ErrEmpty)
	}
	return &Response{
		Text:      text,
		Citations: citationsFrom(choice.GenerationInfo),
	}, nil
}

// citationsFrom digs citation URLs out of provider metadata when present.
func citationsFrom(info map[string]any) []string {
	if info == nil {
		return nil
	}
	raw, ok := info["citations"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
