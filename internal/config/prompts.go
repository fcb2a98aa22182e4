// ABOUTME: Optional YAML overlay for the bot's prompts and help text.
// ABOUTME: Missing file or fields fall back to built-in defaults downstream.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Prompts carries the overridable text surfaces: the system instruction,
// the stand-in prompts for bare media and links, and the help reply. The
// instruction may contain a {date} placeholder expanded per request.
type Prompts struct {
	Instruction string `yaml:"instruction"`
	Media       string `yaml:"media"`
	Link        string `yaml:"link"`
	Help        string `yaml:"help"`
}

// DefaultInstruction keeps the bot grounded when no prompts file is
// configured.
const DefaultInstruction = `You are Techiee, an AI chatbot created by Tech and Budd. You are chatting on Matrix and can handle text, images, videos, documents, files, and links.

The current date and time is: {date}.

Write like a real human. Every sentence should carry meaning; no filler, no exaggerated praise, no restating your point. Keep a distinct personality.`

// LoadPrompts reads the prompts overlay from path. An empty path returns
// defaults; a configured path that cannot be read or parsed is an error.
func LoadPrompts(path string) (*Prompts, error) {
	prompts := &Prompts{Instruction: DefaultInstruction}
	if path == "" {
		return prompts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompts file: %w", err)
	}
	if err := yaml.Unmarshal(data, prompts); err != nil {
		return nil, fmt.Errorf("parsing prompts file: %w", err)
	}
	if prompts.Instruction == "" {
		prompts.Instruction = DefaultInstruction
	}
	return prompts, nil
}
