// Package config handles configuration loading for the techiee bot.
//
// # Overview
//
// Configuration is loaded from a TOML file with environment variable
// expansion. The package provides validation and sensible defaults; a bot
// can run from a config naming nothing but the homeserver credentials and
// an API key.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	[matrix]
//	password = "${TECHIEE_MATRIX_PASSWORD}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to empty strings, which
// validation then catches for required fields.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	[bot]
//	typing_grace = "150ms"
//	retry_countdown = "3s"
//	tracker_ttl = "24h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Matrix connection:
//
//	[matrix]
//	homeserver = "https://matrix.example.org"
//	username = "techiee"
//	password = "${TECHIEE_MATRIX_PASSWORD}"
//	recovery_key = "${TECHIEE_RECOVERY_KEY}"  # enables E2EE when set
//
// Conversation behavior:
//
//	[bot]
//	command_prefix = "!techiee"
//	tracked_rooms = ["!lounge:example.org"]
//	max_history = 30          # turns kept per conversation
//	reply_chain_depth = 10    # replied-to messages pulled into context
//	message_length = 4000     # split responses longer than this
//
//	[bot.cooldowns]
//	chat = "10s"              # plain messages
//	context = "30s"           # the context command
//
// Generation service:
//
//	[genai]
//	api_keys = ["${GEMINI_API_KEY}"]
//	model = "gemini-2.5-flash"
//	temperature = 1.0
//	top_p = 0.95
//	max_tokens = 16384
//
// When api_keys is omitted, GEMINI_API_KEY plus numbered variants
// (GEMINI_API_KEY_2, ...) are collected from the environment.
//
// Liveness endpoint:
//
//	[health]
//	enabled = true
//	addr = ":8080"
//
// Logging:
//
//	[logging]
//	level = "info"   # debug, info, warn, error
//
// # Prompts Overlay
//
// Long-form text surfaces live in a separate YAML file named by
// bot.prompts_file, so prompt editing does not touch credentials:
//
//	instruction: |
//	  You are Techiee...
//	media: "What is this a picture of?"
//	link: "Summarize the following by giving me 5 bullet points"
//	help: "..."
//
// The instruction may carry a {date} placeholder, expanded per request.
package config
