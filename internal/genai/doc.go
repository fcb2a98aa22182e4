// Package genai is the client for the hosted generation service: it builds
// multimodal message sequences from conversation state, guards outbound
// QPS, rotates API keys on quota failures, and attaches a failure class to
// every upstream error.
package genai
