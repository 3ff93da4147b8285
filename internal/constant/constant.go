// Package constant defines provider and dialect name constants used
// throughout the Pool Proxy API. These constants identify the upstream
// families and the request/response dialects they speak, ensuring consistent
// naming across the application.
package constant

const (
	// Gemini represents the Google Gemini provider identifier and its
	// native request/response dialect.
	Gemini = "gemini"

	// Claude represents the Anthropic Claude provider identifier and its
	// native request/response dialect.
	Claude = "claude"

	// OpenAI represents the OpenAI-compatible dialect identifier.
	OpenAI = "openai"

	// ClaudeWeb represents the Claude Web upstream variant.
	ClaudeWeb = "claude-web"

	// ClaudeCode represents the Claude Code upstream variant.
	ClaudeCode = "claude-code"
)
