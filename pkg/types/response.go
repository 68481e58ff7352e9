package types

// GenerateResult is the normalized outcome of a single generation call.
// Raw preserves the provider payload for callers that need it.
type GenerateResult struct {
	Text   string         `json:"text"`
	Tokens int            `json:"tokens,omitempty"`
	Raw    map[string]any `json:"raw,omitempty"`
}

// Response is the non-streaming response returned to callers.
type Response struct {
	Text          string `json:"text"`
	Tokens        int    `json:"tokens,omitempty"`
	ModelID       string `json:"model_id"`
	DurationMs    int64  `json:"duration_ms"`
	Cached        bool   `json:"cached"`
	FallbacksUsed int    `json:"fallbacks_used"`
}

// StreamChunk is one element of a token stream. The terminator chunk has
// Finished set; Aborted distinguishes consumer/upstream abort from normal
// completion. Raw carries the unparsed provider event when one exists.
type StreamChunk struct {
	Text               string `json:"text"`
	Tokens             int    `json:"tokens,omitempty"`
	Finished           bool   `json:"finished"`
	Aborted            bool   `json:"aborted,omitempty"`
	Error              string `json:"error,omitempty"`
	FullResponseLength int    `json:"full_response_length,omitempty"`

	Raw any `json:"-"`
}
