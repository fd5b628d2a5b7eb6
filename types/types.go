package types

// Config is the chat configuration kept in the config table, one row per field.
type Config struct {
	APIKey        string
	APIBase       string
	Model         string
	SystemPrompt  string
	Temperature   float64
	MaxTokens     int
	ShowReasoning bool
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryMessage is a prior turn of a session. ReasoningContent is kept for
// callers but never sent back to the model.
type HistoryMessage struct {
	Role             string
	Content          string
	ReasoningContent string
}

type Payload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type ResponseData struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int    `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		Index        int    `json:"index"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}
