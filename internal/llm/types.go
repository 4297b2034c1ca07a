package llm

// Role represents a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single message in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
}

// Usage reports token accounting returned by the provider.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Total is the number of tokens billed for the call.
func (u Usage) Total() int64 {
	return u.PromptTokens + u.CompletionTokens
}

// FinishLength is the finish reason of a reply cut off by the token limit.
const FinishLength = "length"

// Response is the result of a chat completion call.
type Response struct {
	Message      Message
	Usage        Usage
	FinishReason string
}

// Truncated reports whether the model stopped because it ran out of tokens.
// A truncated reply usually holds an unterminated code block.
func (r *Response) Truncated() bool {
	return r.FinishReason == FinishLength
}

// StreamHandler receives text deltas during streaming.
type StreamHandler func(delta string)

func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
