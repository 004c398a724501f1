package models

// Suggestion is a place and activity proposed for one free window.
type Suggestion struct {
	WindowStart string `json:"windowStart"`
	WindowEnd   string `json:"windowEnd"`
	Place       string `json:"place"`
	Activity    string `json:"activity"`
}

// Chat roles accepted from API callers.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a planning conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
