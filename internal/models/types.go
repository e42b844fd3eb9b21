package models

import (
	"time"
)

// Role identifies the author of a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationMessage is one entry of a session's chat history
type ConversationMessage struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage stamps a message with the current time
func NewMessage(role Role, text string) ConversationMessage {
	return ConversationMessage{Role: role, Text: text, Timestamp: time.Now().UTC()}
}

// CacheEntry represents a cached remote answer
type CacheEntry struct {
	Query     string
	Answer    string
	CreatedAt time.Time
}
