// Package executor provides the HTTP client for the executor test adapter.
//
// types.go - Wire types for the adapter API
//
// These mirror the request/response format of the adapter endpoints:
// POST /test/message, GET /test/messages/:id, DELETE /test/messages/:id
package executor

import "time"

// Message is a single message in an executor conversation
type Message struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"` // "sent" by executor, "received" from us
}

// messageRequest is the body for POST /test/message
type messageRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

// messagesResponse is the body for GET /test/messages/:id
type messagesResponse struct {
	ConversationID string    `json:"conversationId"`
	Messages       []Message `json:"messages"`
}
