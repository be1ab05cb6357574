// ABOUTME: Wire protocol for the WebSocket event stream
// ABOUTME: JSON frames with an event name and payload, plus error code mapping

package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tnetapp/message-gateway/internal/conversation"
	"github.com/tnetapp/message-gateway/internal/queue"
	"github.com/tnetapp/message-gateway/internal/store"
)

// Client-to-server events
const (
	EventSendMessage     = "sendMessage"
	EventGetConversation = "getConversation"
	EventMarkRead        = "markRead"
)

// Server-to-client events
const (
	EventMessageReceived = "messageReceived"
	EventConversation    = "conversation"
	EventMarkedRead      = "markedRead"
	EventError           = "error"
)

// Frame is the JSON envelope on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessagePayload is the client payload for sendMessage.
type SendMessagePayload struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// GetConversationPayload is the client payload for getConversation. UserID
// names the other party, not the caller.
type GetConversationPayload struct {
	UserID string `json:"userId"`
}

// MarkReadPayload is the client payload for markRead.
type MarkReadPayload struct {
	ConversationID string `json:"conversationId"`
}

// MarkedReadPayload confirms a markRead back to the caller.
type MarkedReadPayload struct {
	ConversationID string `json:"conversationId"`
}

// ErrorPayload is the server payload for error frames.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried on error frames.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeForbidden      = "forbidden"
	CodeTimeout        = "timeout"
	CodeInternal       = "internal"
)

// encodeFrame builds a wire frame for the given event and payload.
func encodeFrame(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// errorCode maps pipeline errors to wire error codes. Internal details stay
// out of the message sent to clients.
func errorCode(err error) (code, message string) {
	switch {
	case errors.Is(err, conversation.ErrMissingReceiver),
		errors.Is(err, conversation.ErrEmptyContent),
		errors.Is(err, store.ErrSelfConversation):
		return CodeInvalidRequest, err.Error()
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrJobNotFound):
		return CodeNotFound, "not found"
	case errors.Is(err, store.ErrNotParticipant):
		return CodeForbidden, "not a participant of this conversation"
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout, "request timed out"
	default:
		return CodeInternal, "internal error"
	}
}
