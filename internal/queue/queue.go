// ABOUTME: Job queue contract and payload types for asynchronous message persistence
// ABOUTME: Defines Job states, the worker Handler, and queue sentinel errors

package queue

import (
	"context"
	"errors"

	"github.com/tnetapp/message-gateway/internal/store"
)

// ErrJobNotFound is returned by WaitForCompletion when the backend has no
// record of the job ID. Treated as terminal, never retried.
var ErrJobNotFound = errors.New("job not found")

// ErrJobFailed is returned by WaitForCompletion when the job reached its
// terminal failed state. The failure reason is attached via wrapping.
var ErrJobFailed = errors.New("job failed")

// TaskTypeSendMessage is the queue task name for persisting a message.
const TaskTypeSendMessage = "message:send"

// State is the lifecycle state of a job.
type State string

// Job lifecycle states.
const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// MessagePayload carries a pending message's fields through the queue. The
// MessageID is assigned before enqueueing and keys both the task and the
// eventual message row, which keeps at-least-once processing idempotent.
type MessagePayload struct {
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
}

// Job is a queued unit of work. State transitions are driven only by queue
// workers; completed jobs are garbage-collected by the backend after the
// retention window.
type Job struct {
	ID    string
	State State
}

// Handler processes one payload and returns the persisted message. A nil
// error marks the job completed with the message as its result; an error
// marks the attempt failed and defers to the backend's retry policy.
type Handler func(ctx context.Context, payload MessagePayload) (*store.Message, error)
