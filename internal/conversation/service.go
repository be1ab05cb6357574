// ABOUTME: Conversation service is the central layer for message flow
// ABOUTME: All sends go through the durable queue - persistence is the source of truth, not a side effect

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tnetapp/message-gateway/internal/dedupe"
	"github.com/tnetapp/message-gateway/internal/queue"
	"github.com/tnetapp/message-gateway/internal/store"
)

// Send validation errors
var (
	ErrMissingReceiver = errors.New("receiver is required")
	ErrEmptyContent    = errors.New("message content is empty")
)

// lateWaitTimeout bounds the background re-wait spawned when a sender's
// synchronous wait times out. Must stay under the queue's result retention.
const lateWaitTimeout = 5 * time.Minute

// Store defines what the service needs from storage
type Store interface {
	FindOrCreateConversation(ctx context.Context, userA, userB string) (*store.Conversation, error)
	AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, error)
	MarkRead(ctx context.Context, userID, conversationID string) error
}

// Queue defines what the service needs from the job queue
type Queue interface {
	Enqueue(ctx context.Context, payload queue.MessagePayload) (*queue.Job, error)
	WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (*store.Message, error)
}

// Notifier pushes a persisted message to the live connections of its sender
// and receiver. Implementations must tolerate either party being offline.
type Notifier interface {
	DeliverMessage(msg *store.Message)
}

// Service routes every send through the durable queue: enqueue, wait for the
// worker to persist, then fan out exactly once. Reads bypass the queue and
// hit storage directly.
type Service struct {
	store       Store
	queue       Queue
	notifier    Notifier
	delivered   *dedupe.Cache
	waitTimeout time.Duration
	logger      *slog.Logger
}

// New creates a conversation service. The delivered cache guards fan-out so
// a job observed by both the synchronous wait and a late re-wait is pushed
// to recipients only once.
func New(st Store, q Queue, notifier Notifier, delivered *dedupe.Cache, waitTimeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		queue:       q,
		notifier:    notifier,
		delivered:   delivered,
		waitTimeout: waitTimeout,
		logger:      logger.With("component", "conversation"),
	}
}

// SendMessage enqueues a message for durable processing and waits for the
// worker to persist it. On success the stored message is returned and fanned
// out to both parties' connections. If the wait times out while the job is
// still in flight, a background re-wait keeps watching so the message is
// still delivered when the worker finishes.
func (s *Service) SendMessage(ctx context.Context, senderID, receiverID, content string) (*store.Message, error) {
	if receiverID == "" {
		return nil, ErrMissingReceiver
	}
	if content == "" {
		return nil, ErrEmptyContent
	}
	if senderID == receiverID {
		return nil, store.ErrSelfConversation
	}

	payload := queue.MessagePayload{
		MessageID:  uuid.New().String(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
	}

	job, err := s.queue.Enqueue(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("enqueueing message: %w", err)
	}

	s.logger.Debug("message enqueued",
		"job_id", job.ID,
		"sender_id", senderID,
		"receiver_id", receiverID)

	msg, err := s.queue.WaitForCompletion(ctx, job.ID, s.waitTimeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The job may still complete; keep watching off the request path.
			s.logger.Warn("message processing timed out, watching in background",
				"job_id", job.ID)
			go s.awaitLate(job.ID)
		}
		return nil, fmt.Errorf("message %s not confirmed: %w", payload.MessageID, err)
	}

	s.deliver(msg)
	return msg, nil
}

// ProcessJob is the queue worker handler. It resolves the conversation
// between the two parties, creating it atomically if absent, and appends the
// message. Reprocessing a delivered job is a no-op returning the stored row.
func (s *Service) ProcessJob(ctx context.Context, payload queue.MessagePayload) (*store.Message, error) {
	conversationID := payload.ConversationID
	if conversationID == "" {
		conv, err := s.store.FindOrCreateConversation(ctx, payload.SenderID, payload.ReceiverID)
		if err != nil {
			return nil, fmt.Errorf("resolving conversation: %w", err)
		}
		conversationID = conv.ID
	}

	msg, err := s.store.AppendMessage(ctx, &store.Message{
		ID:             payload.MessageID,
		ConversationID: conversationID,
		SenderID:       payload.SenderID,
		ReceiverID:     payload.ReceiverID,
		Content:        payload.Content,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("persisting message %s: %w", payload.MessageID, err)
	}

	s.logger.Debug("message persisted",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID)

	return msg, nil
}

// GetConversation returns the conversation between the caller and another
// user, creating it if it does not exist yet. Reads go straight to storage.
func (s *Service) GetConversation(ctx context.Context, userID, otherUserID string) (*store.Conversation, error) {
	return s.store.FindOrCreateConversation(ctx, userID, otherUserID)
}

// MarkRead zeroes the caller's unread count for the conversation and records
// the latest message as read.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID string) error {
	return s.store.MarkRead(ctx, userID, conversationID)
}

// awaitLate re-waits for a job whose synchronous wait timed out, delivering
// the message if the worker eventually finishes.
func (s *Service) awaitLate(jobID string) {
	msg, err := s.queue.WaitForCompletion(context.Background(), jobID, lateWaitTimeout)
	if err != nil {
		s.logger.Warn("background wait gave up", "job_id", jobID, "error", err)
		return
	}
	s.logger.Info("message completed after timeout", "job_id", jobID, "message_id", msg.ID)
	s.deliver(msg)
}

// deliver fans the message out unless it was already delivered. Both the
// synchronous path and the late path land here; the dedupe cache picks the
// single winner.
func (s *Service) deliver(msg *store.Message) {
	if s.delivered.CheckAndMark(msg.ID) {
		s.logger.Debug("skipping duplicate delivery", "message_id", msg.ID)
		return
	}
	s.notifier.DeliverMessage(msg)
}
