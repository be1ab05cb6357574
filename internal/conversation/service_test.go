// ABOUTME: Tests for the conversation service message pipeline
// ABOUTME: Covers send validation, queue waits, late delivery, and worker processing via fakes

package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tnetapp/message-gateway/internal/dedupe"
	"github.com/tnetapp/message-gateway/internal/queue"
	"github.com/tnetapp/message-gateway/internal/store"
)

type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]*store.Conversation
	appended      []*store.Message
	markedRead    []string
	appendErr     error
	findErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{conversations: make(map[string]*store.Conversation)}
}

func (f *fakeStore) FindOrCreateConversation(_ context.Context, userA, userB string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	if userA == userB {
		return nil, store.ErrSelfConversation
	}
	key := userA + "|" + userB
	if userB < userA {
		key = userB + "|" + userA
	}
	if conv, ok := f.conversations[key]; ok {
		return conv, nil
	}
	conv := &store.Conversation{ID: "conv-" + key}
	f.conversations[key] = conv
	return conv, nil
}

func (f *fakeStore) GetConversation(_ context.Context, id string) (*store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conv := range f.conversations {
		if conv.ID == id {
			return conv, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) AppendMessage(_ context.Context, msg *store.Message) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	f.appended = append(f.appended, msg)
	return msg, nil
}

func (f *fakeStore) MarkRead(_ context.Context, userID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, userID+":"+conversationID)
	return nil
}

// fakeQueue scripts WaitForCompletion results per call, in order.
type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []queue.MessagePayload
	enqueueErr error
	waitMsgs   []*store.Message
	waitErrs   []error
	waitCalls  int
}

func (f *fakeQueue) Enqueue(_ context.Context, payload queue.MessagePayload) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	f.enqueued = append(f.enqueued, payload)
	return &queue.Job{ID: payload.MessageID, State: queue.StateQueued}, nil
}

func (f *fakeQueue) WaitForCompletion(_ context.Context, _ string, _ time.Duration) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.waitCalls
	if i >= len(f.waitErrs) {
		i = len(f.waitErrs) - 1
	}
	f.waitCalls++
	return f.waitMsgs[i], f.waitErrs[i]
}

type fakeNotifier struct {
	mu        sync.Mutex
	delivered []*store.Message
	signal    chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{signal: make(chan struct{}, 16)}
}

func (f *fakeNotifier) DeliverMessage(msg *store.Message) {
	f.mu.Lock()
	f.delivered = append(f.delivered, msg)
	f.mu.Unlock()
	f.signal <- struct{}{}
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func newTestService(t *testing.T, st Store, q Queue, n Notifier) *Service {
	t.Helper()
	cache := dedupe.New(time.Minute, 1000)
	t.Cleanup(cache.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, q, n, cache, 50*time.Millisecond, logger)
}

func TestSendMessage_Success(t *testing.T) {
	persisted := &store.Message{ID: "will-be-replaced", ConversationID: "conv-1", Content: "hello"}
	q := &fakeQueue{
		waitMsgs: []*store.Message{persisted},
		waitErrs: []error{nil},
	}
	n := newFakeNotifier()
	svc := newTestService(t, newFakeStore(), q, n)

	msg, err := svc.SendMessage(context.Background(), "alice", "bob", "hello")
	require.NoError(t, err)
	assert.Equal(t, persisted, msg)

	require.Len(t, q.enqueued, 1)
	payload := q.enqueued[0]
	assert.NotEmpty(t, payload.MessageID)
	assert.Equal(t, "alice", payload.SenderID)
	assert.Equal(t, "bob", payload.ReceiverID)
	assert.Equal(t, "hello", payload.Content)

	assert.Equal(t, 1, n.count())
}

func TestSendMessage_Validation(t *testing.T) {
	svc := newTestService(t, newFakeStore(), &fakeQueue{}, newFakeNotifier())

	_, err := svc.SendMessage(context.Background(), "alice", "", "hello")
	assert.ErrorIs(t, err, ErrMissingReceiver)

	_, err = svc.SendMessage(context.Background(), "alice", "bob", "")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = svc.SendMessage(context.Background(), "alice", "alice", "hi me")
	assert.ErrorIs(t, err, store.ErrSelfConversation)
}

func TestSendMessage_EnqueueFailure(t *testing.T) {
	q := &fakeQueue{enqueueErr: errors.New("redis gone")}
	svc := newTestService(t, newFakeStore(), q, newFakeNotifier())

	_, err := svc.SendMessage(context.Background(), "alice", "bob", "hello")
	assert.Error(t, err)
}

func TestSendMessage_JobFailure(t *testing.T) {
	q := &fakeQueue{
		waitMsgs: []*store.Message{nil},
		waitErrs: []error{fmt.Errorf("job x: receiver not found: %w", queue.ErrJobFailed)},
	}
	n := newFakeNotifier()
	svc := newTestService(t, newFakeStore(), q, n)

	_, err := svc.SendMessage(context.Background(), "alice", "bob", "hello")
	assert.ErrorIs(t, err, queue.ErrJobFailed)
	assert.Zero(t, n.count(), "failed jobs are never delivered")
}

func TestSendMessage_TimeoutDeliversLate(t *testing.T) {
	persisted := &store.Message{ID: "msg-late", ConversationID: "conv-1"}
	q := &fakeQueue{
		waitMsgs: []*store.Message{nil, persisted},
		waitErrs: []error{fmt.Errorf("waiting: %w", context.DeadlineExceeded), nil},
	}
	n := newFakeNotifier()
	svc := newTestService(t, newFakeStore(), q, n)

	_, err := svc.SendMessage(context.Background(), "alice", "bob", "hello")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-n.signal:
	case <-time.After(time.Second):
		t.Fatal("late completion was never delivered")
	}
	assert.Equal(t, "msg-late", n.delivered[0].ID)
}

func TestDeliver_DuplicateSuppressed(t *testing.T) {
	n := newFakeNotifier()
	svc := newTestService(t, newFakeStore(), &fakeQueue{}, n)

	msg := &store.Message{ID: "msg-1"}
	svc.deliver(msg)
	svc.deliver(msg)

	assert.Equal(t, 1, n.count(), "a message is pushed at most once")
}

func TestProcessJob_ResolvesConversation(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(t, st, &fakeQueue{}, newFakeNotifier())

	msg, err := svc.ProcessJob(context.Background(), queue.MessagePayload{
		MessageID:  "msg-1",
		SenderID:   "alice",
		ReceiverID: "bob",
		Content:    "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "conv-alice|bob", msg.ConversationID)
	assert.Equal(t, "msg-1", msg.ID)
	require.Len(t, st.appended, 1)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestProcessJob_KeepsProvidedConversation(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(t, st, &fakeQueue{}, newFakeNotifier())

	msg, err := svc.ProcessJob(context.Background(), queue.MessagePayload{
		MessageID:      "msg-1",
		SenderID:       "alice",
		ReceiverID:     "bob",
		Content:        "hello",
		ConversationID: "conv-existing",
	})
	require.NoError(t, err)
	assert.Equal(t, "conv-existing", msg.ConversationID)
	assert.Empty(t, st.conversations, "no conversation lookup when the ID is supplied")
}

func TestProcessJob_AppendFailurePropagates(t *testing.T) {
	st := newFakeStore()
	st.appendErr = errors.New("disk full")
	svc := newTestService(t, st, &fakeQueue{}, newFakeNotifier())

	_, err := svc.ProcessJob(context.Background(), queue.MessagePayload{
		MessageID:  "msg-1",
		SenderID:   "alice",
		ReceiverID: "bob",
	})
	assert.Error(t, err)
}

func TestGetConversation_CreatesWhenAbsent(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(t, st, &fakeQueue{}, newFakeNotifier())

	conv, err := svc.GetConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)

	again, err := svc.GetConversation(context.Background(), "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID, "participant order does not matter")
}

func TestMarkRead(t *testing.T) {
	st := newFakeStore()
	svc := newTestService(t, st, &fakeQueue{}, newFakeNotifier())

	require.NoError(t, svc.MarkRead(context.Background(), "alice", "conv-1"))
	assert.Equal(t, []string{"alice:conv-1"}, st.markedRead)
}
