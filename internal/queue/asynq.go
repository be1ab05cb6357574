// ABOUTME: Asynq-backed job queue with Redis persistence
// ABOUTME: Provides enqueue, worker processing, and completion polling for message jobs

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/tnetapp/message-gateway/internal/store"
)

const (
	queueName = "messages"

	// resultRetention keeps completed task results around long enough for
	// WaitForCompletion pollers, including late re-waits after a timeout.
	resultRetention = time.Hour

	startupPingTimeout = 5 * time.Second
)

// taskEnqueuer is the slice of *asynq.Client the queue uses.
type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// taskInspector is the slice of *asynq.Inspector the queue uses.
type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	Close() error
}

// Options configures the queue backend.
type Options struct {
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	Concurrency   int
	MaxRetry      int
	PollInterval  time.Duration
	Logger        *slog.Logger
}

// Queue is a durable job queue backed by asynq on Redis. Jobs survive a
// process restart and are retried on worker failure until MaxRetry is
// exhausted, at which point they land in the terminal failed state.
type Queue struct {
	client    taskEnqueuer
	inspector taskInspector
	server    *asynq.Server
	redisOpt  asynq.RedisClientOpt
	opts      Options
	logger    *slog.Logger
}

// New connects to Redis and returns a ready queue. The connection is
// verified with a ping so a misconfigured backend fails at startup rather
// than on the first enqueue.
func New(opts Options) (*Queue, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "queue")

	if err := pingRedis(opts); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.RedisAddr, err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     opts.RedisAddr,
		Username: opts.RedisUsername,
		Password: opts.RedisPassword,
	}

	return &Queue{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		redisOpt:  redisOpt,
		opts:      opts,
		logger:    logger,
	}, nil
}

// pingRedis verifies the Redis backend is reachable before any queue
// component is constructed.
func pingRedis(opts Options) error {
	ctx, cancel := context.WithTimeout(context.Background(), startupPingTimeout)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddr,
		Username: opts.RedisUsername,
		Password: opts.RedisPassword,
	})
	defer func() { _ = rdb.Close() }()

	return rdb.Ping(ctx).Err()
}

// Enqueue adds a message-persistence job. The task ID is the message ID, so
// a redelivered send resolves to the same job rather than a second one.
func (q *Queue) Enqueue(ctx context.Context, payload MessagePayload) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeSendMessage, data),
		asynq.Queue(queueName),
		asynq.TaskID(payload.MessageID),
		asynq.MaxRetry(q.opts.MaxRetry),
		asynq.Retention(resultRetention),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			// Same message already queued; the caller can wait on it.
			return &Job{ID: payload.MessageID, State: StateQueued}, nil
		}
		return nil, fmt.Errorf("enqueueing message %s: %w", payload.MessageID, err)
	}

	q.logger.Debug("job enqueued",
		"job_id", info.ID,
		"sender_id", payload.SenderID,
		"receiver_id", payload.ReceiverID)

	return &Job{ID: info.ID, State: mapState(info.State)}, nil
}

// StartProcessing launches the worker pool. The handler persists each
// payload; its returned message is stored as the job result for pollers.
// Must be called at most once.
func (q *Queue) StartProcessing(handler Handler) error {
	q.server = asynq.NewServer(q.redisOpt, asynq.Config{
		Concurrency: q.opts.Concurrency,
		Queues:      map[string]int{queueName: 1},
		Logger:      newAsynqLogger(q.logger),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			q.logger.Error("job attempt failed", "task_id", id, "type", task.Type(), "error", err)
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeSendMessage, q.makeTaskHandler(handler))

	if err := q.server.Start(mux); err != nil {
		return fmt.Errorf("starting queue workers: %w", err)
	}

	q.logger.Info("queue workers started", "concurrency", q.opts.Concurrency)
	return nil
}

// makeTaskHandler adapts a Handler to asynq's task interface. On success the
// persisted message is written as the task result so WaitForCompletion can
// return it without touching the database.
func (q *Queue) makeTaskHandler(handler Handler) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload MessagePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			// A malformed payload can never succeed; skip the retry cycle.
			return fmt.Errorf("decoding payload: %v: %w", err, asynq.SkipRetry)
		}

		msg, err := handler(ctx, payload)
		if err != nil {
			return fmt.Errorf("processing message %s: %w", payload.MessageID, err)
		}

		result, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding result for message %s: %w", payload.MessageID, err)
		}
		if w := t.ResultWriter(); w != nil {
			if _, err := w.Write(result); err != nil {
				return fmt.Errorf("writing result for message %s: %w", payload.MessageID, err)
			}
		}
		return nil
	}
}

// WaitForCompletion polls the job until it reaches a terminal state or the
// timeout elapses. On completion the persisted message is returned. A failed
// job yields ErrJobFailed with the last worker error attached; an unknown
// job ID yields ErrJobNotFound.
func (q *Queue) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (*store.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		msg, done, err := q.checkJob(jobID)
		if done {
			return msg, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// checkJob inspects the job once. done is true when the job reached a
// terminal state or lookup failed permanently.
func (q *Queue) checkJob(jobID string) (*store.Message, bool, error) {
	info, err := q.inspector.GetTaskInfo(queueName, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return nil, true, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
		}
		return nil, true, fmt.Errorf("inspecting job %s: %w", jobID, err)
	}

	switch info.State {
	case asynq.TaskStateCompleted:
		var msg store.Message
		if err := json.Unmarshal(info.Result, &msg); err != nil {
			return nil, true, fmt.Errorf("decoding result of job %s: %w", jobID, err)
		}
		return &msg, true, nil
	case asynq.TaskStateArchived:
		return nil, true, fmt.Errorf("job %s: %s: %w", jobID, info.LastErr, ErrJobFailed)
	default:
		return nil, false, nil
	}
}

// JobState reports the current lifecycle state of a job.
func (q *Queue) JobState(jobID string) (State, error) {
	info, err := q.inspector.GetTaskInfo(queueName, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return "", fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
		}
		return "", fmt.Errorf("inspecting job %s: %w", jobID, err)
	}
	return mapState(info.State), nil
}

// Shutdown stops the worker pool, waiting for in-flight jobs, then closes
// the Redis connections. Unfinished queued jobs remain in Redis and are
// picked up on the next start.
func (q *Queue) Shutdown() {
	if q.server != nil {
		q.server.Shutdown()
	}
	if err := q.client.Close(); err != nil {
		q.logger.Warn("closing queue client", "error", err)
	}
	if err := q.inspector.Close(); err != nil {
		q.logger.Warn("closing queue inspector", "error", err)
	}
	q.logger.Info("queue stopped")
}

// mapState converts asynq task states to the queue's job states.
func mapState(s asynq.TaskState) State {
	switch s {
	case asynq.TaskStateActive:
		return StateActive
	case asynq.TaskStateCompleted:
		return StateCompleted
	case asynq.TaskStateArchived:
		return StateFailed
	default:
		// Pending, scheduled, and retry-pending jobs are all waiting to run.
		return StateQueued
	}
}

// asynqLogger adapts slog to asynq's internal logger interface.
type asynqLogger struct {
	logger *slog.Logger
}

func newAsynqLogger(logger *slog.Logger) *asynqLogger {
	return &asynqLogger{logger: logger}
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
