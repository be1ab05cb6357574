// Package queue provides a durable, at-least-once job queue for message
// persistence, backed by asynq on Redis. Senders enqueue a job and poll for
// its completion; workers persist the message and record it as the job
// result. Jobs outlive process restarts and failed attempts are retried
// before landing in a terminal failed state.
package queue
