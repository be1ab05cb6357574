// Package conversation implements the message pipeline between connected
// users.
//
// Writes and reads take different paths. A send is enqueued on the durable
// job queue, a worker persists it (creating the two-party conversation
// atomically when needed), and the sender's request waits for confirmation
// before the message is fanned out to both parties. A fetch or mark-read
// goes straight to storage.
//
// The queue gives sends at-least-once semantics; idempotent persistence and
// the delivery dedupe cache narrow that to exactly-once effects as seen by
// users. When a sender's wait times out, a background watcher takes over so
// slow jobs still deliver.
package conversation
