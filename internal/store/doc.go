// Package store provides persistence for users, conversations and messages.
//
// # Overview
//
// The store is the single writer of conversation state. Queue workers call
// AppendMessage; the gateway reads through FindOrCreateConversation and
// ListUsers. The SQLite implementation creates its schema on open and keeps
// two invariants in SQL rather than in application code:
//
//   - At most one conversation exists per unordered pair of participants.
//     The pair is stored in canonical (low, high) order under a unique
//     index, so concurrent find-or-create calls converge on one row.
//
//   - Message append and unread increment are one transaction, keyed by the
//     caller-supplied message ID. Redelivered jobs are no-ops: the duplicate
//     insert is ignored and the counter is only bumped for a real insert.
//
// # Errors
//
// ErrNotFound, ErrSelfConversation and ErrNotParticipant are sentinel errors
// suitable for errors.Is checks. Everything else is wrapped with context.
package store
