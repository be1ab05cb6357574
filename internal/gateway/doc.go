// Package gateway implements the real-time messaging server.
//
// # Architecture
//
// The gateway binds one HTTP listener serving three surfaces:
//
//   - GET /health - liveness plus process stats, no auth
//   - GET /ws?token=... - the WebSocket event stream
//   - GET /api/users - registered users, bearer-token auth
//
// WebSocket clients authenticate with a JWT in the handshake query string.
// Admission is capped at a configurable number of distinct online users;
// users already online may attach additional devices past the cap. All
// refusals happen before the protocol upgrade.
//
// # Event stream
//
// Frames are JSON envelopes of the form {"event": ..., "data": ...}.
// Clients send sendMessage, getConversation, and markRead; the server
// responds with messageReceived, conversation, markedRead, and error frames.
// A sendMessage travels through the durable job queue and is fanned out to
// both parties only after a worker confirms it persisted.
//
// # Shutdown
//
// On shutdown the gateway stops admitting connections, closes live sockets,
// drains queue workers, and finally closes storage. Queued jobs that were
// not processed stay in Redis and run on the next start.
package gateway
