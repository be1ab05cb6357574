// Package auth provides token verification and identity propagation for the
// message gateway.
//
// Connections authenticate with a JWT carried either in the WebSocket
// handshake query string or in an Authorization bearer header. The Provider
// interface isolates the rest of the gateway from the token scheme: handlers
// receive a verified Identity and never see raw tokens.
//
// Tokens are HS256-signed JWTs. The "sub" claim carries the user ID and is
// mandatory; "name", "email", and "role" enrich the identity when present.
package auth
