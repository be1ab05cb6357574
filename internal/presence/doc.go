// Package presence tracks which users currently hold live connections.
// The registry is owned by the gateway and passed explicitly to whatever
// needs fan-out targets; there is no ambient global state.
package presence
