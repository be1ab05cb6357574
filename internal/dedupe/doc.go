// Package dedupe provides a time-based cache of delivered message IDs so
// the fan-out path pushes each persisted message to recipients at most once.
package dedupe
