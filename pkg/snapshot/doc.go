// Package snapshot publishes periodic coordination state to Redis.
//
// Each snapshot carries bridge-level metrics and a per-node breakdown.
// Writes go to a "latest" key plus a timestamped key so external tools
// can read the current view or replay recent history; keys expire after
// the configured TTL so the set is self-pruning.
package snapshot
