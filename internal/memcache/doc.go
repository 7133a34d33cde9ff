// Package memcache implements the two cooperating in-memory tiers: a strong
// tier bounded by decoded byte size and a weak overflow tier bounded by entry
// count. Entries evicted from the strong tier are demoted into the weak tier,
// where the runtime may reclaim them at any collection; a weak hit promotes
// the entry back. Each tier has its own lock, and operations spanning both
// always lock strong before weak.
package memcache
