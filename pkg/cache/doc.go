// Package cache holds a point-in-time snapshot of the documents in one
// namespace. Kinds from the registry are listed once, in parallel, into
// separate collections; discovered vendor kinds share one pool. Lookups that
// miss the snapshot fall back to a single fetch whose result is not kept.
package cache
