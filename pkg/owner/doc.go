// Package owner resolves owner reference chains.
//
// A chain starts at a resource's immediate controller and ends at its root,
// the primary owner. Chains are walked lazily, one document lookup per step,
// and a per-walk graph with cycle prevention stops the walk when an identity
// repeats. Forest collects every resolved chain of a namespace for rendering.
package owner
