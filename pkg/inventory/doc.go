// Package inventory aggregates pods and claims of a namespace under their
// primary owner ("service") and collects the entities that have no owner.
package inventory
