// Package scan runs the namespace inventory pipeline.
//
// A scan is a chain of handlers sharing one context: the cluster is probed,
// vendor kinds are discovered, every bulk kind is loaded into a snapshot,
// pods and claims are built from it and finally attributed to services.
// Connectivity failures and cancellation stop the chain; every other failure
// is kept as a warning on the Result.
package scan
