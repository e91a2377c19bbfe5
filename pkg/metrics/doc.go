// Package metrics defines the Prometheus counters recorded while scanning a
// namespace. They are registered with controller-runtime's registry and can
// be written to a textfile after a run.
package metrics
