// Package kube fetches namespaced objects from the cluster as unstructured
// documents. It also probes connectivity and discovers vendor extension
// kinds by name pattern.
package kube
