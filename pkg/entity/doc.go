// Package entity builds typed pod and claim views over unstructured
// documents: owner chain, node, phase, compute requests and limits of the
// running containers, mounted claims, and claim capacity.
package entity
