// Package registry holds the table of resource kinds that are bulk-listed
// for a namespace and used to resolve owner references. The table is defined
// in CUE, embedded in the binary and may be extended by a user supplied file.
package registry
