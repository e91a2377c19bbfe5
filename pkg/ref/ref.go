// Package ref defines the identity of a namespaced cluster object as used in
// owner chains and service keys.
package ref

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Identity names one object inside a namespace.
//
// Kind keeps the casing it was discovered with so it can still be mapped to an
// API resource; comparisons and the textual form are case-folded.
type Identity struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`

	// APIVersion is optional. When known (owner references carry it) it is
	// used to fetch objects whose kind is not in the registry.
	APIVersion string `json:"apiVersion,omitempty"`
}

// New returns an identity without API version information.
func New(kind, name, namespace string) Identity {
	return Identity{Kind: kind, Name: name, Namespace: namespace}
}

// FromObject builds the identity of an unstructured document.
func FromObject(obj *unstructured.Unstructured) Identity {
	return Identity{
		Kind:       obj.GetKind(),
		Name:       obj.GetName(),
		Namespace:  obj.GetNamespace(),
		APIVersion: obj.GetAPIVersion(),
	}
}

// Parse reads a "kind/name" reference.
func Parse(s, namespace string) (Identity, error) {
	kind, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || kind == "" || name == "" || strings.Contains(name, "/") {
		return Identity{}, fmt.Errorf("invalid reference %q: expected kind/name", s)
	}
	return New(kind, name, namespace), nil
}

// String returns the lower-cased "kind/name" form.
func (i Identity) String() string {
	return strings.ToLower(i.Kind) + "/" + strings.ToLower(i.Name)
}

// Key is String qualified by namespace. It is unique across a snapshot.
func (i Identity) Key() string {
	return i.Namespace + "/" + i.String()
}

// Equal reports whether two identities name the same object.
func (i Identity) Equal(o Identity) bool {
	return i.Namespace == o.Namespace && i.String() == o.String()
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.Kind == "" && i.Name == ""
}

// Normalize returns a copy with kind and name lower-cased.
func (i Identity) Normalize() Identity {
	i.Kind = strings.ToLower(i.Kind)
	i.Name = strings.ToLower(i.Name)
	return i
}

// GroupVersionKind returns the GVK implied by APIVersion and Kind. The result
// has an empty version when APIVersion is unknown.
func (i Identity) GroupVersionKind() schema.GroupVersionKind {
	if i.APIVersion == "" {
		return schema.GroupVersionKind{Kind: i.Kind}
	}
	return schema.FromAPIVersionAndKind(i.APIVersion, i.Kind)
}
