package owner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/dominikbraun/graph"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/podtree/pkg/ref"
)

// ErrCycleDetected is wrapped by every CycleError.
var ErrCycleDetected = errors.New("owner reference cycle detected")

// CycleError reports an owner chain that revisits an identity.
type CycleError struct {
	// Start is the identity whose chain was being resolved.
	Start ref.Identity
	// Repeated is the identity that was reached twice.
	Repeated ref.Identity
	// Chain holds the owners visited before the repeat.
	Chain Chain
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v resolving %s: %s repeats after [%s]", ErrCycleDetected, e.Start, e.Repeated, e.Chain)
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// ErrOwnerUnavailable is wrapped by every UnavailableError.
var ErrOwnerUnavailable = errors.New("owner document unavailable")

// UnavailableError reports an identity whose document could not be fetched
// while walking owners. The walk stops at Resource.
type UnavailableError struct {
	Resource ref.Identity
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrOwnerUnavailable, e.Resource, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrOwnerUnavailable, e.Err} }

// Documents looks up the document of an identity.
type Documents interface {
	Lookup(ctx context.Context, id ref.Identity) (*unstructured.Unstructured, error)
}

// Chain lists owners from the immediate controller to the root.
type Chain []ref.Identity

// Primary returns the root owner. ok is false for an empty chain.
func (c Chain) Primary() (ref.Identity, bool) {
	if len(c) == 0 {
		return ref.Identity{}, false
	}
	return c[len(c)-1], true
}

// Strings returns the "kind/name" form of each element.
func (c Chain) Strings() []string {
	out := make([]string, len(c))
	for i, id := range c {
		out[i] = id.String()
	}
	return out
}

func (c Chain) String() string {
	return strings.Join(c.Strings(), ", ")
}

// Resolver walks owner references.
type Resolver struct {
	docs Documents
}

// NewResolver creates a resolver reading documents from docs.
func NewResolver(docs Documents) *Resolver {
	return &Resolver{docs: docs}
}

// ImmediateOwner returns the controller of id. The owner reference flagged
// as controller is preferred; otherwise the first reference is used. ok is
// false when id has no owner. A failed document lookup returns an
// *UnavailableError.
func (r *Resolver) ImmediateOwner(ctx context.Context, id ref.Identity) (ref.Identity, bool, error) {
	obj, err := r.docs.Lookup(ctx, id)
	if err != nil {
		return ref.Identity{}, false, &UnavailableError{Resource: id, Err: err}
	}
	if obj == nil {
		log.FromContext(ctx).V(1).Info("owner unknown, no document", "resource", id.String())
		return ref.Identity{}, false, nil
	}

	owner, ok := controllerRef(obj)
	if !ok {
		return ref.Identity{}, false, nil
	}
	kind, _ := owner["kind"].(string)
	name, _ := owner["name"].(string)
	if kind == "" || name == "" {
		return ref.Identity{}, false, nil
	}
	apiVersion, _ := owner["apiVersion"].(string)

	return ref.Identity{Kind: kind, Name: name, Namespace: id.Namespace, APIVersion: apiVersion}, true, nil
}

// controllerRef reads metadata.ownerReferences. A single reference given as
// an object instead of a list is accepted.
func controllerRef(obj *unstructured.Unstructured) (map[string]interface{}, bool) {
	raw, found, err := unstructured.NestedFieldNoCopy(obj.Object, "metadata", "ownerReferences")
	if err != nil || !found {
		return nil, false
	}

	var refs []map[string]interface{}
	switch v := raw.(type) {
	case []interface{}:
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				refs = append(refs, m)
			}
		}
	case map[string]interface{}:
		refs = append(refs, v)
	}
	if len(refs) == 0 {
		return nil, false
	}

	for _, m := range refs {
		if controller, ok := m["controller"].(bool); ok && controller {
			return m, true
		}
	}
	return refs[0], true
}

func identityHash(id ref.Identity) string {
	return id.String()
}

// Owners yields the owners of id from nearest to root. Each step looks up
// one document. The sequence ends when an identity has no owner. It ends with
// an error when ctx is done (ctx.Err()), when an identity repeats
// (*CycleError) or when a document cannot be fetched (*UnavailableError).
// It can be ranged over more than once.
func (r *Resolver) Owners(ctx context.Context, id ref.Identity) iter.Seq2[ref.Identity, error] {
	return func(yield func(ref.Identity, error) bool) {
		walk := graph.New(identityHash, graph.Directed(), graph.PreventCycles())
		if err := walk.AddVertex(id); err != nil {
			yield(ref.Identity{}, err)
			return
		}

		var visited Chain
		current := id
		for {
			if err := ctx.Err(); err != nil {
				yield(ref.Identity{}, err)
				return
			}

			owner, ok, err := r.ImmediateOwner(ctx, current)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				yield(ref.Identity{}, err)
				return
			}
			if !ok {
				return
			}

			if err := walk.AddVertex(owner); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
				yield(ref.Identity{}, fmt.Errorf("failed to add %s to owner walk: %w", owner, err))
				return
			}
			if err := walk.AddEdge(identityHash(current), identityHash(owner)); err != nil {
				if errors.Is(err, graph.ErrEdgeCreatesCycle) || errors.Is(err, graph.ErrEdgeAlreadyExists) {
					yield(ref.Identity{}, &CycleError{Start: id, Repeated: owner, Chain: visited})
					return
				}
				yield(ref.Identity{}, fmt.Errorf("failed to link %s to %s: %w", current, owner, err))
				return
			}

			if !yield(owner, nil) {
				return
			}
			visited = append(visited, owner)
			current = owner
		}
	}
}

// Chain collects Owners into a slice. On error the owners resolved so far
// are returned with it.
func (r *Resolver) Chain(ctx context.Context, id ref.Identity) (Chain, error) {
	var chain Chain
	for owner, err := range r.Owners(ctx, id) {
		if err != nil {
			return chain, err
		}
		chain = append(chain, owner)
	}
	return chain, nil
}
