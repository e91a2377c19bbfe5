package owner

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"

	"github.com/chazu/podtree/pkg/ref"
)

// Forest is the ownership graph of a namespace. Edges point from owner to
// owned, so roots are primary owners and orphans.
type Forest struct {
	mu sync.Mutex
	g  graph.Graph[string, ref.Identity]
}

// NewForest creates an empty forest.
func NewForest() *Forest {
	return &Forest{g: graph.New(identityHash, graph.Directed())}
}

// Add records member and its owner chain.
func (f *Forest) Add(member ref.Identity, chain Chain) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.addVertex(member, "ellipse"); err != nil {
		return err
	}
	child := member
	for _, owner := range chain {
		if err := f.addVertex(owner, "box"); err != nil {
			return err
		}
		err := f.g.AddEdge(identityHash(owner), identityHash(child))
		if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
			return fmt.Errorf("failed to link %s to %s: %w", owner, child, err)
		}
		child = owner
	}
	return nil
}

func (f *Forest) addVertex(id ref.Identity, shape string) error {
	err := f.g.AddVertex(id,
		graph.VertexAttribute("label", id.String()),
		graph.VertexAttribute("shape", shape),
	)
	if err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
		return fmt.Errorf("failed to add %s: %w", id, err)
	}
	return nil
}

// Roots returns the identities nothing owns, sorted.
func (f *Forest) Roots() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	preds, err := f.g.PredecessorMap()
	if err != nil {
		return nil, err
	}
	var roots []string
	for hash, in := range preds {
		if len(in) == 0 {
			roots = append(roots, hash)
		}
	}
	sort.Strings(roots)
	return roots, nil
}

// Len returns the number of identities in the forest.
func (f *Forest) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.g.Order()
	if err != nil {
		return 0
	}
	return n
}

// WriteDOT renders the forest in Graphviz DOT format.
func (f *Forest) WriteDOT(w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return draw.DOT(f.g, w, draw.GraphAttribute("rankdir", "LR"))
}
