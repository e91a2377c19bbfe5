package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sourcegraph/conc/pool"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/podtree/pkg/metrics"
	"github.com/chazu/podtree/pkg/ref"
	"github.com/chazu/podtree/pkg/registry"
)

// VendorPool is the collection name shared by all discovered vendor kinds.
const VendorPool = "vendor"

// DefaultWorkers bounds the number of concurrent bulk list calls.
const DefaultWorkers = 4

// Source fetches documents from the cluster.
type Source interface {
	List(ctx context.Context, gvk schema.GroupVersionKind, namespace string) ([]unstructured.Unstructured, error)
	Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error)
	KindFor(kind string) (schema.GroupVersionKind, error)
}

// FetchError reports a failed list (Name empty) or get.
type FetchError struct {
	Kind      string
	Name      string
	Namespace string
	Err       error
}

func (e *FetchError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("failed to list %s in namespace %s: %v", e.Kind, e.Namespace, e.Err)
	}
	return fmt.Sprintf("failed to get %s/%s in namespace %s: %v", e.Kind, e.Name, e.Namespace, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Snapshot is the per-namespace document store. It is filled once by Load and
// read-only afterwards.
type Snapshot struct {
	namespace string
	registry  *registry.Registry
	source    Source
	workers   int

	mu          sync.RWMutex
	collections map[string]*collection
	errs        []error
	fingerprint string
}

type collection struct {
	items []*unstructured.Unstructured
	index map[uint64][]int
}

func newCollection() *collection {
	return &collection{index: make(map[uint64][]int)}
}

func (c *collection) add(obj *unstructured.Unstructured) {
	key := indexKey(obj.GetKind(), obj.GetName())
	c.index[key] = append(c.index[key], len(c.items))
	c.items = append(c.items, obj)
}

// find returns the document of kind and name. A non-empty group must match
// the document's API group.
func (c *collection) find(group, kind, name string) *unstructured.Unstructured {
	want := ref.New(kind, name, "").String()
	for _, i := range c.index[indexKey(kind, name)] {
		obj := c.items[i]
		if ref.New(obj.GetKind(), obj.GetName(), "").String() != want {
			continue
		}
		if group != "" && obj.GroupVersionKind().Group != group {
			continue
		}
		return obj
	}
	return nil
}

func indexKey(kind, name string) uint64 {
	return xxhash.Sum64String(ref.New(kind, name, "").String())
}

// New creates an empty snapshot of namespace. workers <= 0 selects
// DefaultWorkers.
func New(namespace string, reg *registry.Registry, source Source, workers int) *Snapshot {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Snapshot{
		namespace:   namespace,
		registry:    reg,
		source:      source,
		workers:     workers,
		collections: make(map[string]*collection),
	}
}

// Namespace returns the namespace the snapshot covers.
func (s *Snapshot) Namespace() string {
	return s.namespace
}

type loadTarget struct {
	collection string
	gvk        schema.GroupVersionKind
}

// Load lists every bulk kind of the registry plus the given vendor kinds.
// Failed lists are logged and recorded as FetchErrors; they leave their
// collection empty. Load only fails when ctx is done.
func (s *Snapshot) Load(ctx context.Context, vendor []schema.GroupVersionKind) error {
	logger := log.FromContext(ctx).WithValues("namespace", s.namespace)

	var targets []loadTarget
	for _, spec := range s.registry.BulkKinds() {
		targets = append(targets, loadTarget{collection: spec.Name, gvk: spec.GroupVersionKind()})
	}
	for _, gvk := range vendor {
		if spec, ok := s.registry.Lookup(gvk.Kind); ok && spec.GroupVersionKind().GroupKind() == gvk.GroupKind() {
			continue
		}
		targets = append(targets, loadTarget{collection: VendorPool, gvk: gvk})
	}

	results := make([][]unstructured.Unstructured, len(targets))
	p := pool.New().WithMaxGoroutines(s.workers)
	for i, target := range targets {
		p.Go(func() {
			start := time.Now()
			items, err := s.source.List(ctx, target.gvk, s.namespace)
			if err != nil {
				fe := &FetchError{Kind: target.gvk.Kind, Namespace: s.namespace, Err: err}
				metrics.RecordFetchError(target.gvk.Kind, "list")
				logger.Error(fe, "bulk load failed", "kind", target.gvk.Kind)
				s.recordError(fe)
				return
			}
			metrics.RecordBulkLoad(s.namespace, target.gvk.Kind, len(items), time.Since(start).Seconds())
			logger.V(1).Info("bulk loaded", "kind", target.gvk.Kind, "count", len(items))
			results[i] = items
		})
	}
	p.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, target := range targets {
		c, ok := s.collections[target.collection]
		if !ok {
			c = newCollection()
			s.collections[target.collection] = c
		}
		for j := range results[i] {
			c.add(&results[i][j])
		}
	}
	s.fingerprint = s.computeFingerprint()

	return nil
}

func (s *Snapshot) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

// computeFingerprint hashes every loaded identity and resource version.
// Callers hold s.mu.
func (s *Snapshot) computeFingerprint() string {
	var keys []string
	for _, c := range s.collections {
		for _, obj := range c.items {
			keys = append(keys, ref.FromObject(obj).String()+"@"+obj.GetResourceVersion())
		}
	}
	sort.Strings(keys)

	h := xxhash.New()
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("\n")
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// Items returns the loaded documents of kind in list order. kind may be any
// registered name or alias; unregistered kinds are filtered from the vendor
// pool.
func (s *Snapshot) Items(kind string) []*unstructured.Unstructured {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if spec, ok := s.registry.Lookup(kind); ok {
		if c, ok := s.collections[spec.Name]; ok {
			return append([]*unstructured.Unstructured(nil), c.items...)
		}
		return nil
	}

	c, ok := s.collections[VendorPool]
	if !ok {
		return nil
	}
	want := s.registry.Canonical(kind)
	var out []*unstructured.Unstructured
	for _, obj := range c.items {
		if s.registry.Canonical(obj.GetKind()) == want {
			out = append(out, obj)
		}
	}
	return out
}

// Lookup returns the document named by id. A snapshot miss falls back to one
// fetch from the source; the fetched document is not added to the snapshot.
// A failed fetch returns a FetchError, which callers treat as absent.
func (s *Snapshot) Lookup(ctx context.Context, id ref.Identity) (*unstructured.Unstructured, error) {
	logger := log.FromContext(ctx)

	gvk, name := id.GroupVersionKind(), VendorPool
	group := gvk.Group
	if id.APIVersion == "" {
		group = ""
	}
	if spec, ok := s.registry.Lookup(id.Kind); ok && (id.APIVersion == "" || spec.Group == group) {
		gvk, name, group = spec.GroupVersionKind(), spec.Name, spec.Group
	}

	s.mu.RLock()
	var obj *unstructured.Unstructured
	if c, ok := s.collections[name]; ok {
		obj = c.find(group, gvk.Kind, id.Name)
	}
	s.mu.RUnlock()

	if obj != nil {
		metrics.RecordCacheLookup("hit")
		return obj, nil
	}
	metrics.RecordCacheLookup("miss")
	logger.V(1).Info("snapshot miss, fetching", "kind", id.Kind, "name", id.Name)

	if gvk.Version == "" {
		mapped, err := s.source.KindFor(id.Kind)
		if err != nil {
			return nil, s.fetchFailed(id, err)
		}
		gvk = mapped
	}

	obj, err := s.source.Get(ctx, gvk, s.namespace, id.Name)
	if err != nil {
		return nil, s.fetchFailed(id, err)
	}
	return obj, nil
}

func (s *Snapshot) fetchFailed(id ref.Identity, err error) error {
	metrics.RecordCacheLookup("error")
	metrics.RecordFetchError(id.Kind, "get")
	return &FetchError{Kind: id.Kind, Name: id.Name, Namespace: s.namespace, Err: err}
}

// Errors returns the FetchErrors recorded by Load.
func (s *Snapshot) Errors() []error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]error(nil), s.errs...)
}

// Fingerprint identifies the loaded content. It is empty before Load.
func (s *Snapshot) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprint
}
