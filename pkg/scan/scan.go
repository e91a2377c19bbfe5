package scan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/authzed/controller-idioms/handler"
	"github.com/authzed/controller-idioms/queue"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/podtree/pkg/cache"
	"github.com/chazu/podtree/pkg/inventory"
	"github.com/chazu/podtree/pkg/owner"
	"github.com/chazu/podtree/pkg/registry"
)

// errIncomplete is returned when the pipeline stops without finishing or
// reporting an error.
var errIncomplete = errors.New("scan did not complete")

// Cluster is everything a scan needs from the API server.
type Cluster interface {
	cache.Source
	Ping(ctx context.Context) error
	DiscoverKinds(ctx context.Context, patterns []string) ([]schema.GroupVersionKind, error)
}

// Options configure one scan.
type Options struct {
	// Namespace to inventory. Required.
	Namespace string
	// Registry of bulk kinds. Defaults to the embedded registry.
	Registry *registry.Registry
	// Workers bounds concurrent fetches. Defaults to cache.DefaultWorkers.
	Workers int
}

// Result is the outcome of a scan.
type Result struct {
	Namespace   string
	Inventory   *inventory.Inventory
	Forest      *owner.Forest
	VendorKinds []schema.GroupVersionKind
	Fingerprint string

	mu       sync.Mutex
	warnings []error
}

func (r *Result) warn(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, err)
}

// Warnings returns the recoverable failures met during the scan.
func (r *Result) Warnings() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.warnings...)
}

// Scanner runs the scan pipeline against one namespace.
type Scanner struct {
	namespace string
	pipeline  handler.Handler
}

// NewScanner builds the pipeline for opts.
func NewScanner(cluster Cluster, opts Options) (*Scanner, error) {
	if opts.Namespace == "" {
		return nil, errors.New("namespace is required")
	}
	reg := opts.Registry
	if reg == nil {
		var err error
		if reg, err = registry.LoadDefault(); err != nil {
			return nil, err
		}
	}

	handlers := NewScanHandlers(cluster, reg, opts.Namespace, opts.Workers)
	pipeline := handler.Chain(
		handlers.Probe(),               // Fail fast when the cluster is unreachable
		handlers.DiscoverVendorKinds(), // Find vendor-extension kinds
		handlers.BulkLoad(),            // Snapshot every bulk kind
		handlers.BuildPods(),           // Pod entities
		handlers.BuildClaims(),         // Claim entities
		handlers.Aggregate(),           // Services and orphans
	).Handler("namespace-scan")

	return &Scanner{namespace: opts.Namespace, pipeline: pipeline}, nil
}

// Scan executes the pipeline. Only connectivity failures and cancellation
// are returned as errors; everything else is in Result.Warnings.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	logger := log.FromContext(ctx).WithValues("namespace", s.namespace)
	ctx = log.IntoContext(ctx, logger)
	logger.V(1).Info("scanning namespace")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := false
	queueOps := queue.NewOperations(
		func() { done = true },
		func(time.Duration) {},
		cancel,
	)

	result := &Result{Namespace: s.namespace}
	ctx = CtxResult.WithValue(ctx, result)
	ctx = CtxQueue.WithValue(ctx, queueOps)

	s.pipeline.Handle(ctx)

	if err := queueOps.Error(); err != nil {
		return nil, err
	}
	if !done || result.Inventory == nil {
		return nil, errIncomplete
	}
	return result, nil
}

// Run scans one namespace.
func Run(ctx context.Context, cluster Cluster, opts Options) (*Result, error) {
	s, err := NewScanner(cluster, opts)
	if err != nil {
		return nil, err
	}
	return s.Scan(ctx)
}
