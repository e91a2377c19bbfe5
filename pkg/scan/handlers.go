package scan

import (
	"context"
	"errors"
	"fmt"

	"github.com/authzed/controller-idioms/handler"
	"github.com/go-logr/logr"
	"github.com/sourcegraph/conc/iter"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/podtree/pkg/cache"
	"github.com/chazu/podtree/pkg/entity"
	"github.com/chazu/podtree/pkg/inventory"
	"github.com/chazu/podtree/pkg/kube"
	"github.com/chazu/podtree/pkg/metrics"
	"github.com/chazu/podtree/pkg/owner"
	"github.com/chazu/podtree/pkg/registry"
)

// Handler IDs for the scan pipeline
const (
	ProbeID               handler.Key = "probe"
	DiscoverVendorKindsID handler.Key = "discover-vendor-kinds"
	BulkLoadID            handler.Key = "bulk-load"
	BuildPodsID           handler.Key = "build-pods"
	BuildClaimsID         handler.Key = "build-claims"
	AggregateID           handler.Key = "aggregate"
)

// ScanHandlers contains all handlers of a namespace scan
type ScanHandlers struct {
	cluster   Cluster
	registry  *registry.Registry
	namespace string
	workers   int
}

// NewScanHandlers creates a new handler collection
func NewScanHandlers(cluster Cluster, reg *registry.Registry, namespace string, workers int) *ScanHandlers {
	if workers <= 0 {
		workers = cache.DefaultWorkers
	}
	return &ScanHandlers{
		cluster:   cluster,
		registry:  reg,
		namespace: namespace,
		workers:   workers,
	}
}

// ProbeHandler checks that the cluster answers before anything is fetched
type ProbeHandler struct {
	cluster Cluster
	next    handler.Handler
}

func (h *ProbeHandler) Handle(ctx context.Context) {
	if err := h.cluster.Ping(ctx); err != nil {
		if !errors.Is(err, kube.ErrConnectivity) {
			err = &kube.ConnectivityError{Err: err}
		}
		CtxQueue.RequeueErr(ctx, err)
		return
	}
	h.next.Handle(ctx)
}

// Probe returns a handler builder for the connectivity probe
func (r *ScanHandlers) Probe() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&ProbeHandler{
				cluster: r.cluster,
				next:    handler.Handlers(next).MustOne(),
			},
			ProbeID,
		)
	}
}

// DiscoverVendorKindsHandler finds the vendor-extension kinds of the cluster
type DiscoverVendorKindsHandler struct {
	cluster  Cluster
	patterns []string
	next     handler.Handler
}

func (h *DiscoverVendorKindsHandler) Handle(ctx context.Context) {
	logger := log.FromContext(ctx)
	result := CtxResult.MustValue(ctx)

	kinds, err := h.cluster.DiscoverKinds(ctx, h.patterns)
	if err != nil {
		// Owner lookups of vendor kinds still work through fallback fetches
		metrics.RecordFetchError("APIResource", "discover")
		logger.Error(err, "vendor kind discovery failed", "patterns", h.patterns)
		result.warn(err)
		kinds = nil
	}
	logger.V(1).Info("vendor kinds discovered", "count", len(kinds))

	result.VendorKinds = kinds
	ctx = CtxVendorKinds.WithValue(ctx, kinds)
	h.next.Handle(ctx)
}

// DiscoverVendorKinds returns a handler builder for vendor kind discovery
func (r *ScanHandlers) DiscoverVendorKinds() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&DiscoverVendorKindsHandler{
				cluster:  r.cluster,
				patterns: r.registry.Patterns(),
				next:     handler.Handlers(next).MustOne(),
			},
			DiscoverVendorKindsID,
		)
	}
}

// BulkLoadHandler loads the namespace snapshot
type BulkLoadHandler struct {
	handlers *ScanHandlers
	next     handler.Handler
}

func (h *BulkLoadHandler) Handle(ctx context.Context) {
	logger := log.FromContext(ctx)
	result := CtxResult.MustValue(ctx)
	vendor, _ := CtxVendorKinds.Value(ctx)

	snap := cache.New(h.handlers.namespace, h.handlers.registry, h.handlers.cluster, h.handlers.workers)
	if err := snap.Load(ctx, vendor); err != nil {
		CtxQueue.RequeueErr(ctx, fmt.Errorf("failed to load namespace %s: %w", h.handlers.namespace, err))
		return
	}
	for _, err := range snap.Errors() {
		result.warn(err)
	}
	result.Fingerprint = snap.Fingerprint()
	logger.V(1).Info("snapshot loaded", "fingerprint", result.Fingerprint)

	builder := entity.NewBuilder(snap, owner.NewResolver(snap))
	ctx = CtxSnapshot.WithValue(ctx, snap)
	ctx = CtxBuilder.WithValue(ctx, builder)
	h.next.Handle(ctx)
}

// BulkLoad returns a handler builder for the snapshot load
func (r *ScanHandlers) BulkLoad() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&BulkLoadHandler{
				handlers: r,
				next:     handler.Handlers(next).MustOne(),
			},
			BulkLoadID,
		)
	}
}

type built[T any] struct {
	name  string
	value T
	err   error
}

// buildAll builds one entity per document, keeping document order.
func buildAll[T any](ctx context.Context, workers int, docs []*unstructured.Unstructured, build func(ctx context.Context, name string) (T, error)) []built[T] {
	mapper := iter.Mapper[*unstructured.Unstructured, built[T]]{MaxGoroutines: workers}
	return mapper.Map(docs, func(doc **unstructured.Unstructured) built[T] {
		name := (*doc).GetName()
		value, err := build(ctx, name)
		return built[T]{name: name, value: value, err: err}
	})
}

// skip records an entity that could not be built.
func skip(logger logr.Logger, result *Result, kind, name string, err error) {
	metrics.RecordSkippedEntity(kind)
	logger.Error(err, "skipping entity", "kind", kind, "name", name)
	result.warn(err)
}

// BuildPodsHandler builds every pod of the snapshot
type BuildPodsHandler struct {
	workers int
	next    handler.Handler
}

func (h *BuildPodsHandler) Handle(ctx context.Context) {
	result := CtxResult.MustValue(ctx)
	snap := CtxSnapshot.MustValue(ctx)
	builder := CtxBuilder.MustValue(ctx)

	results := buildAll(ctx, h.workers, snap.Items("pod"), func(ctx context.Context, name string) (*entity.Pod, error) {
		return builder.Pod(ctx, snap.Namespace(), name)
	})
	if err := ctx.Err(); err != nil {
		CtxQueue.RequeueErr(ctx, err)
		return
	}

	pods := make([]*entity.Pod, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			skip(log.FromContext(ctx), result, "Pod", r.name, r.err)
			continue
		}
		pods = append(pods, r.value)
	}

	ctx = CtxPods.WithValue(ctx, pods)
	h.next.Handle(ctx)
}

// BuildPods returns a handler builder for pod entities
func (r *ScanHandlers) BuildPods() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&BuildPodsHandler{
				workers: r.workers,
				next:    handler.Handlers(next).MustOne(),
			},
			BuildPodsID,
		)
	}
}

// BuildClaimsHandler builds every persistent volume claim of the snapshot
type BuildClaimsHandler struct {
	workers int
	next    handler.Handler
}

func (h *BuildClaimsHandler) Handle(ctx context.Context) {
	result := CtxResult.MustValue(ctx)
	snap := CtxSnapshot.MustValue(ctx)
	builder := CtxBuilder.MustValue(ctx)

	results := buildAll(ctx, h.workers, snap.Items("persistentvolumeclaim"), func(ctx context.Context, name string) (*entity.Claim, error) {
		return builder.Claim(ctx, snap.Namespace(), name)
	})
	if err := ctx.Err(); err != nil {
		CtxQueue.RequeueErr(ctx, err)
		return
	}

	claims := make([]*entity.Claim, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			skip(log.FromContext(ctx), result, "PersistentVolumeClaim", r.name, r.err)
			continue
		}
		claims = append(claims, r.value)
	}

	ctx = CtxClaims.WithValue(ctx, claims)
	h.next.Handle(ctx)
}

// BuildClaims returns a handler builder for claim entities
func (r *ScanHandlers) BuildClaims() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&BuildClaimsHandler{
				workers: r.workers,
				next:    handler.Handlers(next).MustOne(),
			},
			BuildClaimsID,
		)
	}
}

// AggregateHandler attributes pods and claims to services. It is the last
// handler of the chain.
type AggregateHandler struct {
	namespace string
	registry  *registry.Registry
}

func (h *AggregateHandler) Handle(ctx context.Context) {
	logger := log.FromContext(ctx)
	result := CtxResult.MustValue(ctx)
	pods, _ := CtxPods.Value(ctx)
	claims, _ := CtxClaims.Value(ctx)

	inv := inventory.New(h.namespace, h.registry)
	forest := owner.NewForest()

	for _, p := range pods {
		if err := inv.AddPod(p); err != nil {
			skip(logger, result, "Pod", p.Name, err)
			continue
		}
		if err := forest.Add(p.Identity(), p.Owners); err != nil {
			logger.Error(err, "failed to add pod to ownership graph", "name", p.Name)
			result.warn(err)
		}
	}
	for _, c := range claims {
		if err := inv.AddClaim(c); err != nil {
			skip(logger, result, "PersistentVolumeClaim", c.Name, err)
			continue
		}
		if err := forest.Add(c.Identity(), c.Owners); err != nil {
			logger.Error(err, "failed to add claim to ownership graph", "name", c.Name)
			result.warn(err)
		}
	}

	if builder, ok := CtxBuilder.Value(ctx); ok {
		for _, err := range builder.Warnings() {
			result.warn(err)
		}
	}

	orphans := inv.Orphans()
	services := inv.ServiceNames()
	metrics.SetInventory(h.namespace, len(services), len(orphans.Pods), len(orphans.Claims))
	logger.Info("namespace inventoried",
		"services", len(services),
		"pods", len(pods),
		"claims", len(claims),
		"orphanPods", len(orphans.Pods),
		"orphanClaims", len(orphans.Claims))

	result.Inventory = inv
	result.Forest = forest
	CtxQueue.Done(ctx)
}

// Aggregate returns a handler builder for the aggregation step
func (r *ScanHandlers) Aggregate() handler.Builder {
	return func(next ...handler.Handler) handler.Handler {
		return handler.NewHandler(
			&AggregateHandler{
				namespace: r.namespace,
				registry:  r.registry,
			},
			AggregateID,
		)
	}
}
