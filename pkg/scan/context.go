package scan

import (
	"github.com/authzed/controller-idioms/queue"
	"github.com/authzed/controller-idioms/typedctx"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/chazu/podtree/pkg/cache"
	"github.com/chazu/podtree/pkg/entity"
)

// Context keys for the scan pipeline
var (
	// CtxQueue signals completion or failure of the scan
	CtxQueue = queue.NewQueueOperationsCtx()

	// CtxResult collects the output of the scan
	CtxResult = typedctx.NewKey[*Result]()

	// CtxVendorKinds are the discovered vendor-extension kinds
	CtxVendorKinds = typedctx.NewKey[[]schema.GroupVersionKind]()

	// CtxSnapshot is the loaded namespace snapshot
	CtxSnapshot = typedctx.NewKey[*cache.Snapshot]()

	// CtxBuilder builds entities from the snapshot
	CtxBuilder = typedctx.NewKey[*entity.Builder]()

	// CtxPods are the built pods in snapshot order
	CtxPods = typedctx.NewKey[[]*entity.Pod]()

	// CtxClaims are the built claims in snapshot order
	CtxClaims = typedctx.NewKey[[]*entity.Claim]()
)
