package entity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/chazu/podtree/pkg/metrics"
	"github.com/chazu/podtree/pkg/owner"
	"github.com/chazu/podtree/pkg/quantity"
	"github.com/chazu/podtree/pkg/ref"
)

// ErrMalformed is wrapped when a document lacks the structure of its kind.
var ErrMalformed = errors.New("malformed document")

// Builder constructs entities. Recoverable problems inside an entity, such as
// an unparseable quantity or an owner cycle, are kept as warnings; a
// document that cannot be fetched or read is returned as an error so the
// caller can skip that entity.
type Builder struct {
	docs   owner.Documents
	owners *owner.Resolver

	mu       sync.Mutex
	warnings []error
}

// NewBuilder creates a builder.
func NewBuilder(docs owner.Documents, owners *owner.Resolver) *Builder {
	return &Builder{docs: docs, owners: owners}
}

// Warnings returns the warnings collected so far.
func (b *Builder) Warnings() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]error(nil), b.warnings...)
}

func (b *Builder) warn(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.warnings = append(b.warnings, err)
}

// Pod builds the pod named name.
func (b *Builder) Pod(ctx context.Context, namespace, name string) (*Pod, error) {
	id := ref.New("Pod", name, namespace)
	obj, err := b.docs.Lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("pod %s: %w", name, err)
	}

	spec, found, err := unstructured.NestedMap(obj.Object, "spec")
	if err != nil || !found {
		return nil, fmt.Errorf("pod %s: %w: missing spec", name, ErrMalformed)
	}

	chain, err := b.chain(ctx, id)
	if err != nil {
		return nil, err
	}

	pod := &Pod{
		Name:      obj.GetName(),
		Namespace: namespace,
		Owners:    chain,
		Node:      nestedString(spec, "nodeName"),
		Phase:     corev1.PodPhase(nestedString(obj.Object, "status", "phase")),
		Claims:    claimNames(spec),
	}

	groups := []struct {
		spec   string
		status string
	}{
		{spec: "containers", status: "containerStatuses"},
		{spec: "initContainers", status: "initContainerStatuses"},
	}
	for _, g := range groups {
		containers, err := containerList(spec, g.spec)
		if err != nil {
			return nil, fmt.Errorf("pod %s: %w: %v", name, ErrMalformed, err)
		}
		running := runningContainers(obj, g.status)
		for _, c := range containers {
			cname := nestedString(c, "name")
			if !running[cname] {
				continue
			}
			pod.CPU.Requests += b.quantity(ctx, c, quantity.Milli, name, cname, "requests", string(corev1.ResourceCPU))
			pod.CPU.Limits += b.quantity(ctx, c, quantity.Milli, name, cname, "limits", string(corev1.ResourceCPU))
			pod.Memory.Requests += b.quantity(ctx, c, quantity.Kibi, name, cname, "requests", string(corev1.ResourceMemory))
			pod.Memory.Limits += b.quantity(ctx, c, quantity.Kibi, name, cname, "limits", string(corev1.ResourceMemory))
		}
	}

	return pod, nil
}

// Claim builds the persistent volume claim named name.
func (b *Builder) Claim(ctx context.Context, namespace, name string) (*Claim, error) {
	id := ref.New("PersistentVolumeClaim", name, namespace)
	obj, err := b.docs.Lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", name, err)
	}

	spec, found, err := unstructured.NestedMap(obj.Object, "spec")
	if err != nil || !found {
		return nil, fmt.Errorf("claim %s: %w: missing spec", name, ErrMalformed)
	}

	chain, err := b.chain(ctx, id)
	if err != nil {
		return nil, err
	}

	claim := &Claim{
		Name:         obj.GetName(),
		Namespace:    namespace,
		Owners:       chain,
		StorageClass: nestedString(spec, "storageClassName"),
		VolumeName:   nestedString(spec, "volumeName"),
		Phase:        corev1.PersistentVolumeClaimPhase(nestedString(obj.Object, "status", "phase")),
		CapacityGi:   b.quantity(ctx, spec, quantity.Gibi, name, "", "requests", string(corev1.ResourceStorage)),
	}
	for _, mode := range nestedStringSlice(spec, "accessModes") {
		claim.AccessModes = append(claim.AccessModes, corev1.PersistentVolumeAccessMode(mode))
	}

	return claim, nil
}

// chain resolves the owners of id. A cycle makes the entity an orphan. An
// owner whose document cannot be fetched ends the chain where it stands.
func (b *Builder) chain(ctx context.Context, id ref.Identity) (owner.Chain, error) {
	chain, err := b.owners.Chain(ctx, id)
	if err == nil {
		return chain, nil
	}
	if errors.Is(err, owner.ErrOwnerUnavailable) {
		log.FromContext(ctx).Error(err, "owner chain truncated", "resource", id.String(), "chain", chain.String())
		b.warn(err)
		return chain, nil
	}
	if errors.Is(err, owner.ErrCycleDetected) {
		metrics.RecordOwnerCycle()
		log.FromContext(ctx).Error(err, "treating resource as orphan", "resource", id.String())
		b.warn(err)
		return nil, nil
	}
	return nil, err
}

// quantity reads resources.<scope>.<resource> from obj in unit. Missing
// values are zero; unparseable values are zero with a warning.
func (b *Builder) quantity(ctx context.Context, obj map[string]interface{}, unit quantity.Unit, entity, container, scope, resource string) int64 {
	raw, found, err := unstructured.NestedFieldNoCopy(obj, "resources", scope, resource)
	if err != nil || !found || raw == nil {
		return 0
	}

	var value string
	switch v := raw.(type) {
	case string:
		value = v
	case int64:
		value = strconv.FormatInt(v, 10)
	case float64:
		value = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		value = fmt.Sprint(v)
	}

	n, err := quantity.ToInteger(value, unit)
	if err != nil {
		metrics.RecordParseError(resource)
		where := entity
		if container != "" {
			where = entity + "/" + container
		}
		werr := fmt.Errorf("%s %s.%s: %w", where, scope, resource, err)
		log.FromContext(ctx).Error(werr, "counting quantity as zero")
		b.warn(werr)
		return 0
	}
	return n
}

func containerList(spec map[string]interface{}, field string) ([]map[string]interface{}, error) {
	raw, found, err := unstructured.NestedFieldNoCopy(spec, field)
	if err != nil || !found || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s is %T, not a list", field, raw)
	}
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// runningContainers returns the names of the containers whose status in
// status.<field> reports a running state.
func runningContainers(obj *unstructured.Unstructured, field string) map[string]bool {
	running := make(map[string]bool)
	statuses, found, err := unstructured.NestedSlice(obj.Object, "status", field)
	if err != nil || !found {
		return running
	}
	for _, s := range statuses {
		m, ok := s.(map[string]interface{})
		if !ok {
			continue
		}
		state, _ := m["state"].(map[string]interface{})
		if _, ok := state["running"]; ok {
			running[nestedString(m, "name")] = true
		}
	}
	return running
}

func claimNames(spec map[string]interface{}) []string {
	volumes, found, err := unstructured.NestedSlice(spec, "volumes")
	if err != nil || !found {
		return nil
	}
	var names []string
	for _, v := range volumes {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if name := nestedString(m, "persistentVolumeClaim", "claimName"); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func nestedString(obj map[string]interface{}, fields ...string) string {
	val, found, err := unstructured.NestedString(obj, fields...)
	if err != nil || !found {
		return ""
	}
	return val
}

func nestedStringSlice(obj map[string]interface{}, fields ...string) []string {
	val, found, err := unstructured.NestedStringSlice(obj, fields...)
	if err != nil || !found {
		return nil
	}
	return val
}
