package inventory

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/chazu/podtree/pkg/entity"
	"github.com/chazu/podtree/pkg/ref"
)

var (
	// ErrServiceNotFound is wrapped by LookupMissError.
	ErrServiceNotFound = errors.New("service not found")

	// ErrDuplicate is returned when an entity name is added twice.
	ErrDuplicate = errors.New("duplicate entity")
)

// LookupMissError reports a service filter that matched nothing.
type LookupMissError struct {
	Service string
	Known   []string
}

func (e *LookupMissError) Error() string {
	known := "none"
	if len(e.Known) > 0 {
		known = strings.Join(e.Known, ", ")
	}
	return fmt.Sprintf("%v: %s (known services: %s)", ErrServiceNotFound, e.Service, known)
}

func (e *LookupMissError) Unwrap() error { return ErrServiceNotFound }

// KindNormalizer maps kind aliases to one canonical name.
type KindNormalizer interface {
	Canonical(kind string) string
}

// Service is the set of pods and claims sharing a primary owner. CPU is in
// millicores, memory in kibibytes, capacity in gibibytes.
type Service struct {
	ID              ref.Identity `json:"id"`
	Pods            []string     `json:"pods"`
	Claims          []string     `json:"claims"`
	RequestedCPU    int64        `json:"requestedCPU"`
	RequestedMemory int64        `json:"requestedMemory"`
	ClaimCapacity   int64        `json:"claimCapacity"`
}

// Name returns the "kind/name" form of the primary owner.
func (s *Service) Name() string {
	return s.ID.String()
}

func (s *Service) clone() *Service {
	cp := *s
	cp.Pods = slices.Clone(s.Pods)
	cp.Claims = slices.Clone(s.Claims)
	return &cp
}

// Orphans are the entities without a primary owner.
type Orphans struct {
	Pods          []string `json:"pods"`
	Claims        []string `json:"claims"`
	ClaimCapacity int64    `json:"claimCapacity"`
}

// Inventory holds the entities of one namespace. Services are kept in the
// order their first member was added and only ever grow.
type Inventory struct {
	mu sync.RWMutex

	namespace string
	kinds     KindNormalizer

	services     map[string]*Service
	serviceOrder []string

	pods       map[string]*entity.Pod
	podOrder   []string
	claims     map[string]*entity.Claim
	claimOrder []string

	orphans Orphans
}

// New creates an empty inventory. kinds may be nil, in which case service
// lookups only fold case.
func New(namespace string, kinds KindNormalizer) *Inventory {
	return &Inventory{
		namespace: namespace,
		kinds:     kinds,
		services:  make(map[string]*Service),
		pods:      make(map[string]*entity.Pod),
		claims:    make(map[string]*entity.Claim),
	}
}

// Namespace returns the namespace of the inventory.
func (inv *Inventory) Namespace() string {
	return inv.namespace
}

func (inv *Inventory) key(id ref.Identity) string {
	kind := strings.ToLower(id.Kind)
	if inv.kinds != nil {
		kind = inv.kinds.Canonical(id.Kind)
	}
	return kind + "/" + strings.ToLower(id.Name)
}

// service returns the service of id, creating it on first use. Callers hold
// inv.mu.
func (inv *Inventory) service(id ref.Identity) *Service {
	k := inv.key(id)
	if svc, ok := inv.services[k]; ok {
		return svc
	}
	svc := &Service{ID: id.Normalize()}
	inv.services[k] = svc
	inv.serviceOrder = append(inv.serviceOrder, k)
	return svc
}

// AddPod attributes p to its service, or to the orphans when it has no
// primary owner. Compute requests count only for Running and Pending pods.
func (inv *Inventory) AddPod(p *entity.Pod) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if _, ok := inv.pods[p.Name]; ok {
		return fmt.Errorf("%w: pod %s", ErrDuplicate, p.Name)
	}
	inv.pods[p.Name] = p
	inv.podOrder = append(inv.podOrder, p.Name)

	primary, ok := p.PrimaryOwner()
	if !ok {
		inv.orphans.Pods = append(inv.orphans.Pods, p.Name)
		return nil
	}

	svc := inv.service(primary)
	svc.Pods = append(svc.Pods, p.Name)
	if p.Active() {
		svc.RequestedCPU += p.CPU.Requests
		svc.RequestedMemory += p.Memory.Requests
	}
	return nil
}

// AddClaim attributes c to its service, or to the orphans when it has no
// primary owner. Capacity always counts.
func (inv *Inventory) AddClaim(c *entity.Claim) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if _, ok := inv.claims[c.Name]; ok {
		return fmt.Errorf("%w: claim %s", ErrDuplicate, c.Name)
	}
	inv.claims[c.Name] = c
	inv.claimOrder = append(inv.claimOrder, c.Name)

	primary, ok := c.PrimaryOwner()
	if !ok {
		inv.orphans.Claims = append(inv.orphans.Claims, c.Name)
		inv.orphans.ClaimCapacity += c.CapacityGi
		return nil
	}

	svc := inv.service(primary)
	svc.Claims = append(svc.Claims, c.Name)
	svc.ClaimCapacity += c.CapacityGi
	return nil
}

// Services returns copies of all services in creation order.
func (inv *Inventory) Services() []*Service {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]*Service, 0, len(inv.serviceOrder))
	for _, k := range inv.serviceOrder {
		out = append(out, inv.services[k].clone())
	}
	return out
}

// ServiceNames returns the "kind/name" of every service in creation order.
func (inv *Inventory) ServiceNames() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]string, 0, len(inv.serviceOrder))
	for _, k := range inv.serviceOrder {
		out = append(out, inv.services[k].Name())
	}
	return out
}

// Service finds a service by "kind/name". Kind aliases and case are
// normalized. A miss returns a *LookupMissError listing the known services.
func (inv *Inventory) Service(name string) (*Service, error) {
	id, err := ref.Parse(name, inv.namespace)
	if err != nil {
		return nil, err
	}

	inv.mu.RLock()
	svc, ok := inv.services[inv.key(id)]
	inv.mu.RUnlock()
	if !ok {
		return nil, &LookupMissError{Service: id.String(), Known: inv.ServiceNames()}
	}
	return svc.clone(), nil
}

// Pod returns the pod named name.
func (inv *Inventory) Pod(name string) (*entity.Pod, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	p, ok := inv.pods[name]
	return p, ok
}

// Claim returns the claim named name.
func (inv *Inventory) Claim(name string) (*entity.Claim, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	c, ok := inv.claims[name]
	return c, ok
}

// Pods returns all pods in the order they were added.
func (inv *Inventory) Pods() []*entity.Pod {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]*entity.Pod, 0, len(inv.podOrder))
	for _, name := range inv.podOrder {
		out = append(out, inv.pods[name])
	}
	return out
}

// Claims returns all claims in the order they were added.
func (inv *Inventory) Claims() []*entity.Claim {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]*entity.Claim, 0, len(inv.claimOrder))
	for _, name := range inv.claimOrder {
		out = append(out, inv.claims[name])
	}
	return out
}

// Orphans returns a copy of the orphan sets.
func (inv *Inventory) Orphans() Orphans {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return Orphans{
		Pods:          slices.Clone(inv.orphans.Pods),
		Claims:        slices.Clone(inv.orphans.Claims),
		ClaimCapacity: inv.orphans.ClaimCapacity,
	}
}
