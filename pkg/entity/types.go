package entity

import (
	corev1 "k8s.io/api/core/v1"

	"github.com/chazu/podtree/pkg/owner"
	"github.com/chazu/podtree/pkg/ref"
)

// Resources holds the requests and limits of one resource.
type Resources struct {
	Requests int64 `json:"requests"`
	Limits   int64 `json:"limits"`
}

// Pod is a pod with its compute totals. CPU is in millicores, memory in
// kibibytes; both count running containers only.
type Pod struct {
	Name      string          `json:"name"`
	Namespace string          `json:"namespace"`
	Owners    owner.Chain     `json:"owners,omitempty"`
	Node      string          `json:"node,omitempty"`
	CPU       Resources       `json:"cpu"`
	Memory    Resources       `json:"memory"`
	Phase     corev1.PodPhase `json:"phase"`
	Claims    []string        `json:"claims,omitempty"`
}

// Identity returns the pod's identity.
func (p *Pod) Identity() ref.Identity {
	return ref.New("Pod", p.Name, p.Namespace)
}

// PrimaryOwner returns the root of the owner chain.
func (p *Pod) PrimaryOwner() (ref.Identity, bool) {
	return p.Owners.Primary()
}

// Active reports whether the pod counts towards compute totals.
func (p *Pod) Active() bool {
	return p.Phase == corev1.PodRunning || p.Phase == corev1.PodPending
}

// Claim is a persistent volume claim. Capacity is in gibibytes.
type Claim struct {
	Name         string                              `json:"name"`
	Namespace    string                              `json:"namespace"`
	Owners       owner.Chain                         `json:"owners,omitempty"`
	CapacityGi   int64                               `json:"capacityGi"`
	AccessModes  []corev1.PersistentVolumeAccessMode `json:"accessModes,omitempty"`
	StorageClass string                              `json:"storageClass,omitempty"`
	VolumeName   string                              `json:"volumeName,omitempty"`
	Phase        corev1.PersistentVolumeClaimPhase   `json:"phase,omitempty"`
}

// Identity returns the claim's identity.
func (c *Claim) Identity() ref.Identity {
	return ref.New("PersistentVolumeClaim", c.Name, c.Namespace)
}

// PrimaryOwner returns the root of the owner chain.
func (c *Claim) PrimaryOwner() (ref.Identity, bool) {
	return c.Owners.Primary()
}
