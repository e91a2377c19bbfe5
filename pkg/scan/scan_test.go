package scan

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	fakediscovery "k8s.io/client-go/discovery/fake"
	clienttesting "k8s.io/client-go/testing"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/chazu/podtree/pkg/cache"
	"github.com/chazu/podtree/pkg/inventory"
	"github.com/chazu/podtree/pkg/kube"
	"github.com/chazu/podtree/pkg/owner"
)

const scanNamespace = "prod"

func ownedBy(apiVersion, kind, name string) []metav1.OwnerReference {
	yes := true
	return []metav1.OwnerReference{{APIVersion: apiVersion, Kind: kind, Name: name, UID: types.UID("uid-" + name), Controller: &yes}}
}

func meta(name string, owners []metav1.OwnerReference) metav1.ObjectMeta {
	return metav1.ObjectMeta{Name: name, Namespace: scanNamespace, OwnerReferences: owners}
}

func runningPod(name string, owners []metav1.OwnerReference, phase corev1.PodPhase, cpu map[string]string, running ...string) *corev1.Pod {
	pod := &corev1.Pod{ObjectMeta: meta(name, owners), Status: corev1.PodStatus{Phase: phase}}
	for cname, req := range cpu {
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{
			Name: cname,
			Resources: corev1.ResourceRequirements{Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(req),
				corev1.ResourceMemory: resource.MustParse("64Mi"),
			}},
		})
	}
	for _, cname := range running {
		pod.Status.ContainerStatuses = append(pod.Status.ContainerStatuses, corev1.ContainerStatus{
			Name:  cname,
			State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
		})
	}
	return pod
}

func claimOf(name, capacity string, owners []metav1.OwnerReference) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: meta(name, owners),
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{Requests: corev1.ResourceList{
				corev1.ResourceStorage: resource.MustParse(capacity),
			}},
		},
	}
}

func fixtures() []client.Object {
	return []client.Object{
		&appsv1.Deployment{ObjectMeta: meta("web", nil)},
		&appsv1.ReplicaSet{ObjectMeta: meta("web-abc", ownedBy("apps/v1", "Deployment", "web"))},
		runningPod("web-abc-1", ownedBy("apps/v1", "ReplicaSet", "web-abc"), corev1.PodRunning,
			map[string]string{"app": "500m", "sidecar": "250m"}, "app"),
		runningPod("web-abc-2", ownedBy("apps/v1", "ReplicaSet", "web-abc"), corev1.PodRunning,
			map[string]string{"app": "500m"}, "app"),

		&appsv1.StatefulSet{ObjectMeta: meta("db", nil)},
		runningPod("db-0", ownedBy("apps/v1", "StatefulSet", "db"), corev1.PodRunning,
			map[string]string{"postgres": "2"}, "postgres"),
		claimOf("data-db-0", "20Gi", ownedBy("apps/v1", "StatefulSet", "db")),

		&batchv1.CronJob{ObjectMeta: meta("nightly", nil)},
		&batchv1.Job{ObjectMeta: meta("nightly-29000", ownedBy("batch/v1", "CronJob", "nightly"))},
		runningPod("nightly-29000-x", ownedBy("batch/v1", "Job", "nightly-29000"), corev1.PodSucceeded,
			map[string]string{"task": "1"}, "task"),

		runningPod("debug", nil, corev1.PodRunning, map[string]string{"shell": "100m"}, "shell"),
		claimOf("scratch", "3Gi", nil),
	}
}

func vendorResources() []*metav1.APIResourceList {
	return []*metav1.APIResourceList{{
		GroupVersion: "apps.ibm.com/v1",
		APIResources: []metav1.APIResource{{
			Name:       "appdeployments",
			Kind:       "AppDeployment",
			Namespaced: true,
			Verbs:      metav1.Verbs{"get", "list"},
		}},
	}}
}

func vendorDocument(name string) unstructured.Unstructured {
	u := unstructured.Unstructured{}
	u.SetAPIVersion("apps.ibm.com/v1")
	u.SetKind("AppDeployment")
	u.SetName(name)
	u.SetNamespace(scanNamespace)
	return u
}

type clusterOptions struct {
	failKinds map[string]bool
	vendor    []unstructured.Unstructured
	objects   []client.Object
}

func newCluster(opts clusterOptions) (*kube.Client, *fakediscovery.FakeDiscovery) {
	disc := &fakediscovery.FakeDiscovery{Fake: &clienttesting.Fake{Resources: vendorResources()}}
	c := fake.NewClientBuilder().
		WithScheme(kube.NewScheme()).
		WithObjects(append(fixtures(), opts.objects...)...).
		WithInterceptorFuncs(interceptor.Funcs{
			List: func(ctx context.Context, cl client.WithWatch, list client.ObjectList, o ...client.ListOption) error {
				gvk := list.GetObjectKind().GroupVersionKind()
				if opts.failKinds[gvk.Kind] {
					return errors.New("the server is currently unable to handle the request")
				}
				if gvk.Group == "apps.ibm.com" {
					list.(*unstructured.UnstructuredList).Items = opts.vendor
					return nil
				}
				return cl.List(ctx, list, o...)
			},
		}).
		Build()
	return kube.NewClientFrom(c, disc), disc
}

var _ = Describe("Namespace scan", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("with a reachable cluster", func() {
		var result *Result

		BeforeEach(func() {
			cluster, _ := newCluster(clusterOptions{})
			var err error
			result, err = Run(ctx, cluster, Options{Namespace: scanNamespace, Workers: 3})
			Expect(err).NotTo(HaveOccurred())
		})

		It("groups pods and claims under their primary owner", func() {
			Expect(result.Inventory.ServiceNames()).To(ConsistOf(
				"deployment/web", "statefulset/db", "cronjob/nightly"))

			web, err := result.Inventory.Service("deployment/web")
			Expect(err).NotTo(HaveOccurred())
			Expect(web.Pods).To(ConsistOf("web-abc-1", "web-abc-2"))
			By("counting only running containers")
			Expect(web.RequestedCPU).To(Equal(int64(1000)))
			Expect(web.RequestedMemory).To(Equal(int64(2 * 64 * 1024)))

			db, err := result.Inventory.Service("sts/db")
			Expect(err).NotTo(HaveOccurred())
			Expect(db.RequestedCPU).To(Equal(int64(2000)))
			Expect(db.Claims).To(ConsistOf("data-db-0"))
			Expect(db.ClaimCapacity).To(Equal(int64(20)))
		})

		It("keeps finished pods as members without counting them", func() {
			nightly, err := result.Inventory.Service("cronjob/nightly")
			Expect(err).NotTo(HaveOccurred())
			Expect(nightly.Pods).To(ConsistOf("nightly-29000-x"))
			Expect(nightly.RequestedCPU).To(BeZero())

			pod, ok := result.Inventory.Pod("nightly-29000-x")
			Expect(ok).To(BeTrue())
			Expect(pod.Owners.Strings()).To(Equal([]string{"job/nightly-29000", "cronjob/nightly"}))
		})

		It("collects orphans", func() {
			orphans := result.Inventory.Orphans()
			Expect(orphans.Pods).To(ConsistOf("debug"))
			Expect(orphans.Claims).To(ConsistOf("scratch"))
			Expect(orphans.ClaimCapacity).To(Equal(int64(3)))
		})

		It("fingerprints the snapshot and builds the ownership forest", func() {
			Expect(result.Fingerprint).NotTo(BeEmpty())
			Expect(result.Warnings()).To(BeEmpty())
			// 7 pods and claims, 5 controllers
			Expect(result.Forest.Len()).To(Equal(12))
		})
	})

	It("produces the same fingerprint for an unchanged namespace", func() {
		cluster, _ := newCluster(clusterOptions{})
		first, err := Run(ctx, cluster, Options{Namespace: scanNamespace})
		Expect(err).NotTo(HaveOccurred())
		second, err := Run(ctx, cluster, Options{Namespace: scanNamespace})
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Fingerprint).To(Equal(first.Fingerprint))
	})

	It("attributes pods to discovered vendor kinds", func() {
		cluster, _ := newCluster(clusterOptions{
			vendor: []unstructured.Unstructured{vendorDocument("payments")},
			objects: []client.Object{
				runningPod("payments-1", ownedBy("apps.ibm.com/v1", "AppDeployment", "payments"), corev1.PodRunning,
					map[string]string{"api": "300m"}, "api"),
			},
		})

		result, err := Run(ctx, cluster, Options{Namespace: scanNamespace})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.VendorKinds).To(HaveLen(1))

		svc, err := result.Inventory.Service("appdeployment/payments")
		Expect(err).NotTo(HaveOccurred())
		Expect(svc.RequestedCPU).To(Equal(int64(300)))
	})

	It("falls back to single fetches when a bulk list fails", func() {
		cluster, _ := newCluster(clusterOptions{failKinds: map[string]bool{"JobList": true}})

		result, err := Run(ctx, cluster, Options{Namespace: scanNamespace})
		Expect(err).NotTo(HaveOccurred())

		var fetchErr *cache.FetchError
		Expect(result.Warnings()).To(HaveLen(1))
		Expect(errors.As(result.Warnings()[0], &fetchErr)).To(BeTrue())
		Expect(fetchErr.Kind).To(Equal("Job"))

		By("still resolving the chain through the job")
		_, err = result.Inventory.Service("cronjob/nightly")
		Expect(err).NotTo(HaveOccurred())
	})

	It("leaves out pods when they cannot be listed", func() {
		cluster, _ := newCluster(clusterOptions{failKinds: map[string]bool{"PodList": true}})

		result, err := Run(ctx, cluster, Options{Namespace: scanNamespace})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Inventory.Pods()).To(BeEmpty())
		Expect(result.Inventory.Claims()).To(HaveLen(2))
	})

	It("treats an owner cycle as an orphan", func() {
		cluster, _ := newCluster(clusterOptions{objects: []client.Object{
			&appsv1.ReplicaSet{ObjectMeta: meta("loop-a", ownedBy("apps/v1", "ReplicaSet", "loop-b"))},
			&appsv1.ReplicaSet{ObjectMeta: meta("loop-b", ownedBy("apps/v1", "ReplicaSet", "loop-a"))},
			runningPod("looped", ownedBy("apps/v1", "ReplicaSet", "loop-a"), corev1.PodRunning,
				map[string]string{"app": "1"}, "app"),
		}})

		result, err := Run(ctx, cluster, Options{Namespace: scanNamespace})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Inventory.Orphans().Pods).To(ContainElement("looped"))

		var cycle *owner.CycleError
		Expect(result.Warnings()).To(ContainElement(BeAssignableToTypeOf(cycle)))
	})

	It("keeps a partial chain when an owner cannot be fetched", func() {
		cluster, _ := newCluster(clusterOptions{objects: []client.Object{
			runningPod("ghost-1", ownedBy("apps/v1", "ReplicaSet", "gone-rs"), corev1.PodRunning,
				map[string]string{"app": "200m"}, "app"),
		}})

		result, err := Run(ctx, cluster, Options{Namespace: scanNamespace})
		Expect(err).NotTo(HaveOccurred())

		svc, err := result.Inventory.Service("replicaset/gone-rs")
		Expect(err).NotTo(HaveOccurred())
		Expect(svc.Pods).To(ConsistOf("ghost-1"))
		Expect(svc.RequestedCPU).To(Equal(int64(200)))

		Expect(result.Warnings()).To(HaveLen(1))
		var unavailable *owner.UnavailableError
		Expect(errors.As(result.Warnings()[0], &unavailable)).To(BeTrue())
		Expect(unavailable.Resource.String()).To(Equal("replicaset/gone-rs"))
		var fetchErr *cache.FetchError
		Expect(errors.As(result.Warnings()[0], &fetchErr)).To(BeTrue())
	})

	It("reports a missing service with the known services", func() {
		cluster, _ := newCluster(clusterOptions{})
		result, err := Run(ctx, cluster, Options{Namespace: scanNamespace})
		Expect(err).NotTo(HaveOccurred())

		_, err = result.Inventory.Service("deployment/api")
		var miss *inventory.LookupMissError
		Expect(errors.As(err, &miss)).To(BeTrue())
		Expect(miss.Known).To(HaveLen(3))
	})

	It("fails fast when the cluster is unreachable", func() {
		cluster, disc := newCluster(clusterOptions{})
		disc.PrependReactor("get", "version", func(clienttesting.Action) (bool, runtime.Object, error) {
			return true, nil, errors.New("dial tcp: connection refused")
		})

		result, err := Run(ctx, cluster, Options{Namespace: scanNamespace})
		Expect(result).To(BeNil())
		Expect(errors.Is(err, kube.ErrConnectivity)).To(BeTrue())
	})

	It("stops when the context is cancelled", func() {
		cluster, _ := newCluster(clusterOptions{})
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := Run(cancelled, cluster, Options{Namespace: scanNamespace})
		Expect(err).To(HaveOccurred())
	})

	It("requires a namespace", func() {
		cluster, _ := newCluster(clusterOptions{})
		_, err := Run(ctx, cluster, Options{})
		Expect(err).To(MatchError(ContainSubstring("namespace is required")))
	})
})
