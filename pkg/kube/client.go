package kube

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/discovery"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// ErrConnectivity is wrapped by every ConnectivityError.
var ErrConnectivity = errors.New("cluster unreachable")

// ConnectivityError reports a failed connectivity probe.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%v: %v", ErrConnectivity, e.Err)
}

func (e *ConnectivityError) Unwrap() []error {
	return []error{ErrConnectivity, e.Err}
}

// Client reads documents from one cluster.
type Client struct {
	client    client.Client
	discovery Discovery
}

// NewScheme returns a scheme with the built-in Kubernetes types registered.
func NewScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	return scheme
}

// NewClient creates a client for cfg.
func NewClient(cfg *rest.Config) (*Client, error) {
	c, err := client.New(cfg, client.Options{Scheme: NewScheme()})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	dc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client: %w", err)
	}
	return NewClientFrom(c, dc), nil
}

// NewClientFrom wraps existing clients.
func NewClientFrom(c client.Client, d Discovery) *Client {
	return &Client{client: c, discovery: d}
}

// Ping checks that the API server answers. Any failure is a
// ConnectivityError.
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectivityError{Err: err}
	}
	info, err := c.discovery.ServerVersion()
	if err != nil {
		return &ConnectivityError{Err: err}
	}
	log.FromContext(ctx).V(1).Info("cluster reachable", "version", info.GitVersion)
	return nil
}

// List returns every object of gvk in namespace.
func (c *Client) List(ctx context.Context, gvk schema.GroupVersionKind, namespace string) ([]unstructured.Unstructured, error) {
	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))
	if err := c.client.List(ctx, list, client.InNamespace(namespace)); err != nil {
		return nil, err
	}

	for i := range list.Items {
		if list.Items[i].GetKind() == "" {
			list.Items[i].SetGroupVersionKind(gvk)
		}
	}
	return list.Items, nil
}

// Get returns one object.
func (c *Client) Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (*unstructured.Unstructured, error) {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	if err := c.client.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// KindFor resolves a kind or resource name without version information to a
// full GVK using the client's REST mapper.
func (c *Client) KindFor(kind string) (schema.GroupVersionKind, error) {
	gvk, err := c.client.RESTMapper().KindFor(schema.GroupVersionResource{Resource: strings.ToLower(kind)})
	if err != nil {
		return schema.GroupVersionKind{}, fmt.Errorf("failed to resolve kind %q: %w", kind, err)
	}
	return gvk, nil
}
