package kube

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/version"
	"k8s.io/client-go/discovery"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Discovery is the subset of the discovery client used here.
type Discovery interface {
	ServerVersion() (*version.Info, error)
	ServerGroupsAndResources() ([]*metav1.APIGroup, []*metav1.APIResourceList, error)
}

// DiscoverKinds returns the listable namespaced kinds whose "resource.group"
// name contains any of patterns. When a kind is served in several versions
// the first one reported wins.
func (c *Client) DiscoverKinds(ctx context.Context, patterns []string) ([]schema.GroupVersionKind, error) {
	logger := log.FromContext(ctx)
	if len(patterns) == 0 {
		return nil, nil
	}

	_, lists, err := c.discovery.ServerGroupsAndResources()
	if err != nil {
		if !discovery.IsGroupDiscoveryFailedError(err) {
			return nil, fmt.Errorf("failed to discover API resources: %w", err)
		}
		// Partial discovery is OK, some APIs might be unavailable
		logger.Error(err, "partial API discovery")
	}

	seen := make(map[schema.GroupKind]bool)
	var kinds []schema.GroupVersionKind
	for _, list := range lists {
		if list == nil {
			continue
		}
		gv, err := schema.ParseGroupVersion(list.GroupVersion)
		if err != nil {
			continue
		}
		for _, res := range list.APIResources {
			if !res.Namespaced || strings.Contains(res.Name, "/") {
				continue
			}
			if len(res.Verbs) > 0 && !slices.Contains(res.Verbs, "list") {
				continue
			}
			if !matchesAny(res.Name+"."+gv.Group, patterns) {
				continue
			}
			gk := schema.GroupKind{Group: gv.Group, Kind: res.Kind}
			if seen[gk] {
				continue
			}
			seen[gk] = true
			kinds = append(kinds, gv.WithKind(res.Kind))
		}
	}

	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Group != kinds[j].Group {
			return kinds[i].Group < kinds[j].Group
		}
		return kinds[i].Kind < kinds[j].Kind
	})

	logger.V(1).Info("discovered vendor kinds", "patterns", patterns, "count", len(kinds))
	return kinds, nil
}

func matchesAny(name string, patterns []string) bool {
	name = strings.ToLower(name)
	for _, p := range patterns {
		if p != "" && strings.Contains(name, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
