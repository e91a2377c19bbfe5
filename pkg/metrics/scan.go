/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Fetch metrics
	fetchErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "podtree_fetch_errors_total",
		Help: "Total number of failed document fetches",
	}, []string{"kind", "operation"})

	bulkLoadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "podtree_bulk_load_duration_seconds",
		Help:    "Duration of per-kind bulk list calls",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	}, []string{"kind"})

	bulkLoadItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "podtree_bulk_load_items",
		Help: "Number of documents loaded per kind",
	}, []string{"namespace", "kind"})

	cacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "podtree_cache_lookups_total",
		Help: "Total number of snapshot lookups by result",
	}, []string{"result"})

	// Resolution metrics
	quantityParseErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "podtree_quantity_parse_errors_total",
		Help: "Total number of quantity strings that could not be parsed",
	}, []string{"resource"})

	ownerCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "podtree_owner_cycles_total",
		Help: "Total number of owner reference cycles detected",
	})

	skippedEntitiesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "podtree_skipped_entities_total",
		Help: "Total number of pods and claims skipped because their document was unusable",
	}, []string{"kind"})

	// Aggregation metrics
	servicesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "podtree_services",
		Help: "Number of services found in the namespace",
	}, []string{"namespace"})

	orphansTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "podtree_orphans",
		Help: "Number of orphaned entities in the namespace",
	}, []string{"namespace", "kind"})
)

func init() {
	// Register with controller-runtime's registry
	metrics.Registry.MustRegister(
		fetchErrorsTotal,
		bulkLoadDuration,
		bulkLoadItems,
		cacheLookupsTotal,
		quantityParseErrorsTotal,
		ownerCyclesTotal,
		skippedEntitiesTotal,
		servicesTotal,
		orphansTotal,
	)
}

// RecordFetchError records a failed fetch
// operation: "list" or "get"
func RecordFetchError(kind, operation string) {
	fetchErrorsTotal.WithLabelValues(kind, operation).Inc()
}

// RecordBulkLoad records one bulk list call
func RecordBulkLoad(namespace, kind string, items int, durationSeconds float64) {
	bulkLoadDuration.WithLabelValues(kind).Observe(durationSeconds)
	bulkLoadItems.WithLabelValues(namespace, kind).Set(float64(items))
}

// RecordCacheLookup records a snapshot lookup
// result: "hit", "miss" or "error"
func RecordCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordParseError records an unparseable quantity
func RecordParseError(resource string) {
	quantityParseErrorsTotal.WithLabelValues(resource).Inc()
}

// RecordOwnerCycle records a detected owner cycle
func RecordOwnerCycle() {
	ownerCyclesTotal.Inc()
}

// RecordSkippedEntity records a pod or claim that was skipped
func RecordSkippedEntity(kind string) {
	skippedEntitiesTotal.WithLabelValues(kind).Inc()
}

// SetInventory sets the service and orphan gauges for a namespace
func SetInventory(namespace string, services, orphanPods, orphanClaims int) {
	servicesTotal.WithLabelValues(namespace).Set(float64(services))
	orphansTotal.WithLabelValues(namespace, "pod").Set(float64(orphanPods))
	orphansTotal.WithLabelValues(namespace, "persistentvolumeclaim").Set(float64(orphanClaims))
}

// WriteFile writes every registered metric to path in the Prometheus text
// format.
func WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, metrics.Registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
