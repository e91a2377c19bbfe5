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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordFetchError(t *testing.T) {
	before := testutil.ToFloat64(fetchErrorsTotal.WithLabelValues("job", "list"))
	RecordFetchError("job", "list")
	RecordFetchError("job", "list")
	after := testutil.ToFloat64(fetchErrorsTotal.WithLabelValues("job", "list"))

	if after-before != 2 {
		t.Errorf("Expected counter to increase by 2, got %v", after-before)
	}
}

func TestSetInventory(t *testing.T) {
	SetInventory("metrics-test", 3, 1, 2)

	if got := testutil.ToFloat64(servicesTotal.WithLabelValues("metrics-test")); got != 3 {
		t.Errorf("Expected 3 services, got %v", got)
	}
	if got := testutil.ToFloat64(orphansTotal.WithLabelValues("metrics-test", "persistentvolumeclaim")); got != 2 {
		t.Errorf("Expected 2 orphan claims, got %v", got)
	}
}

func TestWriteFile(t *testing.T) {
	RecordOwnerCycle()
	RecordCacheLookup("hit")
	RecordBulkLoad("metrics-test", "pod", 4, 0.02)

	path := filepath.Join(t.TempDir(), "podtree.prom")
	if err := WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"podtree_owner_cycles_total", "podtree_cache_lookups_total", "podtree_bulk_load_items"} {
		if !strings.Contains(string(data), name) {
			t.Errorf("Expected %s in metrics file", name)
		}
	}

	if err := WriteFile(filepath.Join(t.TempDir(), "missing", "dir", "x.prom")); err == nil {
		t.Error("Expected error for unwritable path")
	}
}
