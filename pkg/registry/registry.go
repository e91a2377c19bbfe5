package registry

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/cespare/xxhash/v2"
	"k8s.io/apimachinery/pkg/runtime/schema"

	cuembed "github.com/chazu/podtree/cue"
)

// KindSpec describes one registered kind.
type KindSpec struct {
	// Name is the canonical lower-case kind name, e.g. "statefulset".
	Name string `json:"-"`

	Kind    string   `json:"kind"`
	Group   string   `json:"group"`
	Version string   `json:"version"`
	Aliases []string `json:"aliases"`

	// Bulk marks kinds listed once per namespace at startup.
	Bulk bool `json:"bulk"`
}

// GroupVersionKind returns the GVK of the kind.
func (k KindSpec) GroupVersionKind() schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: k.Group, Version: k.Version, Kind: k.Kind}
}

type document struct {
	Kinds  map[string]KindSpec `json:"kinds"`
	Vendor struct {
		Patterns []string `json:"patterns"`
	} `json:"vendor"`
}

// Registry maps kind names and aliases to kind specs. It is immutable.
type Registry struct {
	kinds    []KindSpec
	index    map[string]int
	patterns []string
	digest   string
}

// LoadDefault loads the embedded registry.
func LoadDefault() (*Registry, error) {
	return Load()
}

// LoadFile loads the embedded registry unified with the CUE file at path.
func LoadFile(filename string) (*Registry, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file %s: %w", filename, err)
	}
	return Load(data)
}

// Load compiles the embedded registry and unifies it with each extra source.
// Extra sources may add kinds and replace the vendor patterns, but cannot
// contradict an embedded kind.
func Load(extra ...[]byte) (*Registry, error) {
	embedded, err := readEmbedded()
	if err != nil {
		return nil, err
	}

	cctx := cuecontext.New()
	digest := xxhash.New()

	value := cctx.CompileBytes(embedded, cue.Filename("embedded.cue"))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile embedded registry: %w", err)
	}
	_, _ = digest.Write(embedded)

	for i, src := range extra {
		overlay := cctx.CompileBytes(src, cue.Filename(fmt.Sprintf("overlay%d.cue", i)))
		if err := overlay.Err(); err != nil {
			return nil, fmt.Errorf("failed to compile registry overlay: %w", err)
		}
		value = value.Unify(overlay)
		_, _ = digest.Write(src)
	}
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}

	var doc document
	if err := value.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode registry: %w", err)
	}

	return build(doc, fmt.Sprintf("%x", digest.Sum64()))
}

func build(doc document, digest string) (*Registry, error) {
	r := &Registry{
		index:    make(map[string]int),
		patterns: normalizePatterns(doc.Vendor.Patterns),
		digest:   digest,
	}

	names := make([]string, 0, len(doc.Kinds))
	for name := range doc.Kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := doc.Kinds[name]
		spec.Name = name
		r.kinds = append(r.kinds, spec)
	}

	for i, spec := range r.kinds {
		keys := append([]string{spec.Name, spec.Kind}, spec.Aliases...)
		for _, key := range keys {
			key = strings.ToLower(key)
			if prev, ok := r.index[key]; ok && prev != i {
				return nil, fmt.Errorf("registry key %q is used by both %s and %s", key, r.kinds[prev].Name, spec.Name)
			}
			r.index[key] = i
		}
	}

	return r, nil
}

func readEmbedded() ([]byte, error) {
	entries, err := fs.ReadDir(cuembed.RegistryFS, cuembed.RegistryDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded registry: %w", err)
	}

	var content []byte
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cue") {
			continue
		}
		data, err := fs.ReadFile(cuembed.RegistryFS, path.Join(cuembed.RegistryDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		if len(content) > 0 {
			content = append(content, '\n')
		}
		content = append(content, data...)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("no .cue files found in embedded registry")
	}
	return content, nil
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// Lookup finds a kind by canonical name, Kind or alias, ignoring case.
func (r *Registry) Lookup(kind string) (KindSpec, bool) {
	i, ok := r.index[strings.ToLower(kind)]
	if !ok {
		return KindSpec{}, false
	}
	return r.kinds[i], true
}

// Canonical returns the canonical name for kind, or kind lower-cased when it
// is not registered.
func (r *Registry) Canonical(kind string) string {
	if spec, ok := r.Lookup(kind); ok {
		return spec.Name
	}
	return strings.ToLower(kind)
}

// Kinds returns all registered kinds sorted by name.
func (r *Registry) Kinds() []KindSpec {
	return slices.Clone(r.kinds)
}

// BulkKinds returns the kinds listed once per namespace.
func (r *Registry) BulkKinds() []KindSpec {
	var out []KindSpec
	for _, k := range r.kinds {
		if k.Bulk {
			out = append(out, k)
		}
	}
	return out
}

// Patterns returns the vendor resource patterns.
func (r *Registry) Patterns() []string {
	return slices.Clone(r.patterns)
}

// WithPatterns returns a copy of the registry using patterns for vendor
// discovery. An empty list keeps the current patterns.
func (r *Registry) WithPatterns(patterns []string) *Registry {
	if len(patterns) == 0 {
		return r
	}
	cp := *r
	cp.patterns = normalizePatterns(patterns)
	cp.digest = fmt.Sprintf("%x", xxhash.Sum64String(r.digest+"|"+strings.Join(cp.patterns, ",")))
	return &cp
}

// Digest identifies the registry content.
func (r *Registry) Digest() string {
	return r.digest
}
