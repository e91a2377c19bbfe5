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

package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/chazu/podtree/internal/report"
	"github.com/chazu/podtree/pkg/ref"
)

// EnvPrefix prefixes the environment variables read for every non-mode flag.
const EnvPrefix = "PODTREE"

// UsageError reports invalid flags or an invalid mode selection.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string {
	return e.Err.Error()
}

func (e *UsageError) Unwrap() error { return e.Err }

func usageErrorf(format string, args ...interface{}) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// Config holds the command-line configuration
type Config struct {
	Namespace      string
	Service        string
	Mode           report.Mode
	Kubeconfig     string
	RegistryFile   string
	VendorPatterns []string
	Workers        int
	Timeout        time.Duration
	MetricsFile    string
	Debug          bool
}

// modeFlag maps a report mode to its flag.
type modeFlag struct {
	mode  report.Mode
	name  string
	short string
	usage string
}

var modeFlags = []modeFlag{
	{report.Tree, "tree", "T", "Print the full pod tree of each service"},
	{report.TreeSummary, "tree-summary", "t", "Print the pod names of each service"},
	{report.ServiceSummary, "service-summary", "s", "Print the resource totals of each service"},
	{report.CPU, "cpu", "c", "Print the requested CPU of each service"},
	{report.Memory, "memory", "m", "Print the requested memory of each service"},
	{report.Storage, "storage", "p", "Print the PVC capacity of each service"},
	{report.Orphans, "orphans", "a", "Print resources without an owner"},
	{report.Graph, "graph", "g", "Print the ownership graph in Graphviz DOT format"},
}

func bindFlags(flags *pflag.FlagSet) {
	flags.StringP("namespace", "n", "", "Namespace to inventory (required)")
	flags.StringP("service", "S", "", "Only report this service, as kind/name")
	flags.String("kubeconfig", "", "Path to a kubeconfig; defaults to the in-cluster or ~/.kube/config configuration")
	flags.String("registry", "", "CUE file unified with the built-in kind registry")
	flags.StringSlice("vendor-pattern", nil, "Substring of resource.group names listed as vendor kinds (repeatable)")
	flags.Int("workers", 0, "Concurrent fetches (0 selects the default)")
	flags.Duration("timeout", 0, "Deadline for the whole scan (0 disables it)")
	flags.String("metrics-file", "", "Write run counters in Prometheus text format to this file")
	flags.BoolP("debug", "d", false, "Enable debug logging")

	for _, m := range modeFlags {
		flags.BoolP(m.name, m.short, false, m.usage)
	}
}

func isModeFlag(name string) bool {
	for _, m := range modeFlags {
		if m.name == name {
			return true
		}
	}
	return false
}

// newViper binds every non-mode flag to PODTREE_* environment variables.
// Flags set on the command line take precedence.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || isModeFlag(f.Name) || f.Name == "help" {
			return
		}
		err = v.BindPFlag(f.Name, f)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	return v, nil
}

// loadConfig reads the configuration from flags and the environment.
func loadConfig(flags *pflag.FlagSet) (*Config, error) {
	v, err := newViper(flags)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Namespace:      v.GetString("namespace"),
		Service:        v.GetString("service"),
		Kubeconfig:     v.GetString("kubeconfig"),
		RegistryFile:   v.GetString("registry"),
		VendorPatterns: v.GetStringSlice("vendor-pattern"),
		Workers:        v.GetInt("workers"),
		Timeout:        v.GetDuration("timeout"),
		MetricsFile:    v.GetString("metrics-file"),
		Debug:          v.GetBool("debug"),
	}

	var selected []string
	for _, m := range modeFlags {
		on, err := flags.GetBool(m.name)
		if err != nil {
			return nil, err
		}
		if on {
			selected = append(selected, "-"+m.short)
			cfg.Mode = m.mode
		}
	}
	switch {
	case len(selected) == 0:
		return nil, usageErrorf("a report mode is required")
	case len(selected) > 1:
		return nil, usageErrorf("only one report mode is allowed, got %s", strings.Join(selected, " "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that flags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Namespace == "" {
		errs = append(errs, errors.New("namespace is required"))
	}
	if c.Service != "" {
		if _, err := ref.Parse(c.Service, c.Namespace); err != nil {
			errs = append(errs, err)
		}
	}
	if !c.Mode.Valid() {
		errs = append(errs, fmt.Errorf("unknown report mode %q", c.Mode))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", c.Timeout))
	}
	if len(errs) > 0 {
		return &UsageError{Err: errors.Join(errs...)}
	}
	return nil
}
