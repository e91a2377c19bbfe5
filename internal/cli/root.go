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

// Package cli implements the podtree command.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/chazu/podtree/internal/report"
	"github.com/chazu/podtree/pkg/kube"
	"github.com/chazu/podtree/pkg/metrics"
	"github.com/chazu/podtree/pkg/registry"
	"github.com/chazu/podtree/pkg/scan"
)

// Exit codes
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitUsage        = 2
	ExitConnectivity = 3
)

var setupLog = ctrl.Log.WithName("setup")

// ClusterFactory connects to the cluster named by a kubeconfig path. An empty
// path selects the default configuration.
type ClusterFactory func(kubeconfig string) (scan.Cluster, error)

// DefaultClusterFactory builds a kube.Client from the kubeconfig.
func DefaultClusterFactory(kubeconfig string) (scan.Cluster, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = ctrl.GetConfig()
	}
	if err != nil {
		return nil, &kube.ConnectivityError{Err: fmt.Errorf("failed to load cluster configuration: %w", err)}
	}

	c, err := kube.NewClient(cfg)
	if err != nil {
		return nil, &kube.ConnectivityError{Err: err}
	}
	return c, nil
}

// NewRootCommand returns the podtree command connecting through
// DefaultClusterFactory.
func NewRootCommand() *cobra.Command {
	return newRootCommand(DefaultClusterFactory)
}

func newRootCommand(connect ClusterFactory) *cobra.Command {
	opts := zap.Options{}
	goFlags := flag.NewFlagSet("podtree", flag.ContinueOnError)
	opts.BindFlags(goFlags)

	cmd := &cobra.Command{
		Use:   "podtree -n <namespace> -{T|t|s|c|m|p|a|g} [-S kind/name]",
		Short: "Inventory the services of a namespace",
		Long: `podtree groups the pods and persistent volume claims of a namespace under
their top-level owner (the "service") and reports the CPU, memory and
storage each service requests, plus the resources that have no owner.

Exactly one report mode must be selected. Every option except the report
mode can also be set through a PODTREE_* environment variable, for example
PODTREE_NAMESPACE or PODTREE_VENDOR_PATTERN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageErrorf("unexpected arguments: %v", args)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}

			if cfg.Debug {
				opts.Development = true
			}
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts), zap.WriteTo(cmd.ErrOrStderr())))

			return run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, connect)
		},
	}
	bindFlags(cmd.Flags())
	cmd.Flags().AddGoFlagSet(goFlags)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &UsageError{Err: err}
	})
	return cmd
}

// loadRegistry returns the kind registry selected by cfg.
func loadRegistry(cfg *Config) (*registry.Registry, error) {
	reg, err := registry.LoadDefault()
	if cfg.RegistryFile != "" {
		reg, err = registry.LoadFile(cfg.RegistryFile)
	}
	if err != nil {
		return nil, err
	}
	return reg.WithPatterns(cfg.VendorPatterns), nil
}

func run(ctx context.Context, stdout, stderr io.Writer, cfg *Config, connect ClusterFactory) error {
	logger := setupLog.WithValues("namespace", cfg.Namespace)
	ctx = log.IntoContext(ctx, logger)

	reg, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	logger.V(1).Info("kind registry loaded", "digest", reg.Digest(), "patterns", reg.Patterns())

	cluster, err := connect(cfg.Kubeconfig)
	if err != nil {
		return err
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	if cfg.MetricsFile != "" {
		defer func() {
			if err := metrics.WriteFile(cfg.MetricsFile); err != nil {
				logger.Error(err, "failed to write metrics file", "path", cfg.MetricsFile)
			}
		}()
	}

	result, err := scan.Run(ctx, cluster, scan.Options{
		Namespace: cfg.Namespace,
		Registry:  reg,
		Workers:   cfg.Workers,
	})
	if err != nil {
		return err
	}
	logger.V(1).Info("scan complete", "fingerprint", result.Fingerprint)

	if err := report.Render(stdout, cfg.Mode, result, cfg.Service); err != nil {
		return err
	}

	if warnings := result.Warnings(); len(warnings) > 0 {
		_, _ = fmt.Fprintf(stderr, "%d warning(s) during the scan; rerun with --debug for details\n", len(warnings))
	}
	return nil
}

// ExitCode maps an error returned by the command to a process exit code.
func ExitCode(err error) int {
	var usage *UsageError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &usage):
		return ExitUsage
	case errors.Is(err, kube.ErrConnectivity):
		return ExitConnectivity
	default:
		return ExitFailure
	}
}

// Execute runs the podtree command with the process arguments. Errors are
// printed to stderr, with the usage text for usage errors.
func Execute(ctx context.Context) error {
	cmd := NewRootCommand()
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}

	_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	if ExitCode(err) == ExitUsage {
		_, _ = fmt.Fprint(cmd.ErrOrStderr(), cmd.UsageString())
	}
	return err
}
