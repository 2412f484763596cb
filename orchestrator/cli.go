package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/itskum47/FlowForge/orchestrator/config"
	"github.com/itskum47/FlowForge/orchestrator/dag"
	"github.com/itskum47/FlowForge/orchestrator/store"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

// version is stamped by the release build via -ldflags "-X main.version=...".
var version = "dev"

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "flowforge",
		Short: "Manifest-driven workflow orchestrator",
		Long: `FlowForge schedules manifests (cron, interval, ad-hoc), dispatches their
runs through a work queue, and records every attempt as append-only run
metadata. Failed runs retry with backoff and land in a dead letter queue
once retries are exhausted.

Running with no subcommand starts the orchestrator, same as "serve".`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"yaml config file (falls back to $"+config.EnvConfigPath+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the orchestrator",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Apply registered manifest seeds to the database and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runSeed(cmd.Context(), configPath, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Build the manifest dependency graph and print its layers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runValidate(cmd.Context(), configPath, cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "flowforge "+version)
			},
		},
	)
	return root
}

func runSeed(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("seed requires database.url; the in-memory store does not outlive the process")
	}

	st, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := workflow.SeedManifests(ctx, st, buildRegistry(cfg))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "seeded: %d groups created, %d manifests created, %d manifests updated\n",
		res.GroupsCreated, res.ManifestsCreated, res.ManifestsUpdated)
	return nil
}

// runValidate checks the dependency graph an operator is about to run.
// Against a database it reads the live rows; without one it stages the
// registered seeds in memory so the check still has something to chew on.
func runValidate(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Database.URL == "" {
		if _, err := workflow.SeedManifests(ctx, st, buildRegistry(cfg)); err != nil {
			return err
		}
	}

	manifests, err := st.ListManifests(ctx, store.ManifestFilter{})
	if err != nil {
		return err
	}
	groups, err := st.ListManifestGroups(ctx)
	if err != nil {
		return err
	}

	graph, err := dag.Build(manifests, groups)
	if err != nil {
		return err
	}
	if err := graph.Validate(); err != nil {
		return err
	}

	layout := graph.Layout()
	if len(layout.Layers) == 0 {
		fmt.Fprintln(out, "no manifests to validate")
		return nil
	}
	for depth, layer := range layout.Layers {
		names := make([]string, len(layer))
		for i, p := range layer {
			names[i] = p.Name
		}
		fmt.Fprintf(out, "layer %d: %s\n", depth, strings.Join(names, ", "))
	}
	return nil
}
