package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	apprules "github.com/ahrav/leakscan/internal/app/rules"
	appscanning "github.com/ahrav/leakscan/internal/app/scanning"
	"github.com/ahrav/leakscan/internal/config"
	"github.com/ahrav/leakscan/internal/config/fileloader"
	"github.com/ahrav/leakscan/internal/domain/rules"
	domain "github.com/ahrav/leakscan/internal/domain/scanning"
	gitinfra "github.com/ahrav/leakscan/internal/infra/git"
	"github.com/ahrav/leakscan/internal/infra/scanner/sources/folder"
	gitsource "github.com/ahrav/leakscan/internal/infra/scanner/sources/git"
	"github.com/ahrav/leakscan/internal/infra/scanner/sources/precommit"
	"github.com/ahrav/leakscan/pkg/common/logger"
)

// sourceFactory builds the chunk source of one command once the shared
// collaborators exist.
type sourceFactory func(opts config.Options, filter domain.PathFilter, tracer trace.Tracer) domain.ChunkSource

type app struct {
	flags *globalFlags
	log   func() *logger.Logger
}

// gitFlags are the history walk settings that may override the config file.
type gitFlags struct {
	branch            string
	sinceCommit       string
	maxDepth          int
	fetch             bool
	includeSubmodules bool
}

func (f *gitFlags) register(cmd *cobra.Command, withFetch bool) {
	cmd.Flags().StringVar(&f.branch, "branch", "", "Scan only this branch")
	cmd.Flags().StringVar(&f.sinceCommit, "since-commit", "", "Stop each branch walk at this commit")
	cmd.Flags().IntVar(&f.maxDepth, "max-depth", config.DefaultMaxDepth, "Maximum number of commits walked per branch")
	cmd.Flags().BoolVar(&f.includeSubmodules, "include-submodules", false, "Scan paths that belong to submodules")
	if withFetch {
		cmd.Flags().BoolVar(&f.fetch, "fetch", false, "Fetch remote branches before scanning")
	}
}

func (f *gitFlags) apply(cmd *cobra.Command, opts *config.Options) {
	changed := cmd.Flags().Changed
	if changed("branch") {
		opts.Git.Branch = f.branch
	}
	if changed("since-commit") {
		opts.Git.SinceCommit = f.sinceCommit
	}
	if changed("max-depth") {
		opts.Git.MaxDepth = f.maxDepth
	}
	if changed("include-submodules") {
		opts.Git.IncludeSubmodules = f.includeSubmodules
	}
	if changed("fetch") {
		opts.Git.Fetch = f.fetch
	}
}

func (a *app) newScanLocalRepoCmd() *cobra.Command {
	var gf gitFlags
	cmd := &cobra.Command{
		Use:   "scan-local-repo [path]",
		Short: "Scan the full history of a local git repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			opts, err := a.loadOptions(cmd)
			if err != nil {
				return err
			}
			gf.apply(cmd, &opts)

			return a.scan(cmd, opts, func(opts config.Options, filter domain.PathFilter, tracer trace.Tracer) domain.ChunkSource {
				return gitsource.NewScanner(path, opts, filter, a.log(), tracer)
			})
		},
	}
	gf.register(cmd, true)
	return cmd
}

func (a *app) newScanRemoteRepoCmd() *cobra.Command {
	var (
		gf         gitFlags
		cloneDepth int
	)
	cmd := &cobra.Command{
		Use:   "scan-remote-repo <url>",
		Short: "Clone a repository to a temporary directory and scan its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := a.loadOptions(cmd)
			if err != nil {
				return err
			}
			gf.apply(cmd, &opts)

			dir, err := os.MkdirTemp("", "leakscan-clone-")
			if err != nil {
				return fmt.Errorf("failed to create clone directory: %w", err)
			}
			defer os.RemoveAll(dir)

			cloner := gitinfra.CLI{Depth: cloneDepth}
			if err := cloneWithRetry(cmd.Context(), a.log(), cloner, args[0], dir); err != nil {
				return err
			}

			return a.scan(cmd, opts, func(opts config.Options, filter domain.PathFilter, tracer trace.Tracer) domain.ChunkSource {
				return gitsource.NewScanner(dir, opts, filter, a.log(), tracer)
			})
		},
	}
	gf.register(cmd, false)
	cmd.Flags().IntVar(&cloneDepth, "clone-depth", 0, "Clone only this many commits; 0 clones the full history")
	return cmd
}

func (a *app) newScanFolderCmd() *cobra.Command {
	var recurse, respectGitignore bool
	cmd := &cobra.Command{
		Use:   "scan-folder [path]",
		Short: "Scan the current contents of a directory tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) == 1 {
				target = args[0]
			}
			opts, err := a.loadOptions(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("recurse") {
				opts.Folder.Recurse = recurse
			}
			if cmd.Flags().Changed("respect-gitignore") {
				opts.Folder.RespectGitignore = respectGitignore
			}

			return a.scan(cmd, opts, func(opts config.Options, filter domain.PathFilter, tracer trace.Tracer) domain.ChunkSource {
				return folder.NewScanner(target, opts, filter, a.log(), tracer)
			})
		},
	}
	cmd.Flags().BoolVar(&recurse, "recurse", true, "Descend into subdirectories")
	cmd.Flags().BoolVar(&respectGitignore, "respect-gitignore", false, "Skip files matched by the root .gitignore")
	return cmd
}

func (a *app) newPreCommitCmd() *cobra.Command {
	var includeSubmodules bool
	cmd := &cobra.Command{
		Use:   "pre-commit [path]",
		Short: "Scan the changes staged for the next commit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			opts, err := a.loadOptions(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("include-submodules") {
				opts.Git.IncludeSubmodules = includeSubmodules
			}

			return a.scan(cmd, opts, func(opts config.Options, filter domain.PathFilter, tracer trace.Tracer) domain.ChunkSource {
				return precommit.NewScanner(path, opts, filter, a.log(), tracer)
			})
		},
	}
	cmd.Flags().BoolVar(&includeSubmodules, "include-submodules", false, "Scan staged changes to submodule pointers")
	return cmd
}

func (a *app) loadOptions(cmd *cobra.Command) (config.Options, error) {
	var loader config.Loader = fileloader.NewFileLoader(a.flags.configPath, a.log())
	opts, err := loader.Load(cmd.Context())
	if err != nil {
		return config.Options{}, err
	}
	if a.flags.workers >= 0 {
		opts.Workers = a.flags.workers
	}
	return opts, nil
}

// scan wires the shared collaborators around the command's source, runs the
// scan and writes the report. It returns errIssuesFound when anything was
// reported.
func (a *app) scan(cmd *cobra.Command, opts config.Options, newSource sourceFactory) error {
	ctx := cmd.Context()
	log := a.log()

	providers, shutdown, err := startTelemetry(log)
	if err != nil {
		return err
	}
	defer shutdown()
	tracer := providers.Tracer.Tracer(serviceName)

	ruleSet, err := a.configureRules(ctx, opts, tracer)
	if err != nil {
		return err
	}

	filter, err := appscanning.NewPathFilter(opts, log)
	if err != nil {
		return err
	}
	metrics, err := appscanning.NewScanMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("failed to create scan metrics: %w", err)
	}

	scanner, err := appscanning.NewScanner(newSource(opts, filter, tracer), ruleSet, opts, filter, log, tracer, metrics)
	if err != nil {
		return err
	}

	issues, err := scanner.Scan(ctx)
	if err != nil {
		return err
	}
	log.Info(ctx, "scan complete", "scan_id", scanner.ID().String(), "issues", len(issues))

	if err := writeReport(cmd.OutOrStdout(), issues, a.flags.compact); err != nil {
		return err
	}
	if len(issues) > 0 {
		return errIssuesFound
	}
	return nil
}

func (a *app) configureRules(ctx context.Context, opts config.Options, tracer trace.Tracer) (*rules.RuleSet, error) {
	if !opts.Regex {
		return nil, nil
	}
	svc := apprules.NewService(gitinfra.CLI{Depth: 1}, a.log(), tracer)
	return svc.Configure(ctx, apprules.SourcesFromOptions(opts))
}

func writeReport(w io.Writer, issues []*domain.Issue, compact bool) error {
	reports := make([]domain.Report, 0, len(issues))
	for _, issue := range issues {
		reports = append(reports, issue.Report(compact))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
