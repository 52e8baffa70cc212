package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/clickharness/internal/fixture"
)

var (
	seedRepos   int
	seedCommits int
	seedBare    bool
	seedPaths   []string
	seedJSON    bool
)

var seedCmd = &cobra.Command{
	Use:     "seed",
	GroupID: GroupServer,
	Short:   "Start the environment with seeded repositories",
	Long: `Start the environment like 'up' and create git repositories through
the server's testing API before waiting.

Repositories without --path are created in server-side temp directories,
which are removed when the environment stops. A --path directory is
emptied before the repository is initialized in it.

Examples:
  clicktest seed                      # one repo with 2 commits
  clicktest seed --repos 3 --commits 5
  clicktest seed --path ~/scratch/a --path ~/scratch/b --bare`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().IntVarP(&seedRepos, "repos", "n", 1, "Number of temp-dir repositories (ignored with --path)")
	seedCmd.Flags().IntVar(&seedCommits, "commits", 2, "Commits to create in each non-bare repository")
	seedCmd.Flags().BoolVar(&seedBare, "bare", false, "Create bare repositories")
	seedCmd.Flags().StringSliceVar(&seedPaths, "path", nil, "Repository directory (repeatable)")
	seedCmd.Flags().BoolVar(&seedJSON, "json", false, "Output status as JSON")
	rootCmd.AddCommand(seedCmd)
}

// repoConfigs returns one config per path, or n temp-dir configs when no
// paths are given.
func repoConfigs(paths []string, n, commits int, bare bool) ([]*fixture.RepoConfig, error) {
	if commits < 0 {
		return nil, fmt.Errorf("--commits must not be negative")
	}
	if len(paths) == 0 {
		if n < 1 {
			return nil, fmt.Errorf("--repos must be at least 1")
		}
		paths = make([]string, n)
	}
	cfgs := make([]*fixture.RepoConfig, len(paths))
	for i, p := range paths {
		cfgs[i] = &fixture.RepoConfig{Path: p, Bare: bare, InitCommits: commits}
	}
	return cfgs, nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfgs, err := repoConfigs(seedPaths, seedRepos, seedCommits, seedBare)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()
	return serve(ctx, cmd.OutOrStdout(), cfg, seedJSON, func(ctx context.Context, env environment) ([]string, error) {
		return env.CreateRepos(ctx, cfgs)
	})
}
