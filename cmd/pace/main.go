package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/pace/internal/config"
	"github.com/petr-muller/pace/internal/fieldpath"
	"github.com/petr-muller/pace/internal/fingerprint"
	"github.com/petr-muller/pace/internal/flagutil"
	"github.com/petr-muller/pace/internal/jiraclient"
	"github.com/petr-muller/pace/internal/snapshot"
	"github.com/petr-muller/pace/internal/syncer"
	"github.com/petr-muller/pace/internal/varmap"
)

var (
	jiraOptions flagutil.JiraOptions
	fullRefresh bool
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	staleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pace",
		Short: "Maintain locally cached Jira snapshots for delivery metrics",
		Long: `pace keeps an incrementally synchronized local snapshot of Jira issues and
their change histories per configured query profile, and resolves metric
variables against it through configurable field mappings.`,
	}

	// Add global flags
	jiraOptions.AddPFlags(rootCmd.PersistentFlags())

	// Add subcommands
	rootCmd.AddCommand(
		newSyncCmd(),
		newStatusCmd(),
		newResolveCmd(),
		newCheckCmd(),
		newInvalidateCmd(),
	)

	// Use fang to execute the command
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		logrus.WithError(err).Fatal("command failed")
	}
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <profile>",
		Short: "Synchronize the cached snapshot for a profile",
		Long: `Synchronize the cached snapshot for a profile. An existing snapshot is
updated incrementally from issues changed since the last sync; --full discards
it and repopulates from scratch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), args[0])
		},
	}

	cmd.Flags().BoolVar(&fullRefresh, "full", false, "Discard the cached snapshot and repopulate from a full fetch")

	return cmd
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [profile]",
		Short: "Show snapshot staleness for one or all profiles",
		Long: `Show the last successful sync time, issue count and pending dirty buckets
for one profile, or for every stored profile when none is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runStatus(cmd.Context(), []string{args[0]})
			}
			names, err := config.ListProfiles()
			if err != nil {
				return fmt.Errorf("cannot list profiles: %w", err)
			}
			if len(names) == 0 {
				fmt.Println("No stored profiles found")
				return nil
			}
			return runStatus(cmd.Context(), names)
		},
	}

	return cmd
}

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <profile> <variable>",
		Short: "Resolve a mapped variable across the cached snapshot",
		Long: `Resolve a mapped variable for every issue in the profile's cached snapshot
and print the per-issue values. Useful for checking mapping configuration
against real data.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.Context(), args[0], args[1])
		},
	}

	return cmd
}

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <expression>",
		Short: "Validate a namespace field expression",
		Long: `Parse a namespace field expression and print its components, or report
where it is malformed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(args[0])
		},
	}

	return cmd
}

func newInvalidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate <profile>",
		Short: "Delete the cached snapshot for a profile",
		Long:  `Delete the cached snapshot for a profile. The next sync starts from scratch.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvalidate(cmd.Context(), args[0])
		},
	}

	return cmd
}

type environment struct {
	settings *config.Settings
	store    *snapshot.Store
	table    *varmap.Table
}

func (e *environment) close() {
	if err := e.store.Close(); err != nil {
		logrus.WithError(err).Warn("failed to close snapshot database")
	}
}

func createEnvironment() (*environment, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("cannot load settings: %w", err)
	}

	table, err := varmap.LoadTable()
	if err != nil {
		return nil, fmt.Errorf("cannot load variable mappings: %w", err)
	}

	store, err := snapshot.Open(settings.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("cannot open snapshot database: %w", err)
	}

	return &environment{settings: settings, store: store, table: table}, nil
}

func createJiraSource(settings *config.Settings) (*jiraclient.Client, error) {
	// Copy pflag values to JiraOptions
	jiraOptions.SetFromPFlags()

	if err := jiraOptions.Validate(); err != nil {
		return nil, fmt.Errorf("invalid JIRA options: %w", err)
	}

	client, err := jiraclient.NewClient(jiraOptions, jiraclient.Options{
		ChangelogPageSize: settings.ChangelogPageSize,
		Parallelism:       settings.FetchParallelism,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create Jira client: %w", err)
	}

	return client, nil
}

func queryFor(profile *config.Profile) syncer.Query {
	return syncer.Query{
		Scope:        profile.Name,
		Filter:       profile.Filter,
		LookbackDays: profile.LookbackDays,
	}
}

func runSync(ctx context.Context, profileName string) error {
	profile, err := config.LoadProfile(profileName)
	if err != nil {
		return fmt.Errorf("cannot load profile '%s': %w", profileName, err)
	}

	env, err := createEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	source, err := createJiraSource(env.settings)
	if err != nil {
		return err
	}

	engine := syncer.NewEngine(env.store, source, env.table, syncer.Config{
		DeltaRatioThreshold: env.settings.DeltaRatioThreshold,
		BucketVariables:     profile.BucketBy,
	})

	result, err := engine.Sync(ctx, queryFor(profile), fullRefresh)
	if err != nil {
		var fetchErr *syncer.FetchError
		if errors.As(err, &fetchErr) {
			return fmt.Errorf("sync failed, cached snapshot left untouched (retry later): %w", err)
		}
		return fmt.Errorf("cannot sync profile '%s': %w", profileName, err)
	}

	kind := "delta"
	if result.Full {
		kind = "full"
	}
	fmt.Printf("Profile '%s' synced (%s): %d issues fetched, %d buckets to recompute\n",
		profileName, kind, result.Fetched, result.DirtyBuckets.Len())
	return nil
}

func runStatus(ctx context.Context, profileNames []string) error {
	env, err := createEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	for _, name := range profileNames {
		profile, err := config.LoadProfile(name)
		if err != nil {
			return fmt.Errorf("cannot load profile '%s': %w", name, err)
		}

		engine := syncer.NewEngine(env.store, nil, env.table, syncer.Config{
			BucketVariables: profile.BucketBy,
		})
		status, err := engine.SnapshotStatus(ctx, queryFor(profile))
		if err != nil {
			return fmt.Errorf("cannot inspect profile '%s': %w", name, err)
		}

		fmt.Println(titleStyle.Render(name))
		if status.State == syncer.StateNoSnapshot {
			fmt.Printf("  %s\n", staleStyle.Render("no cached snapshot, run 'pace sync' first"))
			continue
		}

		age := time.Since(status.LastSynced).Round(time.Minute)
		line := fmt.Sprintf("  last successful sync: %s (%s ago), %d issues",
			status.LastSynced.Local().Format("2006-01-02 15:04"), age, status.IssueCount)
		if age > 24*time.Hour {
			fmt.Println(staleStyle.Render(line))
		} else {
			fmt.Println(line)
		}

		if status.DirtyBuckets.Len() > 0 {
			fmt.Printf("  %s\n", staleStyle.Render(fmt.Sprintf("%d buckets pending recompute: %v",
				status.DirtyBuckets.Len(), sets.List(status.DirtyBuckets))))
		} else {
			fmt.Printf("  %s\n", dimStyle.Render("aggregates up to date"))
		}
	}

	return nil
}

func runResolve(ctx context.Context, profileName, variable string) error {
	profile, err := config.LoadProfile(profileName)
	if err != nil {
		return fmt.Errorf("cannot load profile '%s': %w", profileName, err)
	}

	env, err := createEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	if !env.table.Has(variable) {
		return fmt.Errorf("variable '%s' is not mapped (known: %v)", variable, env.table.Variables())
	}

	fp := fingerprint.Compute(profile.Filter, profile.LookbackDays)
	snap, err := env.store.Load(ctx, profile.Name, fp)
	if errors.Is(err, snapshot.ErrNotFound) {
		return fmt.Errorf("profile '%s' has no cached snapshot, run 'pace sync %s' first", profileName, profileName)
	}
	if err != nil {
		return fmt.Errorf("cannot load snapshot: %w", err)
	}

	absent := 0
	for _, issue := range snap.Issues {
		value := env.table.ResolveVariable(variable, issue)
		if value.IsAbsent() {
			absent++
			fmt.Printf("  %-16s %s\n", issue.Key, dimStyle.Render("(absent)"))
			continue
		}
		fmt.Printf("  %-16s %s\n", issue.Key, value.Display())
	}
	fmt.Printf("%s = value for %d/%d issues\n", titleStyle.Render(variable), len(snap.Issues)-absent, len(snap.Issues))
	return nil
}

func runCheck(expression string) error {
	path, err := fieldpath.Parse(expression)
	if err != nil {
		var syntaxErr *fieldpath.SyntaxError
		if errors.As(err, &syntaxErr) {
			return fmt.Errorf("malformed expression: %w", err)
		}
		return err
	}

	fmt.Printf("%s\n", titleStyle.Render(expression))
	if path.Projects.Len() > 0 {
		fmt.Printf("  projects:  %v\n", sets.List(path.Projects))
	} else {
		fmt.Printf("  projects:  %s\n", dimStyle.Render("any"))
	}
	fmt.Printf("  field:     %v\n", path.Segments)
	if path.Predicate != nil {
		fmt.Printf("  predicate: %s becomes %q\n", path.Predicate.Field, path.Predicate.Value)
	}
	if path.Extractor != fieldpath.ExtractorNone {
		fmt.Printf("  extractor: %s\n", path.Extractor)
	}
	return nil
}

func runInvalidate(ctx context.Context, profileName string) error {
	profile, err := config.LoadProfile(profileName)
	if err != nil {
		return fmt.Errorf("cannot load profile '%s': %w", profileName, err)
	}

	env, err := createEnvironment()
	if err != nil {
		return err
	}
	defer env.close()

	fp := fingerprint.Compute(profile.Filter, profile.LookbackDays)
	if err := env.store.Delete(ctx, profile.Name, fp); err != nil {
		return fmt.Errorf("cannot delete snapshot: %w", err)
	}

	fmt.Printf("Snapshot for profile '%s' deleted\n", profileName)
	return nil
}
