// Package jiraclient implements the upstream issue source on top of the
// prow Jira client. It is the only package that talks to the tracker; the
// sync engine treats it as an opaque paginated source and owns no retry or
// backoff logic of its own.
package jiraclient

import (
	"context"
	"fmt"
	"time"

	"github.com/andygrunwald/go-jira"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	prowjira "sigs.k8s.io/prow/pkg/jira"

	"github.com/petr-muller/pace/internal/flagutil"
	"github.com/petr-muller/pace/internal/snapshot"
)

// jqlTimeLayout is the datetime form JQL accepts in comparisons.
const jqlTimeLayout = "2006-01-02 15:04"

// Client fetches issues with their change histories.
type Client struct {
	jiraClient prowjira.Client
	logger     *logrus.Entry

	// changelogPageSize is the embedded-history length at which a search
	// result's changelog is considered possibly truncated by the server
	// and the issue is re-fetched individually.
	changelogPageSize int
	// parallelism bounds concurrent per-issue changelog fetches.
	parallelism int
}

// Options tune fetch behavior; zero values select defaults.
type Options struct {
	ChangelogPageSize int
	Parallelism       int
}

// NewClient creates a new Jira client using the existing flagutil pattern
func NewClient(jiraOptions flagutil.JiraOptions, opts Options) (*Client, error) {
	jiraClient, err := jiraOptions.Client()
	if err != nil {
		return nil, fmt.Errorf("failed to create Jira client: %w", err)
	}

	if opts.ChangelogPageSize <= 0 {
		opts.ChangelogPageSize = 100
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}

	return &Client{
		jiraClient:        jiraClient,
		logger:            logrus.WithField("component", "jiraclient"),
		changelogPageSize: opts.ChangelogPageSize,
		parallelism:       opts.Parallelism,
	}, nil
}

// FetchAll retrieves every issue matching the filter within the lookback
// window, including change histories.
func (c *Client) FetchAll(ctx context.Context, filter string, lookbackDays int) ([]snapshot.IssueRecord, error) {
	jql := fmt.Sprintf("(%s) AND updated >= -%dd", filter, lookbackDays)
	return c.search(ctx, jql)
}

// FetchUpdatedSince retrieves only issues updated at or after the given
// instant, including change histories.
func (c *Client) FetchUpdatedSince(ctx context.Context, filter string, since time.Time) ([]snapshot.IssueRecord, error) {
	jql := fmt.Sprintf("(%s) AND updated >= %q", filter, since.UTC().Format(jqlTimeLayout))
	return c.search(ctx, jql)
}

// search executes the JQL query and converts the result. The whole fetch is
// all-or-nothing: any page or changelog failure fails the call and no
// partial result escapes.
func (c *Client) search(ctx context.Context, jql string) ([]snapshot.IssueRecord, error) {
	c.logger.WithField("jql", jql).Debug("executing JQL query")

	issues, _, err := c.jiraClient.SearchWithContext(ctx, jql, &jira.SearchOptions{
		Expand: "changelog",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute JQL query: %w", err)
	}

	if err := c.completeChangelogs(ctx, issues); err != nil {
		return nil, err
	}

	records := make([]snapshot.IssueRecord, 0, len(issues))
	for _, issue := range issues {
		record, err := convertIssue(issue)
		if err != nil {
			return nil, fmt.Errorf("failed to convert issue %s: %w", issue.Key, err)
		}
		records = append(records, record)
	}

	return records, nil
}

// completeChangelogs re-fetches issues whose embedded changelog may have
// been truncated by the search API. Fetches run concurrently with bounded
// parallelism and join at a barrier: either every history is complete or
// the whole fetch fails.
func (c *Client) completeChangelogs(ctx context.Context, issues []jira.Issue) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.parallelism)

	for i := range issues {
		if issues[i].Changelog == nil || len(issues[i].Changelog.Histories) < c.changelogPageSize {
			continue
		}

		group.Go(func() error {
			key := issues[i].Key
			c.logger.WithField("issue", key).Debug("re-fetching possibly truncated changelog")

			full, _, err := c.jiraClient.JiraClient().Issue.GetWithContext(groupCtx, key, &jira.GetQueryOptions{
				Expand: "changelog",
			})
			if err != nil {
				return fmt.Errorf("failed to fetch changelog of %s: %w", key, err)
			}
			issues[i].Changelog = full.Changelog
			return nil
		})
	}

	return group.Wait()
}

// ValidateFilter validates a JQL filter by executing it with a limit of 1.
func (c *Client) ValidateFilter(ctx context.Context, filter string) error {
	options := &jira.SearchOptions{
		MaxResults: 1,
	}

	if _, _, err := c.jiraClient.SearchWithContext(ctx, filter, options); err != nil {
		return fmt.Errorf("invalid JQL filter: %w", err)
	}

	return nil
}
