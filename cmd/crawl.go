package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/rulecrawler/internal/config"
	"github.com/JakeFAU/rulecrawler/internal/crawler"
	"github.com/JakeFAU/rulecrawler/internal/id/uuid"
	"github.com/JakeFAU/rulecrawler/internal/rules"
	"github.com/JakeFAU/rulecrawler/internal/server"
)

type crawlOptions struct {
	urls          []string
	rules         []string
	name          string
	respectRobots bool
}

// newCrawlCmd runs one job against an in-memory store and prints the run result.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs a single crawl job and prints its results",
		Long: `Crawls the given URLs once, applying each --rule as name=selector,
and writes the run result as JSON to stdout. Nothing is persisted beyond the
configured page archive.`,
		Example: `  rulecrawler crawl --url https://example.com --rule title=title --rule link=a`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	cmd.Flags().StringArrayVar(&opts.urls, "url", nil, "URL to crawl (repeatable)")
	cmd.Flags().StringArrayVar(&opts.rules, "rule", nil, "extraction rule as name=selector (repeatable)")
	cmd.Flags().StringVar(&opts.name, "name", "cli", "job name")
	cmd.Flags().BoolVar(&opts.respectRobots, "respect-robots", true, "honor robots.txt for this job")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("rule")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts *crawlOptions) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	ruleSet, err := parseRules(opts.rules)
	if err != nil {
		return err
	}

	jobID, err := uuid.New().NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	now := time.Now().UTC()
	job := crawler.Job{
		ID:        jobID,
		Name:      opts.name,
		URLs:      trimAll(opts.urls),
		Rules:     ruleSet,
		Status:    crawler.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cmd.Flags().Changed("respect-robots") {
		respect := opts.respectRobots
		job.RespectRobots = &respect
	}
	if err := rules.ValidateJob(job); err != nil {
		return err
	}

	cfg := rt.cfg
	cfg.Storage.JobStore = config.JobStoreMemory
	app, err := server.Build(cmd.Context(), cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer app.Close()

	if err := app.JobStore().CreateJob(cmd.Context(), job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	result, err := app.Engine().Run(cmd.Context(), job.ID)
	if err != nil {
		return fmt.Errorf("run job: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

// parseRules turns name=selector pairs into a RuleSet.
func parseRules(pairs []string) (crawler.RuleSet, error) {
	ruleSet := make(crawler.RuleSet, len(pairs))
	for _, pair := range pairs {
		name, selector, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("rule %q must look like name=selector", pair)
		}
		if _, dup := ruleSet[name]; dup {
			return nil, fmt.Errorf("rule %q is defined twice", name)
		}
		ruleSet[name] = strings.TrimSpace(selector)
	}
	return ruleSet, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.TrimSpace(v))
	}
	return out
}
