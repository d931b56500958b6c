package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newScrapeCmd() *cobra.Command {
	var (
		baseURL   string
		maxPages  int
		batchSize int
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Runs one scrape in process and prints its summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			params := appInstance.DefaultRunParams()
			flags := cmd.Flags()
			if flags.Changed("base-url") {
				params.BaseURL = baseURL
			}
			if flags.Changed("max-pages") {
				params.MaxPages = &maxPages
			}
			if flags.Changed("batch-size") {
				params.BatchSize = batchSize
			}
			if flags.Changed("force") {
				params.Force = force
			}
			if params.BaseURL == "" {
				return fmt.Errorf("base URL is required (--base-url or scraper.base_url)")
			}
			summary, err := appInstance.Scrape(cmd.Context(), params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "site root to scrape")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "process at most this many listing pages (0 keeps the discovered count)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "listing pages scraped concurrently")
	cmd.Flags().BoolVar(&force, "force", false, "re-scrape links already in the catalog")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Revalidates every stored source in process and prints the summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
