package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"PenaltyScanner/internal/app"
)

func crawlCmd() *cobra.Command {
	var region string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Walk a region's list pages and append new summaries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application, logger *slog.Logger) error {
				if err := requireRegion(a, region); err != nil {
					return err
				}
				res, err := a.Crawler.CrawlLists(ctx, region, logSink(logger))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "configured region name")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

func detailsCmd() *cobra.Command {
	var region string
	cmd := &cobra.Command{
		Use:   "details",
		Short: "Visit pending detail pages and record attachments and page text",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application, logger *slog.Logger) error {
				if err := requireRegion(a, region); err != nil {
					return err
				}
				res, err := a.Crawler.CrawlDetails(ctx, region, logSink(logger))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "configured region name")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

func downloadCmd() *cobra.Command {
	var (
		region string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download a region's pending attachments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application, logger *slog.Logger) error {
				if err := requireRegion(a, region); err != nil {
					return err
				}
				session, err := a.Downloads.RunRegion(ctx, region, force, logSink(logger))
				if err != nil {
					return err
				}
				return printJSON(session)
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "configured region name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite files that already exist")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

func extractCmd() *cobra.Command {
	var (
		runID string
		reset bool
	)
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract structured records from downloaded attachments and page text",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application, logger *slog.Logger) error {
				res, err := a.Extractor.Run(ctx, runID, reset, logSink(logger))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "manual", "accumulation run id")
	cmd.Flags().BoolVar(&reset, "reset", false, "start a new accumulation epoch for the run id")
	return cmd
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Insert extracted records the document store does not have yet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application, logger *slog.Logger) error {
				res, err := a.Publisher.Publish(ctx, logSink(logger))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func pendingCmd() *cobra.Command {
	var region string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Count links, downloads and records waiting for a region",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application, _ *slog.Logger) error {
				if err := requireRegion(a, region); err != nil {
					return err
				}
				counts, err := a.Pipeline.Pending(ctx, region)
				if err != nil {
					return err
				}
				return printJSON(counts)
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "configured region name")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one incremental pass over every region",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application, logger *slog.Logger) error {
				report, err := a.Pipeline.RunIncremental(ctx, logSink(logger))
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the pipeline on the configured interval",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application, _ *slog.Logger) error {
				return a.Serve(ctx)
			})
		},
	}
}

func requireRegion(a *app.Application, region string) error {
	if _, ok := a.Region(region); !ok {
		return fmt.Errorf("region %q is not configured", region)
	}
	return nil
}
