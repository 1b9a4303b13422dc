package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FranksOps/pricewatch/internal/app"
	"github.com/FranksOps/pricewatch/internal/metrics"
	"github.com/FranksOps/pricewatch/internal/pipeline"
	"github.com/FranksOps/pricewatch/internal/report"
	"github.com/FranksOps/pricewatch/internal/server"
	"github.com/FranksOps/pricewatch/pkg/proxy"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func newScrapeCmd(c *cli) *cobra.Command {
	var (
		pages    int
		proxyURL string
		baseURL  string
		format   string
	)
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Run one scrape and print the summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("unknown format %q", format)
			}
			if pages < 0 {
				return fmt.Errorf("--pages must not be negative")
			}
			if baseURL != "" {
				c.cfg.Target.BaseURL = baseURL
			}
			opts := pipeline.RunOptions{PageLimit: pages}
			if proxyURL != "" {
				u, err := proxy.ParseURL(proxyURL)
				if err != nil {
					return err
				}
				opts.Proxy = u
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := app.New(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr := c.cfg.Metrics.Addr; addr != "" {
				ms, err := metrics.Start(addr, c.logger)
				if err != nil {
					return err
				}
				c.logger.Info("metrics server listening", "addr", ms.Addr())
				defer ms.Stop(context.Background())
			}

			summary, runErr := a.Pipeline().Run(ctx, opts)
			out := cmd.OutOrStdout()
			if format == "json" {
				err = report.WriteJSON(out, summary)
			} else {
				err = report.WriteText(out, summary)
			}
			if runErr != nil {
				return runErr
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&pages, "pages", "p", 0, "maximum number of listing pages (0 uses target.page_limit)")
	cmd.Flags().StringVar(&proxyURL, "proxy", "", "proxy URL for this run")
	cmd.Flags().StringVar(&baseURL, "url", "", "listing URL (overrides target.base_url)")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "summary format: text or json")
	return cmd
}

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the authenticated scrape trigger over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				c.cfg.Server.Addr = addr
			}
			if err := c.cfg.ValidateServer(); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := app.New(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := server.New(a.Pipeline(), server.Config{
				Addr:            c.cfg.Server.Addr,
				Token:           c.cfg.Server.Token,
				ShutdownTimeout: c.cfg.Server.ShutdownTimeout,
				Logger:          c.logger.With("component", "server"),
			})
			if err != nil {
				return err
			}
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func newRecordsCmd(c *cli) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List stored product records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("unknown format %q", format)
			}
			store, err := app.OpenStore(cmd.Context(), c.cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			return report.WriteRecords(cmd.OutOrStdout(), recs, format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text or json")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "pricewatch", version)
			return err
		},
	}
}
