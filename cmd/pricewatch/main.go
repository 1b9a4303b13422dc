// Command pricewatch scrapes a paginated product listing and keeps a
// price-deduplicated catalog of what it finds.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/FranksOps/pricewatch/internal/config"
	"github.com/FranksOps/pricewatch/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cli holds state shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "pricewatch",
		Short:         "Scrape product listings and track price changes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log.level)")
	root.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "log format: text or json (overrides log.format)")

	root.AddCommand(
		newScrapeCmd(c),
		newServeCmd(c),
		newRecordsCmd(c),
		newVersionCmd(),
	)
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Log.Format = c.logFormat
	}
	c.cfg = cfg
	c.logger = logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	slog.SetDefault(c.logger)
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pricewatch:", err)
		os.Exit(1)
	}
}
