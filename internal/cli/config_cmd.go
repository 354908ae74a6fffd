package cli

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"platesolver/internal/config"
)

// Version is overridden at build time with -ldflags "-X platesolver/internal/cli.Version=...".
var Version = "0.3.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate the platesolver configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.configShow()
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(root.out, "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow() {
	out := r.out
	cfg := r.cfg
	fmt.Fprintf(out, "Configuration:\n\n")
	fmt.Fprintf(out, "Config file: %s\n", config.Path())

	fmt.Fprintf(out, "\nnova.astrometry.net:\n")
	fmt.Fprintf(out, "  URL: %s\n", cfg.Nova.URL)
	fmt.Fprintf(out, "  API key: %s\n", maskKey(cfg.Nova.APIKey))
	fmt.Fprintf(out, "  Solve timeout: %s\n", cfg.Nova.SolveTimeout)
	fmt.Fprintf(out, "  Poll interval: %s\n", cfg.Nova.PollInterval)
	fmt.Fprintf(out, "  Publicly visible: %s\n", cfg.Nova.PubliclyVisible)
	if cfg.Nova.ScaleUnits != "" {
		fmt.Fprintf(out, "  Scale: %g-%g %s\n", cfg.Nova.ScaleLower, cfg.Nova.ScaleUpper, cfg.Nova.ScaleUnits)
	}
	if cfg.Solve.MaxTimeouts > 0 {
		fmt.Fprintf(out, "  Max timeouts: %d\n", cfg.Solve.MaxTimeouts)
	} else {
		fmt.Fprintf(out, "  Max timeouts: unlimited\n")
	}

	fmt.Fprintf(out, "\nCatalog:\n")
	fmt.Fprintf(out, "  TAP service: %s\n", cfg.Catalog.TAPURL)
	fmt.Fprintf(out, "  Search page: %s\n", cfg.Catalog.SearchURL)

	fmt.Fprintf(out, "\nResult links:\n")
	for _, link := range cfg.Links {
		fmt.Fprintf(out, "  - %s\n", link)
	}

	fmt.Fprintf(out, "\nDatabase Path: %s\n", cfg.Paths.DatabasePath)
	if cfg.Paths.WCSDir != "" {
		fmt.Fprintf(out, "WCS Directory: %s\n", cfg.Paths.WCSDir)
	}
	fmt.Fprintf(out, "Parallel Jobs: %d\n", cfg.Pipeline.ParallelJobs)
	fmt.Fprintf(out, "Settle Delay: %s\n", cfg.Pipeline.SettleDelay)
	fmt.Fprintf(out, "Server Address: %s\n", cfg.Server.Addr)
	fmt.Fprintf(out, "Log Level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(out, "Log Format: %s\n", cfg.Logging.Format)
	if cfg.Logging.FileOutput {
		fmt.Fprintf(out, "Log Directory: %s\n", cfg.Logging.LogDir)
	}
}

// maskKey keeps the last four characters of an API key.
func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

func (r *Root) version() {
	fmt.Fprintf(r.out, "platesolver v%s\n", Version)
	fmt.Fprintf(r.out, "Built with Go %s\n", runtime.Version())
}
