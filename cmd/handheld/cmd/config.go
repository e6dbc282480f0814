package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onsitelogistics/handheld/internal/config"
)

func newConfigCmd(g *globalOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect handheld configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "view",
		Short: "View current configuration",
		Long:  `Display the effective configuration after defaults and HANDHELD_* overrides. The API token is redacted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRaw(g.cfgFile)
			if err != nil {
				return err
			}
			cfg = cfg.Redacted()
			return g.printOutput(cmd.OutOrStdout(), configView(cfg), func(w io.Writer) {
				fmt.Fprintln(w, "Current configuration:")
				fmt.Fprintf(w, "  API URL: %s\n", cfg.APIURL)
				fmt.Fprintf(w, "  API token: %s\n", cfg.APIToken)
				fmt.Fprintf(w, "  Device: %s\n", cfg.DeviceID)
				fmt.Fprintf(w, "  Queue: %s\n", cfg.QueueDBPath)
				fmt.Fprintf(w, "  Logistics API URL: %s\n", orNone(cfg.LogisticsAPIURL))
				fmt.Fprintf(w, "  Logistics defaults: from=%s status=%s\n", cfg.LogisticsDefaultFrom, cfg.LogisticsStatus)
				fmt.Fprintf(w, "  Timeout: %s\n", cfg.Timeout())
				fmt.Fprintf(w, "  Drain: every %s, %d round(s), %s apart\n", cfg.DrainInterval(), cfg.DrainMaxRounds, cfg.DrainRetry())
				fmt.Fprintf(w, "  Capture: idle reset %s, cancel codes %s\n", cfg.IdleTimeout(), strings.Join(cfg.CancelCodes, ","))
				fmt.Fprintf(w, "  Scanner: %s\n", orNone(cfg.ScannerDevice))
				fmt.Fprintf(w, "  Log dir: %s (level %s)\n", orNone(cfg.LogDir), cfg.LogLevel)
				fmt.Fprintf(w, "  Metrics: %s\n", orNone(cfg.MetricsAddr))
				fmt.Fprintf(w, "  OTLP endpoint: %s\n", orNone(cfg.OTelEndpoint))
				if g.cfgFile != "" {
					fmt.Fprintf(w, "  Config file: %s\n", g.cfgFile)
				} else {
					fmt.Fprintln(w, "  Config file: none (environment and defaults)")
				}
			})
		},
	})
	return configCmd
}

// configView is the JSON shape of config view; keys match the config file.
func configView(c config.Config) map[string]any {
	return map[string]any{
		"api_url":                c.APIURL,
		"api_token":              c.APIToken,
		"device_id":              c.DeviceID,
		"queue_db_path":          c.QueueDBPath,
		"logistics_api_url":      c.LogisticsAPIURL,
		"logistics_default_from": c.LogisticsDefaultFrom,
		"logistics_status":       c.LogisticsStatus,
		"timeout_seconds":        c.TimeoutSeconds,
		"log_dir":                c.LogDir,
		"log_level":              c.LogLevel,
		"drain_interval_seconds": c.DrainIntervalSeconds,
		"drain_max_rounds":       c.DrainMaxRounds,
		"drain_retry_seconds":    c.DrainRetrySeconds,
		"idle_timeout_seconds":   c.IdleTimeoutSeconds,
		"cancel_codes":           c.CancelCodes,
		"scanner_device":         c.ScannerDevice,
		"metrics_addr":           c.MetricsAddr,
		"otel_endpoint":          c.OTelEndpoint,
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
