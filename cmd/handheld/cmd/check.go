package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/onsitelogistics/handheld/internal/auth"
	"github.com/onsitelogistics/handheld/internal/config"
)

const defaultProbeTimeout = 10 * time.Second

func newCheckCmd(g *globalOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Pre-flight check of the API connection",
		Long: `Check that the configured API host answers and that the API token is
usable. Any HTTP response counts as reachable; authentication is not tested
beyond inspecting the token locally. With --dry-run nothing is sent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRaw(g.cfgFile)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.APIURL) == "" {
				return &config.ConfigError{Key: "api_url", Reason: "not set"}
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "API URL: %s\n", cfg.APIURL)
			if cfg.LogisticsEnabled() {
				fmt.Fprintf(w, "Logistics API URL: %s\n", cfg.LogisticsAPIURL)
			}
			fmt.Fprintf(w, "Device: %s\n", cfg.DeviceID)
			reportToken(w, cfg.APIToken, time.Now())

			if dryRun {
				fmt.Fprintln(w, "Dry run: no request sent")
				return nil
			}

			timeout := cfg.Timeout()
			if timeout <= 0 {
				timeout = defaultProbeTimeout
			}
			status, err := probe(cmd.Context(), cfg.APIURL, cfg.APIToken, timeout)
			if err != nil {
				return fmt.Errorf("api unreachable: %w", err)
			}
			fmt.Fprintf(w, "API reachable (HTTP %d)\n", status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be checked without contacting the API")
	return cmd
}

// probe sends a HEAD to url and returns the status code of whatever
// answered.
func probe(ctx context.Context, url, token string, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func reportToken(w io.Writer, token string, now time.Time) {
	if token == "" {
		fmt.Fprintln(w, "API token: not set")
		return
	}
	info, err := auth.InspectToken(token)
	switch {
	case errors.Is(err, auth.ErrOpaqueToken):
		fmt.Fprintln(w, "API token: set (opaque)")
	case err != nil:
		fmt.Fprintf(w, "API token: unreadable (%v)\n", err)
	case info.ExpiresAt.IsZero():
		fmt.Fprintln(w, "API token: JWT without expiry")
	case info.Expired(now):
		fmt.Fprintf(w, "API token: EXPIRED at %s\n", info.ExpiresAt.UTC().Format(time.RFC3339))
	default:
		fmt.Fprintf(w, "API token: JWT valid until %s\n", info.ExpiresAt.UTC().Format(time.RFC3339))
	}
}
