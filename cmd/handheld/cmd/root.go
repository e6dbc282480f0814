package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/onsitelogistics/handheld/internal/auth"
	"github.com/onsitelogistics/handheld/internal/config"
	"github.com/onsitelogistics/handheld/internal/logging"
	"github.com/onsitelogistics/handheld/internal/transmitter"
)

const serviceName = "handheld"

// tokenExpiryWarning is how far ahead an expiring API token is reported.
const tokenExpiryWarning = 7 * 24 * time.Hour

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	cfgFile    string
	logLevel   string
	outputJSON bool
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "handheld",
		Short: "Handheld scanner transmitter - deliver scan events and logistics jobs",
		Long: `handheld runs on a field scanner. It captures part and location barcodes,
sends them to the OnSite API and keeps anything the network cannot take in a
local outbox until it can be delivered.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.cfgFile, "config", "", "config file (JSON); HANDHELD_* environment variables override it")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides log_level")
	root.PersistentFlags().BoolVar(&g.outputJSON, "json", false, "output in JSON format")

	root.AddCommand(
		newRunCmd(g),
		newDrainCmd(g),
		newScanCmd(g),
		newJobCmd(g),
		newStatusCmd(g),
		newCheckCmd(g),
		newConfigCmd(g),
		newVersionCmd(g),
	)
	return root
}

// Execute runs the command tree against os.Args.
func Execute() error {
	return newRootCmd().Execute()
}

// loadConfig reads and validates the configuration, applying flag overrides.
func (g *globalOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(g.cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, nil
}

// setupLogger builds the process logger writing to out (and log_dir) and
// installs it as the default.
func (g *globalOptions) setupLogger(cfg config.Config, out io.Writer) (*logging.Logger, error) {
	logger, err := logging.Setup(serviceName, logging.Options{
		Level:  cfg.LogLevel,
		Dir:    cfg.LogDir,
		Stdout: out,
	})
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)
	return logger, nil
}

// session is a loaded config, its logger and an open transmitter.
type session struct {
	cfg    config.Config
	logger *logging.Logger
	tr     *transmitter.Transmitter
}

func (s *session) Close() {
	if s.tr != nil {
		_ = s.tr.Close()
	}
	_ = s.logger.Close()
}

// openSession is the common preamble of every command that touches the
// outbox. Operational logs go to logOut so command output stays clean.
func (g *globalOptions) openSession(ctx context.Context, logOut io.Writer) (*session, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := g.setupLogger(cfg, logOut)
	if err != nil {
		return nil, err
	}
	tr, err := transmitter.New(ctx, cfg, transmitter.WithLogger(logger))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, tr: tr}, nil
}

// printOutput writes v as indented JSON when --json is set, otherwise runs
// human to print a readable form.
func (g *globalOptions) printOutput(w io.Writer, v any, human func(io.Writer)) error {
	if g.outputJSON {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	human(w)
	return nil
}

// warnTokenExpiry logs when the API token is a JWT that has expired or is
// about to.
func warnTokenExpiry(logger *logging.Logger, token string, now time.Time) {
	info, err := auth.InspectToken(token)
	if err != nil {
		logger.Plain().Debug("api token is not a JWT; skipping expiry check")
		return
	}
	entry := logger.Plain().WithField("expires_at", info.ExpiresAt.UTC().Format(time.RFC3339))
	switch {
	case info.Expired(now):
		entry.Error("api token has expired; every request will be queued")
	case info.ExpiresWithin(now, tokenExpiryWarning):
		entry.Warn("api token expires soon")
	}
}
