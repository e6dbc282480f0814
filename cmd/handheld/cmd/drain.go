package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/onsitelogistics/handheld/internal/transmitter"
)

type drainOutput struct {
	Rounds    int  `json:"rounds"`
	Sent      int  `json:"sent"`
	Remaining int  `json:"remaining"`
	Flushed   bool `json:"flushed"`
}

func newDrainCmd(g *globalOptions) *cobra.Command {
	var (
		maxRounds int
		interval  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver the queued backlog and exit",
		Long: `Deliver queued requests oldest first. Delivery stops at the first failure
so nothing is sent out of order; the command retries up to --max-rounds times
and exits non-zero if requests are still queued.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := g.openSession(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			opts := transmitter.DriverOptions{
				MaxRounds: s.cfg.DrainMaxRounds,
				Interval:  s.cfg.DrainRetry(),
				Logger:    s.logger,
			}
			if cmd.Flags().Changed("max-rounds") {
				opts.MaxRounds = maxRounds
			}
			if cmd.Flags().Changed("interval") {
				opts.Interval = interval
			}

			sum, runErr := transmitter.NewDriver(s.tr, opts).Run(ctx)
			out := drainOutput{Rounds: sum.Rounds, Sent: sum.Sent, Remaining: sum.Remaining, Flushed: runErr == nil}
			if err := g.printOutput(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "Drained %d request(s) in %d round(s); %d remaining\n", out.Sent, out.Rounds, out.Remaining)
			}); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "drain rounds before giving up (default drain_max_rounds)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between rounds (default drain_retry_seconds)")
	return cmd
}
