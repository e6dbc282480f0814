package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/onsitelogistics/handheld/internal/delivery"
	"github.com/onsitelogistics/handheld/internal/transmitter"
)

type dispatchOutput struct {
	Outcome   string `json:"outcome"`
	QueueSize int    `json:"queue_size"`
}

func newScanCmd(g *globalOptions) *cobra.Command {
	var part, location string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Send one scan event",
		Long:  `Send a scan event for a part at a location. If the API cannot be reached the event is queued.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.openSession(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			outcome, err := s.tr.SendScanEvent(cmd.Context(), part, location)
			if err != nil {
				return err
			}
			return g.reportDispatch(cmd, s.tr, outcome)
		},
	}

	cmd.Flags().StringVar(&part, "part", "", "part code (required)")
	cmd.Flags().StringVar(&location, "location", "", "location code (required)")
	_ = cmd.MarkFlagRequired("part")
	_ = cmd.MarkFlagRequired("location")
	return cmd
}

func newJobCmd(g *globalOptions) *cobra.Command {
	var part, to, from, status string

	cmd := &cobra.Command{
		Use:   "job",
		Short: "Send one logistics job",
		Long: `Send a logistics job moving a part to a destination. from_location and
status default to logistics_default_from and logistics_status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.openSession(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			outcome, err := s.tr.SendLogisticsJob(cmd.Context(), part, to,
				delivery.WithFromLocation(from),
				delivery.WithStatus(status),
			)
			if err != nil {
				return err
			}
			return g.reportDispatch(cmd, s.tr, outcome)
		},
	}

	cmd.Flags().StringVar(&part, "part", "", "part code (required)")
	cmd.Flags().StringVar(&to, "to", "", "destination location (required)")
	cmd.Flags().StringVar(&from, "from", "", "origin location (default logistics_default_from)")
	cmd.Flags().StringVar(&status, "status", "", "job status (default logistics_status)")
	_ = cmd.MarkFlagRequired("part")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (g *globalOptions) reportDispatch(cmd *cobra.Command, tr *transmitter.Transmitter, outcome transmitter.Outcome) error {
	n, err := tr.QueueSize(cmd.Context())
	if err != nil {
		return err
	}
	out := dispatchOutput{Outcome: outcome.String(), QueueSize: n}
	return g.printOutput(cmd.OutOrStdout(), out, func(w io.Writer) {
		if outcome == transmitter.Queued {
			fmt.Fprintf(w, "Queued for later delivery (%d in queue)\n", n)
			return
		}
		fmt.Fprintln(w, "Delivered")
	})
}
