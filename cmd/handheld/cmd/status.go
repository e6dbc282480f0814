package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type statusOutput struct {
	DeviceID  string `json:"device_id"`
	QueuePath string `json:"queue_db_path"`
	QueueSize int    `json:"queue_size"`
}

func newStatusCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the outbox backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.openSession(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.tr.QueueSize(cmd.Context())
			if err != nil {
				return err
			}
			out := statusOutput{DeviceID: s.cfg.DeviceID, QueuePath: s.cfg.QueueDBPath, QueueSize: n}
			return g.printOutput(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "Device: %s\n", out.DeviceID)
				fmt.Fprintf(w, "Queue: %s\n", out.QueuePath)
				fmt.Fprintf(w, "Queued requests: %d\n", out.QueueSize)
			})
		},
	}
}
