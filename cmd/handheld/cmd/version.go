package cmd

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// These will be set by ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func newVersionCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Long:  `Print the version information for handheld.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			version := map[string]string{
				"version":   Version,
				"gitCommit": GitCommit,
				"buildTime": BuildTime,
				"goVersion": runtime.Version(),
				"goos":      runtime.GOOS,
				"goarch":    runtime.GOARCH,
			}
			return g.printOutput(cmd.OutOrStdout(), version, func(w io.Writer) {
				fmt.Fprintf(w, "handheld version %s\n", Version)
				fmt.Fprintf(w, "Git commit: %s\n", GitCommit)
				fmt.Fprintf(w, "Built: %s\n", BuildTime)
				fmt.Fprintf(w, "Go version: %s\n", runtime.Version())
				fmt.Fprintf(w, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			})
		},
	}
}
