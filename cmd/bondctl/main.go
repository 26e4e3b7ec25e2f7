// Command bondctl is the control-plane daemon for a portable bonded-link
// video encoder appliance: it supervises the encoder/bonder child
// processes, serves the browser control UI, and bridges state to an
// optional cloud relay tunnel.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags; "dev" outside a release
// build, matching cl-release's own ad hoc local-build default.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:              "bondctl",
		Short:            "Control-plane daemon for a bonded-link video encoder appliance",
		PersistentPreRun: silenceUsage,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// silenceUsage matches cl-release.go's trick: set SilenceUsage only after
// cobra's own argument validation has had a chance to print usage on a
// malformed invocation.
func silenceUsage(cmd *cobra.Command, args []string) {
	cmd.SilenceUsage = true
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bondctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
