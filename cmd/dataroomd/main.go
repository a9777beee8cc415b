// Command dataroomd serves the dataroom API.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/helix-tools/dataroom/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	v := config.New()
	rc := &cobra.Command{
		Use:          "dataroomd",
		Short:        "Dataroom serves encrypted datasets for analysis and download.",
		SilenceUsage: true,
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")

	rc.AddCommand(newServeCommand(v))
	rc.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "dataroomd", version)
		},
	})
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}
