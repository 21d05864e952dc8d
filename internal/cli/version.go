package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the warden version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "warden %s\n", version)
			goVersion := runtime.Version()
			if info, ok := debug.ReadBuildInfo(); ok {
				if info.GoVersion != "" {
					goVersion = info.GoVersion
				}
				for _, setting := range info.Settings {
					if setting.Key == "vcs.revision" && setting.Value != "" {
						fmt.Fprintf(out, "revision %s\n", setting.Value)
					}
				}
			}
			fmt.Fprintf(out, "go %s\n", goVersion)
			return nil
		},
	}
}
