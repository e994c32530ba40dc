package commands

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/openfluke/fieldbench/gpu"
	"github.com/spf13/cobra"
)

// Version is overridden at link time with -X.
var Version = "0.1.0-dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "fieldbench %s\n", Version)
			fmt.Fprintf(out, "Go version: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			fmt.Fprintf(out, "Backends: %s\n", strings.Join(gpu.Backends(), ", "))
		},
	}
}
