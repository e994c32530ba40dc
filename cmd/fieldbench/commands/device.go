package commands

import (
	"fmt"
	"strings"

	"github.com/openfluke/fieldbench/detector"
	"github.com/openfluke/fieldbench/gpu"
	"github.com/openfluke/fieldbench/logging"
	"github.com/spf13/cobra"
)

func newDeviceCmd(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Show device information",
		Long: `Open the selected backend and print the device, its memory types and
heaps, the host CPU and the recommended workload limits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := st.cfg
			rep, err := detector.DetectBackend(cfg.Backend, gpu.Options{
				Logger:      logging.Component("device"),
				DeviceIndex: cfg.Device,
				Validation:  cfg.Validation,
			}, cfg.BudgetMB)
			if err != nil {
				return err
			}
			format := cfg.Format
			if strings.EqualFold(format, "text") {
				format = "yaml"
			}
			out, err := rep.Render(format)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			if strings.EqualFold(format, "json") {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().Int("budget-mb", 0, "staging budget in MiB behind the recommendations, 0 for the default")
	return cmd
}
