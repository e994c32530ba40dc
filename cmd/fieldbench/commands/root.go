// Package commands is the fieldbench command tree.
package commands

import (
	"github.com/openfluke/fieldbench/config"
	"github.com/openfluke/fieldbench/logging"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// state is shared by the commands of one tree.
type state struct {
	cfgFile string
	verbose bool
	cfg     *config.Config
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	st := &state{}
	root := &cobra.Command{
		Use:   "fieldbench",
		Short: "Cross-check and benchmark finite-field arithmetic on CPU and GPU",
		Long: `fieldbench runs the same BN254 scalar-field workload on a host thread
pool and on a GPU compute backend, times both and checks that the results
agree bit for bit.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return st.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&st.cfgFile, "config", "", "config file (default is $HOME/.fieldbench/config.yaml)")
	pf.BoolVarP(&st.verbose, "verbose", "v", false, "debug logging")
	pf.StringP("backend", "b", "", "GPU backend (vulkan, webgpu, soft)")
	pf.Int("device", -1, "physical device index, negative for the preferred device")
	pf.StringP("format", "o", "", "output format: text, json or yaml")
	pf.String("log-level", "", "log level: trace, debug, info, warn, error")

	root.AddCommand(newRunCmd(st), newDeviceCmd(st), newVersionCmd())
	return root
}

// load resolves configuration for cmd and sets up logging.
func (st *state) load(cmd *cobra.Command) error {
	cfg, err := config.Load(st.cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if st.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := logging.Init(cfg.Logging.Level, cfg.Logging.File, cfg.Logging.Console); err != nil {
		return errors.Wrap(err, "init logging")
	}
	st.cfg = cfg
	logging.Component("cli").WithField("command", cmd.Name()).Debug("configuration loaded")
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
