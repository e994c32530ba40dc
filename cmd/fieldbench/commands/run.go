package commands

import (
	"fmt"
	"strings"

	"github.com/openfluke/fieldbench/bench"
	"github.com/openfluke/fieldbench/logging"
	"github.com/openfluke/fieldbench/metrics"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newRunCmd(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [shader]",
		Short: "Run the benchmark and verify CPU and GPU results",
		Long: `Run seeds the input vectors, computes them single-threaded and on the
worker pool, dispatches the shader on the selected backend and compares the
results. The exit status is non-zero when a stage fails or the results
differ.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, st, args)
		},
	}
	f := cmd.Flags()
	f.StringP("shader", "s", "", "compute shader (SPIR-V, or WGSL for webgpu)")
	f.Int("points", bench.DefaultPoints, "vector length, clamped and rounded to a multiple of 128")
	f.Int("iters", bench.DefaultIters, "iterations per element")
	f.IntP("threads", "t", 0, "host worker threads, 0 for all CPUs")
	f.String("metrics-file", "", "write Prometheus textfile metrics here")
	f.Bool("validation", false, "enable backend validation layers")
	f.Int("report-size", 64*1024, "text report capacity in bytes")
	return cmd
}

func runBench(cmd *cobra.Command, st *state, args []string) error {
	cfg := st.cfg
	if len(args) == 1 {
		cfg.Shader = args[0]
	}
	log := logging.Component("run")

	opts := []bench.Option{
		bench.WithBackend(cfg.Backend),
		bench.WithThreads(cfg.Threads),
		bench.WithDeviceIndex(cfg.Device),
		bench.WithValidation(cfg.Validation),
		bench.WithLogger(log),
	}
	var rec *metrics.Recorder
	if cfg.MetricsFile != "" {
		rec = metrics.New()
		opts = append(opts, bench.WithMetrics(rec))
	}

	rep, runErr := bench.Run(cfg.Shader, cfg.Points, cfg.Iters, opts...)

	out, err := rep.Render(cfg.Format)
	if err != nil {
		return err
	}
	if strings.EqualFold(cfg.Format, "text") {
		buf := make([]byte, cfg.ReportSize)
		out = string(buf[:bench.WriteReport(buf, out)])
	}
	fmt.Fprint(cmd.OutOrStdout(), out)

	if rec != nil {
		if err := rec.WriteTextfile(cfg.MetricsFile); err != nil {
			log.WithError(err).Warn("metrics export failed")
		}
	}
	if runErr != nil {
		return runErr
	}
	if !rep.CPUEqual || !rep.GPUEqual {
		return errors.Wrapf(bench.ErrMismatch, "cpu eq %t, gpu eq %t (first mismatch at %d)", rep.CPUEqual, rep.GPUEqual, rep.Mismatch)
	}
	return nil
}
