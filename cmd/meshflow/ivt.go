package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"meshflow/internal/pipeline"
	"meshflow/internal/stages"
)

func init() {
	var f basicFlags
	var computeIVT, computeMagnitude bool
	var applyAdvanced func() error

	// Stages are built up front so their property tables can define the
	// advanced flag surface; the application logger is attached at run
	// time.
	logger := logrus.New()
	reader := stages.NewCFReader(logger, nil, nil)
	ivt := stages.NewIVT(logger)
	mag := stages.NewIVTMagnitude(logger)

	cmd := &cobra.Command{
		Use:   "ivt",
		Short: "Compute integrated vapor transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			if computeIVT && computeMagnitude {
				// Requesting both in one pass double-defines the output
				// variable set.
				return fmt.Errorf("--compute_ivt and --compute_ivt_magnitude are mutually exclusive")
			}
			if !computeIVT && !computeMagnitude {
				computeMagnitude = true
			}
			if f.outputFile == "" {
				return fmt.Errorf("--output_file is required")
			}

			a, err := buildApp(&f)
			if err != nil {
				return err
			}
			defer a.Shutdown()
			reader.SetLogger(a.Logger)
			ivt.SetLogger(a.Logger)
			mag.SetLogger(a.Logger)

			if err := applyAdvanced(); err != nil {
				return err
			}
			if err := configureReader(a, reader, &f); err != nil {
				return err
			}

			writer := stages.NewCFWriter(a.Logger)
			if err := writer.Properties().Set("file_name", f.outputFile); err != nil {
				return err
			}
			if err := a.Driver.Connect(reader, 0, ivt, 0); err != nil {
				return err
			}
			var terminal pipeline.Algorithm = ivt
			if computeMagnitude {
				if err := a.Driver.Connect(ivt, 0, mag, 0); err != nil {
					return err
				}
				if err := writer.Properties().Set("point_arrays",
					[]string{mag.Properties().GetString("output_variable")}); err != nil {
					return err
				}
				terminal = mag
			} else if err := writer.Properties().Set("point_arrays",
				[]string{"ivt_u", "ivt_v"}); err != nil {
				return err
			}
			if err := a.Driver.Connect(terminal, 0, writer, 0); err != nil {
				return err
			}

			exec, err := buildExecutive(a, &f)
			if err != nil {
				return err
			}
			ctx, cancel := a.SignalContext()
			defer cancel()
			return a.Driver.Run(ctx, exec, writer, 0)
		},
	}
	addBasicFlags(cmd, &f)
	cmd.Flags().BoolVar(&computeIVT, "compute_ivt", false,
		"write the IVT vector components")
	cmd.Flags().BoolVar(&computeMagnitude, "compute_ivt_magnitude", false,
		"write the IVT magnitude")
	applyAdvanced = bindStageFlags(cmd.Flags(), reader, ivt, mag)

	rootCmd.AddCommand(cmd)
}
