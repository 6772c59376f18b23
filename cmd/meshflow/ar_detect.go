package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"meshflow/internal/stages"
)

func init() {
	var f basicFlags
	var applyAdvanced func() error

	logger := logrus.New()
	reader := stages.NewCFReader(logger, nil, nil)
	ivt := stages.NewIVT(logger)
	mag := stages.NewIVTMagnitude(logger)
	detect := stages.NewARDetect(logger)

	cmd := &cobra.Command{
		Use:   "ar-detect",
		Short: "Detect atmospheric rivers in the IVT field",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			detect.SetLogger(a.Logger)

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
			if err := writer.Properties().Set("point_arrays",
				[]string{detect.Properties().GetString("output_variable")}); err != nil {
				return err
			}
			if err := a.Driver.Connect(reader, 0, ivt, 0); err != nil {
				return err
			}
			if err := a.Driver.Connect(ivt, 0, mag, 0); err != nil {
				return err
			}
			if err := a.Driver.Connect(mag, 0, detect, 0); err != nil {
				return err
			}
			if err := a.Driver.Connect(detect, 0, writer, 0); err != nil {
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
	applyAdvanced = bindStageFlags(cmd.Flags(), reader, ivt, mag, detect)

	rootCmd.AddCommand(cmd)
}
