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
	reduce := stages.NewTemporalReduction(logger)

	cmd := &cobra.Command{
		Use:   "temporal-reduction",
		Short: "Reduce fields over time intervals",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.outputFile == "" {
				return fmt.Errorf("--output_file is required")
			}
			if len(f.arrays) == 0 &&
				len(reduce.Properties().GetStringList("point_arrays")) == 0 {
				return fmt.Errorf("--arrays or --temporal_reduction.point_arrays is required")
			}
			a, err := buildApp(&f)
			if err != nil {
				return err
			}
			defer a.Shutdown()
			reader.SetLogger(a.Logger)
			reduce.SetLogger(a.Logger)

			if err := applyAdvanced(); err != nil {
				return err
			}
			if err := configureReader(a, reader, &f); err != nil {
				return err
			}
			if len(reduce.Properties().GetStringList("point_arrays")) == 0 {
				if err := reduce.Properties().Set("point_arrays", f.arrays); err != nil {
					return err
				}
			}

			writer := stages.NewCFWriter(a.Logger)
			if err := writer.Properties().Set("file_name", f.outputFile); err != nil {
				return err
			}
			if err := a.Driver.Connect(reader, 0, reduce, 0); err != nil {
				return err
			}
			if err := a.Driver.Connect(reduce, 0, writer, 0); err != nil {
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
	applyAdvanced = bindStageFlags(cmd.Flags(), reader, reduce)

	rootCmd.AddCommand(cmd)
}
