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
	var showProps bool
	var applyAdvanced func() error

	logger := logrus.New()
	reader := stages.NewCFReader(logger, nil, nil)

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Report the metadata of an input set",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showProps {
				l := logrus.New()
				fmt.Print(describeStages(
					stages.NewCFReader(l, nil, nil),
					stages.NewVorticity(l),
					stages.NewVerticalIntegral(l),
					stages.NewIVT(l),
					stages.NewIVTMagnitude(l),
					stages.NewARDetect(l),
					stages.NewTemporalReduction(l),
					stages.NewCFWriter(l),
					stages.NewDumpWriter(l),
					stages.NewCSVWriter(l),
				))
				return nil
			}
			a, err := buildApp(&f)
			if err != nil {
				return err
			}
			defer a.Shutdown()
			reader.SetLogger(a.Logger)
			if err := applyAdvanced(); err != nil {
				return err
			}
			if err := configureReader(a, reader, &f); err != nil {
				return err
			}

			ctx, cancel := a.SignalContext()
			defer cancel()
			md, err := a.Driver.Report(ctx, reader, 0)
			if err != nil {
				return err
			}
			vars, _ := md.GetStringSlice(stages.KeyVariables)
			steps, _ := md.GetInt64(stages.KeyNumTimeSteps)
			files, _ := md.GetStringSlice(stages.KeyFiles)
			whole, _ := md.GetUint64Slice(stages.KeyWholeExtent)
			bounds, _ := md.GetFloat64Slice(pipeline.KeyBounds)
			fmt.Printf("files:        %d\n", len(files))
			fmt.Printf("time steps:   %d\n", steps)
			fmt.Printf("whole extent: %v\n", whole)
			fmt.Printf("bounds:       %v\n", bounds)
			fmt.Printf("variables:    %v\n", vars)
			if coords, ok := md.GetMetadata(pipeline.KeyCoordinates); ok {
				units, _ := coords.GetString(pipeline.KeyTimeUnits)
				cal, _ := coords.GetString(pipeline.KeyTimeCalendar)
				fmt.Printf("time units:   %s (%s)\n", units, cal)
			}
			return nil
		},
	}
	addBasicFlags(cmd, &f)
	cmd.Flags().BoolVar(&showProps, "properties", false,
		"list every stage's properties and exit")
	applyAdvanced = bindStageFlags(cmd.Flags(), reader)

	rootCmd.AddCommand(cmd)
}
