package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"meshflow/internal/app"
	"meshflow/internal/config"
	"meshflow/internal/pipeline"
	"meshflow/internal/stages"
	"meshflow/pkg/comm"
)

// basicFlags are the options every pipeline command shares.
type basicFlags struct {
	configFile string
	inputRegex string
	inputFiles []string
	outputFile string
	firstStep  int64
	lastStep   int64
	startDate  string
	endDate    string
	arrays     []string
	bounds     []float64
	nThreads   int
	verbose    bool
}

func addBasicFlags(cmd *cobra.Command, f *basicFlags) {
	fs := cmd.Flags()
	fs.StringVar(&f.configFile, "config", "", "path to the configuration file")
	fs.StringVar(&f.inputRegex, "input_regex", "", "directory/regex selecting the input files")
	fs.StringSliceVar(&f.inputFiles, "input_file", nil, "explicit input file, repeatable")
	fs.StringVar(&f.outputFile, "output_file", "", "output path, %t% interpolates the work index")
	fs.Int64Var(&f.firstStep, "first_step", 0, "first time step to process")
	fs.Int64Var(&f.lastStep, "last_step", -1, "last time step to process, -1 for the end")
	fs.StringVar(&f.startDate, "start_date", "", "first date to process (YYYY-MM-DD)")
	fs.StringVar(&f.endDate, "end_date", "", "last date to process (YYYY-MM-DD)")
	fs.StringSliceVar(&f.arrays, "arrays", nil, "arrays to request from the pipeline")
	fs.Float64SliceVar(&f.bounds, "bounds", nil, "coordinate bounds x0,x1,y0,y1,z0,z1")
	fs.IntVar(&f.nThreads, "n_threads", -1, "per-stage threads, -1 for hardware concurrency")
	fs.BoolVar(&f.verbose, "verbose", false, "debug logging")
}

// buildApp loads the configuration and builds the shared application core.
func buildApp(f *basicFlags) (*app.App, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, err
	}
	if f.verbose {
		cfg.App.LogLevel = "debug"
	}
	if f.nThreads != 0 {
		cfg.Pipeline.PoolSize = f.nThreads
	}
	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}
	a.StartServer()
	return a, nil
}

// configureReader applies the basic input flags to the CF reader.
func configureReader(a *app.App, r *stages.CFReader, f *basicFlags) error {
	if f.inputRegex != "" && len(f.inputFiles) > 0 {
		return fmt.Errorf("--input_regex and --input_file are mutually exclusive")
	}
	if f.inputRegex == "" && len(f.inputFiles) == 0 {
		return fmt.Errorf("one of --input_regex or --input_file is required")
	}
	props := r.Properties()
	if f.inputRegex != "" {
		if err := props.Set("files_regex", f.inputRegex); err != nil {
			return err
		}
	}
	if len(f.inputFiles) > 0 {
		if err := props.Set("file_names", f.inputFiles); err != nil {
			return err
		}
	}
	if d := a.Config.Pipeline.MetadataCacheDir; d != "" {
		if err := props.Set("metadata_cache_dir", d); err != nil {
			return err
		}
	}
	return props.Set("thread_pool_size", int64(a.Config.Pipeline.PoolSize))
}

// buildExecutive configures the executive from the basic flags.
func buildExecutive(a *app.App, f *basicFlags) (*pipeline.Executive, error) {
	e := pipeline.NewExecutive(comm.NewSelf(), a.Logger)
	e.FirstStep = f.firstStep
	e.LastStep = f.lastStep
	e.StartDate = f.startDate
	e.EndDate = f.endDate
	e.Arrays = f.arrays
	if len(f.bounds) > 0 {
		if len(f.bounds) != 6 {
			return nil, fmt.Errorf("--bounds needs 6 values, got %d", len(f.bounds))
		}
		e.Bounds = f.bounds
	}
	return e, nil
}

// bindStageFlags registers the advanced --stage.prop flags for every stage
// and returns the apply closure running after parsing.
func bindStageFlags(fs *pflag.FlagSet, algs ...pipeline.Algorithm) func() error {
	var appliers []func() error
	for _, alg := range algs {
		appliers = append(appliers, alg.Properties().BindFlags(alg.Name(), fs))
	}
	return func() error {
		for _, apply := range appliers {
			if err := apply(); err != nil {
				return err
			}
		}
		return nil
	}
}

// describeStages renders the property tables, used by the info command.
func describeStages(algs ...pipeline.Algorithm) string {
	var b strings.Builder
	for _, alg := range algs {
		fmt.Fprintf(&b, "%s:\n", alg.Name())
		for _, s := range alg.Properties().Specs() {
			fmt.Fprintf(&b, "  %-28s %v\n      %s\n", s.Name, s.Default, s.Description)
		}
	}
	return b.String()
}
