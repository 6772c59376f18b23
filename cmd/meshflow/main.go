// Command meshflow runs the climate analysis pipelines: IVT computation,
// atmospheric river detection and temporal reduction over CF NetCDF inputs.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meshflow",
	Short: "Parallel analysis pipelines for gridded climate data",
	Long: `meshflow drives demand-driven analysis pipelines over CF-convention
NetCDF datasets: integrated vapor transport, atmospheric river detection
and temporal reductions, in parallel within and across ranks.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
