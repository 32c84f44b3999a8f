package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/bvh"
	"github.com/treelet-sim/treelet-sim/cloud/netsim"
)

var (
	simWorkers   int    // Simulated workers
	simBandwidth uint64 // Bytes per second per worker
	simLatency   int64  // One-way latency in ms
	simMaxRays   int    // Per-worker ray budget
	simSeed      int64  // Routing seed
	simMapping   string // Treelet placement file
	simCSV       string // Per-ms stats output
	simImage     string // Optional output image
)

var simulateCmd = &cobra.Command{
	Use:   "simulate <scene-data>",
	Short: "Simulate a distributed render over a modelled network",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		fc, err := LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		cfg := fc.Simulate
		if cmd.Flags().Changed("workers") {
			cfg.Workers = simWorkers
		}
		if cmd.Flags().Changed("bandwidth") {
			cfg.Bandwidth = simBandwidth
		}
		if cmd.Flags().Changed("latency") {
			cfg.LatencyMS = simLatency
		}
		if cmd.Flags().Changed("max-rays") {
			cfg.MaxRays = simMaxRays
		}
		if cmd.Flags().Changed("seed") {
			cfg.Seed = simSeed
		}
		if cmd.Flags().Changed("mapping") {
			cfg.MappingFile = simMapping
		}
		if err := runSimulate(args[0], cfg, simCSV, simImage, os.Stdout); err != nil {
			logrus.Fatalf("simulate: %v", err)
		}
	},
}

func loadMapping(cfg netsim.Config, treelets int) ([][]cloud.TreeletID, error) {
	if cfg.MappingFile == "" {
		return netsim.RoundRobinMapping(cfg.Workers, treelets), nil
	}
	f, err := os.Open(cfg.MappingFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return netsim.LoadMapping(f)
}

func runSimulate(scenePath string, cfg netsim.Config, csvPath, image string, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	mgr, sc, err := openScene(scenePath)
	if err != nil {
		return err
	}
	defer mgr.Close()
	treelets, err := mgr.TreeletCount()
	if err != nil {
		return err
	}
	mapping, err := loadMapping(cfg, treelets)
	if err != nil {
		return fmt.Errorf("treelet mapping: %w", err)
	}
	s, err := netsim.New(cfg, bvh.New(mgr), sc, mapping, treelets)
	if err != nil {
		return err
	}

	var totals netsim.Totals
	if csvPath != "" {
		err = writeFile(csvPath, func(w io.Writer) error {
			var rerr error
			totals, rerr = s.Run(w)
			return rerr
		})
	} else {
		totals, err = s.Run(nil)
	}
	if err != nil {
		return err
	}
	if err := netsim.WriteSummary(out, totals, s.Series(), cfg.Workers, cfg.Bandwidth); err != nil {
		return err
	}
	if image != "" {
		return s.Film().WriteImage(image)
	}
	return nil
}

func init() {
	def := netsim.DefaultConfig()
	f := simulateCmd.Flags()
	f.IntVar(&simWorkers, "workers", def.Workers, "Number of simulated workers")
	f.Uint64Var(&simBandwidth, "bandwidth", def.Bandwidth, "Per-worker bandwidth in bytes/s, each direction")
	f.Int64Var(&simLatency, "latency", def.LatencyMS, "One-way latency in ms")
	f.IntVar(&simMaxRays, "max-rays", def.MaxRays, "Per-worker ray budget")
	f.Int64Var(&simSeed, "seed", def.Seed, "Seed for ray routing")
	f.StringVar(&simMapping, "mapping", "", "Treelet placement file (default round-robin)")
	f.StringVar(&simCSV, "csv", "", "Write per-millisecond stats CSV")
	f.StringVar(&simImage, "image", "", "Write the rendered image (.png, .tif)")
	rootCmd.AddCommand(simulateCmd)
}
