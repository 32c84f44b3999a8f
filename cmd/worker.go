package cmd

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/treelet-sim/treelet-sim/cloud/bvh"
	"github.com/treelet-sim/treelet-sim/cloud/wire"
	"github.com/treelet-sim/treelet-sim/cloud/worker"
)

var (
	workerCoord      string        // Coordinator address
	workerMaxBag     int           // Max bag size in bytes
	workerStatsEvery time.Duration // Stats report interval
)

var workerCmd = &cobra.Command{
	Use:   "worker <scene-data>",
	Short: "Join a coordinator and trace rays for the treelets it assigns",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		fc, err := LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		cfg := fc.Worker
		if cmd.Flags().Changed("coordinator") {
			cfg.Coordinator = workerCoord
		}
		if cmd.Flags().Changed("max-bag-size") {
			cfg.MaxBagSize = workerMaxBag
		}
		if cmd.Flags().Changed("stats-interval") {
			cfg.StatsInterval = workerStatsEvery
		}
		if err := runWorker(args[0], cfg); err != nil {
			logrus.Fatalf("worker: %v", err)
		}
	},
}

func runWorker(scenePath string, cfg WorkerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	mgr, sc, err := openScene(scenePath)
	if err != nil {
		return err
	}
	defer mgr.Close()
	ctx, cancel := signalContext()
	defer cancel()
	conn, err := wire.Dial(ctx, cfg.Coordinator, 0)
	if err != nil {
		return err
	}
	w := worker.New(conn, bvh.New(mgr), sc, worker.Config{MaxBagSize: cfg.MaxBagSize, StatsInterval: cfg.StatsInterval})
	return w.Run(ctx)
}

func init() {
	def := DefaultFileConfig().Worker
	workerCmd.Flags().StringVar(&workerCoord, "coordinator", def.Coordinator, "Coordinator address")
	workerCmd.Flags().IntVar(&workerMaxBag, "max-bag-size", worker.DefaultMaxBagSize, "Maximum encoded bag size in bytes")
	workerCmd.Flags().DurationVar(&workerStatsEvery, "stats-interval", def.StatsInterval, "Interval between stats reports (0 disables)")
	rootCmd.AddCommand(workerCmd)
}
