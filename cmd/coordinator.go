package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/treelet-sim/treelet-sim/cloud/coordinator"
)

var (
	coordListen  string // Worker listen address
	coordMetrics string // Prometheus listen address
	coordWorkers int    // Workers to wait for
	coordImage   string // Output image
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator <scene-data>",
	Short: "Run the coordinator of a distributed render",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		fc, err := LoadConfig(configPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		cfg := fc.Coordinator
		// Flags override the file only when given explicitly.
		if cmd.Flags().Changed("listen") {
			cfg.Listen = coordListen
		}
		if cmd.Flags().Changed("metrics-listen") {
			cfg.MetricsListen = coordMetrics
		}
		if cmd.Flags().Changed("workers") {
			cfg.Workers = coordWorkers
		}
		if err := runCoordinator(args[0], cfg, coordImage); err != nil {
			logrus.Fatalf("coordinator: %v", err)
		}
	},
}

func runCoordinator(scenePath string, cfg coordinator.Config, image string) error {
	mgr, sc, err := openScene(scenePath)
	if err != nil {
		return err
	}
	defer mgr.Close()
	c, err := coordinator.New(cfg, sc, mgr)
	if err != nil {
		return err
	}
	if err := c.Listen(); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	film, err := c.Run(ctx)
	if err != nil {
		return err
	}
	return film.WriteImage(image)
}

func init() {
	def := coordinator.DefaultConfig()
	coordinatorCmd.Flags().StringVar(&coordListen, "listen", def.Listen, "Address workers connect to")
	coordinatorCmd.Flags().StringVar(&coordMetrics, "metrics-listen", "", "Serve Prometheus metrics on this address")
	coordinatorCmd.Flags().IntVar(&coordWorkers, "workers", def.Workers, "Workers to wait for before scheduling")
	coordinatorCmd.Flags().StringVar(&coordImage, "out", "render.png", "Output image (.png, .tif)")
	rootCmd.AddCommand(coordinatorCmd)
}
