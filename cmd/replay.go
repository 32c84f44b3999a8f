package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/treelet-sim/treelet-sim/cloud/bvh"
	"github.com/treelet-sim/treelet-sim/cloud/trace"
)

var (
	replayCfg   = trace.DefaultReplayConfig()
	replayImage string // Optional output image
)

var replayCmd = &cobra.Command{
	Use:   "replay <scene-data> <camera-rays> <out-prefix> [start-pathid end-pathid]",
	Short: "Trace camera rays on one machine and log a timed task graph per path",
	Long: "Writes <out-prefix>trace_per_path.txt and <out-prefix>node_cnt_for_treelet.txt. " +
		"An optional inclusive path id range limits which paths are replayed.",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 3 && len(args) != 5 {
			return fmt.Errorf("expected 3 or 5 arguments, got %d", len(args))
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		cfg := replayCfg
		if len(args) == 5 {
			start, end, err := parsePathRange(args[3], args[4])
			if err != nil {
				logrus.Fatalf("replay: %v", err)
			}
			cfg.Filter, cfg.StartPath, cfg.EndPath = true, start, end
		}
		if err := runReplay(args[0], args[1], args[2], cfg, replayImage, os.Stdout); err != nil {
			logrus.Fatalf("replay: %v", err)
		}
	},
}

func parsePathRange(startArg, endArg string) (uint64, uint64, error) {
	start, err := strconv.ParseUint(startArg, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("start path id: %w", err)
	}
	end, err := strconv.ParseUint(endArg, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("end path id: %w", err)
	}
	return start, end, nil
}

func runReplay(scenePath, raysPath, outPrefix string, cfg trace.ReplayConfig, image string, out io.Writer) error {
	mgr, sc, err := openScene(scenePath)
	if err != nil {
		return err
	}
	defer mgr.Close()
	treelets, err := mgr.TreeletCount()
	if err != nil {
		return err
	}

	f, err := os.Open(raysPath)
	if err != nil {
		return err
	}
	rays, err := trace.ReadRays(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("reading %s: %w", raysPath, err)
	}

	r, err := trace.NewReplayer(cfg, bvh.New(mgr), sc.Shader())
	if err != nil {
		return err
	}
	res, err := r.Replay(treelets, rays)
	if err != nil {
		return err
	}

	if err := writeFile(outPrefix+"node_cnt_for_treelet.txt", func(w io.Writer) error {
		return trace.WriteNodeCounts(w, res.NodeCounts)
	}); err != nil {
		return err
	}
	if err := writeFile(outPrefix+"trace_per_path.txt", func(w io.Writer) error {
		_, err := res.Trace.WriteTo(w)
		return err
	}); err != nil {
		return err
	}

	s := trace.Summarize(res.Trace)
	fmt.Fprintf(out, "Paths: %d\nSteps: %d\nLongest path: %d\nTreelet switches: %d\n",
		s.Paths, s.Edges, s.MaxPathLength, s.TreeletSwitches)
	fmt.Fprintf(out, "Trace: %d steps, mean %.0f ns, p50 %.0f ns, p99 %.0f ns, %.1f nodes/step\n",
		s.Trace.Count, s.Trace.MeanNS, s.Trace.P50NS, s.Trace.P99NS, s.Trace.MeanNodesVisited)
	fmt.Fprintf(out, "Shade: %d steps, mean %.0f ns, p50 %.0f ns, p99 %.0f ns\n",
		s.Shade.Count, s.Shade.MeanNS, s.Shade.P50NS, s.Shade.P99NS)

	if image != "" {
		film := sc.Film()
		for _, smp := range res.Samples {
			film.AddSample(smp)
		}
		return film.WriteImage(image)
	}
	return nil
}

// writeFile creates path and hands it to fill, reporting the first error.
func writeFile(path string, fill func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	if err := fill(f); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func init() {
	replayCmd.Flags().IntVar(&replayCfg.TraceRepeats, "trace-repeats", trace.DefaultTraceRepeats, "Timing runs per trace step (fastest is kept)")
	replayCmd.Flags().IntVar(&replayCfg.ShadeRepeats, "shade-repeats", trace.DefaultShadeRepeats, "Timing runs per shade step (fastest is kept)")
	replayCmd.Flags().StringVar(&replayImage, "image", "", "Write the rendered image (.png, .tif)")
	rootCmd.AddCommand(replayCmd)
}
