package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/treelet-sim/treelet-sim/cloud"
	"github.com/treelet-sim/treelet-sim/cloud/bvh"
	"github.com/treelet-sim/treelet-sim/cloud/render"
	"github.com/treelet-sim/treelet-sim/cloud/scenegen"
	"github.com/treelet-sim/treelet-sim/cloud/storage"
	"github.com/treelet-sim/treelet-sim/cloud/trace"
)

var (
	sceneOpts   = scenegen.DefaultOptions()
	raysPerBag  int    // Continuations per bag in a camera-ray file
	fetchBucket string // Remote bucket holding the scene
)

var sceneCmd = &cobra.Command{
	Use:   "scene",
	Short: "Build, fetch and inspect scene data",
}

var sceneBuildCmd = &cobra.Command{
	Use:   "build <scene-data>",
	Short: "Generate a procedural scene and write it as treelets",
	Long:  "Writes to a directory, or to a bbolt database when the path ends in .db.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		if _, err := buildScene(args[0], sceneOpts); err != nil {
			logrus.Fatalf("scene build: %v", err)
		}
	},
}

var sceneGenRaysCmd = &cobra.Command{
	Use:   "gen-rays <scene-data> <camera-rays>",
	Short: "Write every camera ray of a scene to a ray-bag file",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		if _, err := genRays(args[0], args[1], raysPerBag); err != nil {
			logrus.Fatalf("scene gen-rays: %v", err)
		}
	},
}

var sceneFetchCmd = &cobra.Command{
	Use:   "fetch <base-url> <scene-data>",
	Short: "Download a scene from an HTTP object store",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		ctx, cancel := signalContext()
		defer cancel()
		if _, err := fetchScene(ctx, args[0], fetchBucket, args[1]); err != nil {
			logrus.Fatalf("scene fetch: %v", err)
		}
	},
}

func buildScene(path string, opts scenegen.Options) (bvh.BuildStats, error) {
	if err := opts.Validate(); err != nil {
		return bvh.BuildStats{}, err
	}
	mgr, err := storage.Open(path)
	if err != nil {
		return bvh.BuildStats{}, err
	}
	defer mgr.Close()
	return scenegen.Write(mgr, opts)
}

func openScene(path string) (*storage.SceneManager, *render.Scene, error) {
	mgr, err := storage.Open(path)
	if err != nil {
		return nil, nil, err
	}
	sc, err := render.LoadScene(mgr)
	if err != nil {
		mgr.Close()
		return nil, nil, fmt.Errorf("loading scene from %s: %w", path, err)
	}
	return mgr, sc, nil
}

func genRays(scenePath, out string, perBag int) (int, error) {
	mgr, sc, err := openScene(scenePath)
	if err != nil {
		return 0, err
	}
	defer mgr.Close()
	var rays []*cloud.RayState
	render.GenerateCameraRays(sc.Camera, sc.Sampler, sc.Camera.SampleBounds(), sc.MaxBounces,
		func(rs *cloud.RayState) { rays = append(rays, rs) })
	var buf bytes.Buffer
	if err := trace.WriteRays(&buf, rays, perBag); err != nil {
		return 0, err
	}
	if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("writing %s: %w", out, err)
	}
	logrus.Infof("wrote %d camera rays to %s", len(rays), out)
	return len(rays), nil
}

func fetchScene(ctx context.Context, baseURL, bucket, path string) (int, error) {
	mgr, err := storage.Open(path)
	if err != nil {
		return 0, err
	}
	defer mgr.Close()
	n, err := storage.Hydrate(ctx, storage.NewFetcher(baseURL), bucket, mgr.Backend())
	if err != nil {
		return n, err
	}
	logrus.Infof("fetched %d objects into %s", n, path)
	return n, nil
}

func init() {
	f := sceneBuildCmd.Flags()
	f.IntVar(&sceneOpts.Width, "width", sceneOpts.Width, "Image width in pixels")
	f.IntVar(&sceneOpts.Height, "height", sceneOpts.Height, "Image height in pixels")
	f.Uint32Var(&sceneOpts.SPP, "spp", sceneOpts.SPP, "Samples per pixel")
	f.Int64Var(&sceneOpts.Seed, "seed", sceneOpts.Seed, "Seed for scene layout")
	f.IntVar(&sceneOpts.Boxes, "boxes", sceneOpts.Boxes, "Number of boxes")
	f.IntVar(&sceneOpts.Instances, "instances", sceneOpts.Instances, "Number of instanced objects")
	f.Uint8Var(&sceneOpts.MaxBounces, "bounces", sceneOpts.MaxBounces, "Maximum bounces per path")
	f.IntVar(&sceneOpts.Build.MaxTreeletNodes, "max-treelet-nodes", sceneOpts.Build.MaxTreeletNodes, "Node budget per treelet")
	f.IntVar(&sceneOpts.Build.LeafSize, "leaf-size", sceneOpts.Build.LeafSize, "Primitives per leaf")

	sceneGenRaysCmd.Flags().IntVar(&raysPerBag, "rays-per-bag", 4096, "Continuations per bag")
	sceneFetchCmd.Flags().StringVar(&fetchBucket, "bucket", "scene", "Bucket holding the scene objects")

	sceneCmd.AddCommand(sceneBuildCmd, sceneGenRaysCmd, sceneFetchCmd)
	rootCmd.AddCommand(sceneCmd)
}
