package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"lungseg/internal/models"
	"lungseg/internal/rawio"
	"lungseg/pkg/config"
	"lungseg/pkg/metrics"
	"lungseg/pkg/segmentation"
	"lungseg/pkg/visualization"
)

// exitInterrupted is the conventional status for a run stopped by SIGINT
const exitInterrupted = 130

func main() {
	// Parse command line arguments
	inputPath := flag.String("input", "", "Raw byte volume to segment (.zst for zstd-compressed)")
	outputPath := flag.String("output", "segmented.raw", "Output volume (.zst for zstd-compressed)")
	dimsFlag := flag.String("dims", "", "Volume dimensions as XxYxZ, e.g. 512x512x300")
	configPath := flag.String("config", "lungseg.yaml", "YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write the default configuration to -config and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	noVessels := flag.Bool("no-vessels", false, "Discard bright structures not connected to the lung fill")
	saveIntermediary := flag.Bool("save-intermediary", false, "Save a slice after every pipeline stage")
	extractSlices := flag.Bool("extract-slices", false, "Extract and save segmented slices along all axes")
	slicesDir := flag.String("slices-dir", "", "Directory to save extracted slices (overrides config)")
	referencePath := flag.String("reference", "", "Reference mask with the same dimensions to compare against")
	tick := flag.Duration("tick", 0, "Interval between pipeline steps (0 runs them back to back)")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputPath == "" || *dimsFlag == "" {
		flag.Usage()
		os.Exit(1)
	}
	dims, err := parseDims(*dimsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -dims: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command line flags override the file
	if *debug {
		cfg.Logging.Debug = true
	}
	if *noVessels {
		cfg.Segmentation.PreserveVessels = false
	}
	if *saveIntermediary {
		cfg.Output.SaveIntermediaryResults = true
	}
	if *extractSlices {
		cfg.Output.ExtractSlices = true
	}
	if *slicesDir != "" {
		cfg.Output.SlicesDir = *slicesDir
	}

	logger := initLogger(cfg.Logging.Debug)

	params, err := cfg.Params()
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}
	params.Logger = logger
	params.Progress = func(stage segmentation.Stage, completed, total int) {
		logger.WithFields(logrus.Fields{
			"stage":    stage.String(),
			"progress": fmt.Sprintf("%d/%d", completed, total),
		}).Info("Stage complete")
	}

	vol, err := rawio.ReadVolume(*inputPath, dims)
	if err != nil {
		logger.Fatalf("Failed to read input volume: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"input": *inputPath,
		"dims":  dims.String(),
	}).Info("Volume loaded")

	pipeline, err := segmentation.New(vol, params)
	if err != nil {
		logger.Fatalf("Failed to create pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startTime := time.Now()
	if err := drive(ctx, pipeline, *tick); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.WithField("stage", pipeline.Stage().String()).Warn("Segmentation interrupted")
			stop()
			os.Exit(exitInterrupted)
		}
		logger.Fatalf("Segmentation failed: %v", err)
	}
	processingTime := time.Since(startTime)

	if err := rawio.WriteVolume(*outputPath, vol); err != nil {
		logger.Fatalf("Failed to write output volume: %v", err)
	}

	summary := pipeline.Summary()
	fmt.Printf("\nSegmentation completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Output volume saved to: %s\n\n", *outputPath)

	fmt.Printf("Segmentation Summary:\n")
	fmt.Printf("=====================\n")
	fmt.Printf("Central seed: %s\n", pipeline.Seed())
	fmt.Printf("Airway seed: %s (darkest %d)\n", pipeline.AirwayStart(), pipeline.AirwaySeed().MinIntensity)
	fmt.Printf("Lung voxels: %d\n", summary.LungVoxels)
	fmt.Printf("Shell voxels: %d\n", summary.ShellVoxels)
	fmt.Printf("Airway voxels: %d\n", summary.AirwayVoxels)
	fmt.Printf("Lung intensity: %.2f +/- %.2f\n", summary.MeanIntensity, summary.StdDevIntensity)

	if *referencePath != "" {
		reference, err := rawio.ReadVolume(*referencePath, dims)
		if err != nil {
			logger.Errorf("Failed to read reference mask: %v", err)
		} else if overlap, err := metrics.Compare(vol.Data, reference.Data, 1); err != nil {
			logger.Errorf("Failed to compare with reference: %v", err)
		} else {
			fmt.Printf("\nReference Comparison:\n")
			fmt.Printf("=====================\n")
			fmt.Printf("Dice: %.4f\n", overlap.Dice)
			fmt.Printf("Jaccard: %.4f\n", overlap.Jaccard)
			fmt.Printf("TP/FP/FN: %d/%d/%d\n", overlap.TruePositive, overlap.FalsePositive, overlap.FalseNegative)
		}
	}

	// Extract and save slices if requested
	if cfg.Output.ExtractSlices {
		format, _ := visualization.ParseFormat(cfg.Output.SliceFormat)
		viewer := visualization.NewViewer(vol, format)

		for _, axis := range []string{"x", "y", "z"} {
			axisDir := filepath.Join(cfg.Output.SlicesDir, axis)
			logger.WithField("dir", axisDir).Infof("Saving %s-axis slices", axis)

			if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
				logger.Warnf("Failed to save %s-axis slices: %v", axis, err)
			}
		}
	}

	if cfg.Output.SaveIntermediaryResults {
		fmt.Println("\nIntermediary results saved to:")
		fmt.Printf("%s\n", cfg.Output.IntermediaryDir)
	}
}

// initLogger configures logrus for the run
func initLogger(debugMode bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return logger
}

// drive runs one pipeline step per tick so other work can interleave
// between full-volume passes. A zero interval runs the steps back to back.
func drive(ctx context.Context, p *segmentation.Pipeline, interval time.Duration) error {
	if interval <= 0 {
		return p.Run(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !p.Done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Step(); err != nil {
				return err
			}
		}
	}
	return p.Err()
}

// parseDims reads "XxYxZ"
func parseDims(s string) (models.Dims, error) {
	parts := strings.Split(strings.ToLower(s), "x")
	if len(parts) != 3 {
		return models.Dims{}, fmt.Errorf("expected XxYxZ, got %q", s)
	}

	var n [3]int
	for i, part := range parts {
		if _, err := fmt.Sscanf(part, "%d", &n[i]); err != nil {
			return models.Dims{}, fmt.Errorf("bad extent %q: %w", part, err)
		}
	}

	dims := models.Dims{X: n[0], Y: n[1], Z: n[2]}
	if !dims.Valid() {
		return models.Dims{}, fmt.Errorf("dimensions must be positive, got %s", dims)
	}
	return dims, nil
}
