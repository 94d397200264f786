// MergeSplit network simulator.
//
// Usage:
//
//	mergesplitd [flags] <input_file> <output_root>
//
// It parses an input bundle of communities, drives one worker per
// community until the transaction pools quiesce, prints a run summary,
// and writes every forger's longest chain under the output root.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/forgenet/mergesplit/config"
	"github.com/forgenet/mergesplit/internal/consensus"
	klog "github.com/forgenet/mergesplit/internal/log"
	"github.com/forgenet/mergesplit/internal/sim"
)

func main() {
	cfg := config.Default()

	seed := flag.Uint64("seed", cfg.Seed, "RNG seed for a reproducible run")
	fee := flag.Uint64("fee", cfg.MergeSplitFee, "merge/split proposer fee")
	timeout := flag.Duration("timeout", cfg.RequestTimeout, "proposal pacing timeout")
	threshold := flag.Float64("threshold", cfg.PredictionThreshold, "oracle prediction threshold")
	logLevel := flag.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "log as JSON instead of colored console output")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <input_file> <output_root>\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	inputFile, outputRoot := flag.Arg(0), flag.Arg(1)

	cfg.Seed = *seed
	cfg.MergeSplitFee = *fee
	cfg.RequestTimeout = *timeout
	cfg.PredictionThreshold = *threshold
	cfg.LogLevel = *logLevel
	cfg.LogJSON = *logJSON

	klog.Init(cfg.LogLevel, cfg.LogJSON)
	logger := klog.WithComponent("main")

	driver, err := sim.NewDriver(cfg, consensus.StaticOracle{Score: 1}, inputFile)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load input bundle")
		os.Exit(1)
	}

	start := time.Now()
	if err := driver.Simulate(context.Background()); err != nil {
		logger.Error().Err(err).Msg("simulation failed")
		os.Exit(1)
	}
	logger.Info().Dur("elapsed", time.Since(start)).Msg("simulation quiesced")

	driver.Report(os.Stdout)

	if err := driver.WriteOutputs(outputRoot); err != nil {
		logger.Error().Err(err).Msg("failed to write chain logs")
		os.Exit(1)
	}
}
