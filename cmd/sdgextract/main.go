// sdgextract reads a generator output file, applies the privacy test
// (plausible deniability, optionally with differential privacy), and
// writes the released synthetic set.
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/synth-engine/internal/config"
	"github.com/rawblock/synth-engine/internal/dataset"
	"github.com/rawblock/synth-engine/internal/db"
	"github.com/rawblock/synth-engine/internal/extract"
	"github.com/rawblock/synth-engine/internal/metadata"
	"github.com/rawblock/synth-engine/internal/rng"
	"github.com/rawblock/synth-engine/internal/rtm"
)

func usage() {
	fmt.Println("Usage: (1) sdgextract <cfg_file> <gen_out_file> <output_file_prefix> [<k>]")
	fmt.Println("\tor")
	fmt.Println("\t(2) sdgextract <cfg_file> <gen_out_file> <output_file_prefix> [<num_synthetics> <k> <eps0> <tinc>]")
	fmt.Println("\tor")
	fmt.Println("\t(3) sdgextract <cfg_file> <gen_out_file> <output_file_prefix> [<num_synthetics> <lambda> <max_eps>]")
	fmt.Println()
	fmt.Println("Example: sdgextract workdir/sb.conf workdir/gen/8127.out workdir/extracted_data 50")
	fmt.Println("\tor")
	fmt.Println("\tsdgextract workdir/sb.conf workdir/gen/8127.out workdir/extracted_data 100 500 0.1 25")
	fmt.Println("\tor")
	fmt.Println("\tsdgextract workdir/sb.conf workdir/gen/8127.out workdir/extracted_data 100 60 1.0")
	os.Exit(-1)
}

func main() {
	if len(os.Args) < 5 {
		usage()
	}
	start := time.Now()

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config file: %s (%v), exiting...\n", os.Args[1], err)
		os.Exit(-1)
	}
	closeLog, err := cfg.InitLogging()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot initialize logging: %v, exiting...\n", err)
		os.Exit(-1)
	}
	defer closeLog()
	cfg.Print()

	pid := os.Getpid()
	log.Printf("Running (pid: %d) on %s in %s (mech: %s)", pid, cfg.DataPrefix, cfg.Workdir, cfg.Mechanism)

	r := seedRNG(cfg)
	rt := rtm.New()

	genOutFP := os.Args[2]
	outPrefix := os.Args[3]

	params, err := extract.ParseArgs(os.Args[4:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v, exiting...\n", err)
		os.Exit(-1)
	}

	synthData, err := dataset.LoadSynthSet(genOutFP, cfg.Attrs)
	if err != nil {
		log.Printf("Couldn't load synthetic dataset from file %s: %v, exiting...", genOutFP, err)
		os.Exit(-1)
	}

	meta, err := metadata.Load(cfg.DataPrefix, cfg.Budget, false)
	if err != nil {
		log.Printf("Failed to load metadata: %v, exiting...", err)
		os.Exit(-1)
	}

	passCount, err := params.Run(cfg, meta, r, synthData, outPrefix)
	if err != nil {
		log.Printf("Extraction failed: %v, exiting...", err)
		os.Exit(-1)
	}

	et := time.Since(start).Seconds()

	// Optional run history.
	if cfg.DBURL != "" {
		if store, cerr := db.Connect(cfg.DBURL); cerr != nil {
			log.Printf("Warning: failed to connect to PostgreSQL, continuing without run history. Error: %v", cerr)
		} else {
			ctx := context.Background()
			runID := uuid.New()
			if err := store.InitSchema(ctx); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
			if err := store.StartRun(ctx, db.Run{
				ID:        runID,
				Kind:      "extract",
				Mechanism: cfg.Mechanism,
				Params: map[string]any{
					"k":      params.K,
					"count":  params.OutputCount,
					"eps0":   params.Eps0,
					"lambda": params.Lambda,
					"maxeps": params.MaxEps,
					"withdp": params.WithDP,
				},
			}); err != nil {
				log.Printf("Warning: failed to record run start: %v", err)
			} else if err := store.FinishRun(ctx, runID, int64(synthData.Size()), int64(passCount), et); err != nil {
				log.Printf("Warning: failed to record run finish: %v", err)
			}
			store.Close()
		}
	}

	rt.DumpToLog()
	log.Printf("All done in %v seconds.", math.Ceil(100*et)/100.0)
}

func seedRNG(cfg *config.Config) *rng.RNG {
	if cfg.RNGSeed == 0 {
		log.Println("[RNG] No seed (or 0 -- invalid) specified, using a random seed from the underlying RNG.")
		return rng.New(rng.DeriveProcessSeed())
	}
	log.Printf("[RNG] Seed specified to be %d.", cfg.RNGSeed)
	return rng.New(cfg.RNGSeed)
}
