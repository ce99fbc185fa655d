// sdggen runs the synthesizer: it loads the preprocessed datasets,
// builds the configured generative model, and writes candidate triples
// to <workdir>/gen/<pid>.out.
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/synth-engine/internal/api"
	"github.com/rawblock/synth-engine/internal/config"
	"github.com/rawblock/synth-engine/internal/dataset"
	"github.com/rawblock/synth-engine/internal/db"
	"github.com/rawblock/synth-engine/internal/metadata"
	"github.com/rawblock/synth-engine/internal/model"
	"github.com/rawblock/synth-engine/internal/rng"
	"github.com/rawblock/synth-engine/internal/rtm"
	"github.com/rawblock/synth-engine/internal/synth"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: sdggen <cfg_file>")
		fmt.Println()
		fmt.Println("Example: sdggen workdir/sb.conf")
		os.Exit(-1)
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

	meta, err := metadata.Load(cfg.DataPrefix, cfg.Budget, true)
	if err != nil {
		log.Printf("Failed to load metadata: %v, exiting...", err)
		os.Exit(-1)
	}

	store := dataset.New(cfg.DataPrefix, cfg.Workdir, cfg.Attrs)
	if !store.OnDisk() {
		log.Println("Initialization not performed (run sdginit first)!")
		return
	}
	if err := store.Load(); err != nil {
		log.Printf("Could not load preprocessed data (try to re-run sdginit): %v", err)
		return
	}

	gen, params, err := buildModel(cfg, r, meta, rt, store)
	if err != nil {
		log.Printf("%v, exiting...", err)
		os.Exit(-1)
	}

	synthesizer, err := synth.New(store.Records, gen, r, rt)
	if err != nil {
		log.Printf("%v, exiting...", err)
		os.Exit(-1)
	}

	prog := synth.NewProgress()
	synthesizer.SetProgress(prog)

	runID := uuid.New()

	// Optional synthesis monitor: read-only, never touches the PRNG.
	if cfg.APIPort > 0 {
		hub := api.NewHub()
		mon := &api.Monitor{
			RunID:     runID.String(),
			Mechanism: cfg.Mechanism,
			Progress:  prog,
			RTM:       rt,
			Hub:       hub,
		}
		mon.Serve(cfg.APIPort)

		ticker := time.NewTicker(time.Second)
		done := make(chan struct{})
		defer func() {
			close(done)
			ticker.Stop()
		}()
		go func() {
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					hub.BroadcastProgress(runID.String(), prog.Snapshot())
				}
			}
		}()
	}

	// Optional run history. A missing database only costs the history.
	var dbStore *db.Store
	if cfg.DBURL != "" {
		dbStore, err = db.Connect(cfg.DBURL)
		if err != nil {
			log.Printf("Warning: failed to connect to PostgreSQL, continuing without run history. Error: %v", err)
			dbStore = nil
		} else {
			defer dbStore.Close()
			ctx := context.Background()
			if err := dbStore.InitSchema(ctx); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
			if err := dbStore.StartRun(ctx, db.Run{
				ID:        runID,
				Kind:      "gen",
				Mechanism: cfg.Mechanism,
				Params: map[string]any{
					"count":   params.Count,
					"gamma":   params.Gamma,
					"omega":   cfg.Omega,
					"budget":  cfg.Budget,
					"ndist":   cfg.NDist,
					"ncomp":   cfg.NComp,
					"rngseed": cfg.RNGSeed,
				},
			}); err != nil {
				log.Printf("Warning: failed to record run start: %v", err)
			}
		}
	}

	out, err := synth.NewFileOutputter(filepath.Join(cfg.Workdir, "gen"), pid)
	if err != nil {
		log.Printf("%v, exiting...", err)
		os.Exit(-1)
	}

	runErr := synthesizer.Run(params, out)
	if err := out.Close(); err != nil {
		log.Printf("%v, exiting...", err)
		os.Exit(-1)
	}
	if runErr != nil {
		log.Printf("Failed to run %s synthesis: %v, exiting...", cfg.Mechanism, runErr)
		os.Exit(-1)
	}

	et := time.Since(start).Seconds()
	if dbStore != nil {
		if err := dbStore.FinishRun(context.Background(), runID, prog.Snapshot().Produced, 0, et); err != nil {
			log.Printf("Warning: failed to record run finish: %v", err)
		}
	}

	rt.DumpToLog()
	log.Printf("All done in %v seconds.", math.Ceil(100*et)/100.0)
}

// buildModel constructs the configured generative model and the
// synthesis parameters that go with it.
func buildModel(cfg *config.Config, r *rng.RNG, meta *metadata.Metadata, rt *rtm.RTM, store *dataset.Dataset) (model.GenerativeModel, synth.Params, error) {
	params := synth.Params{
		FakesPerSeed: cfg.FakesPerSeed,
		Count:        cfg.Count,
		Runtime:      cfg.Runtime,
	}

	switch cfg.Mechanism {
	case config.MechSeedBased:
		gen, err := model.NewSeedBased(cfg, r, meta, rt, store.Stats)
		if err != nil {
			return nil, params, err
		}
		params.Gamma = cfg.Gamma
		params.MaxCheckPS = cfg.MaxCheckPS
		params.MaxPS = cfg.MaxPS
		params.RandomPSOrder = cfg.RandomPS
		return gen, params, nil

	case config.MechMarginals:
		if cfg.Omega != "m" {
			return nil, params, fmt.Errorf("invalid use of parameter omega (=%s) for marginals model (remove omega or set omega=m and try again)", cfg.Omega)
		}
		gen, err := model.NewMarginals(cfg, r, meta, rt, store.Stats, false)
		if err != nil {
			return nil, params, err
		}
		// These are ignored by the seedless synthesis path.
		params.Gamma = 2.0
		params.MaxCheckPS = 0
		params.MaxPS = 0
		params.RandomPSOrder = false
		return gen, params, nil
	}
	return nil, params, fmt.Errorf("invalid arguments or unrecognized mechanism %q", cfg.Mechanism)
}

func seedRNG(cfg *config.Config) *rng.RNG {
	if cfg.RNGSeed == 0 {
		log.Println("[RNG] No seed (or 0 -- invalid) specified, using a random seed from the underlying RNG.")
		return rng.New(rng.DeriveProcessSeed())
	}
	log.Printf("[RNG] Seed specified to be %d.", cfg.RNGSeed)
	return rng.New(cfg.RNGSeed)
}
