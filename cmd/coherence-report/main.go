// Command coherence-report computes the coherence score of one organism (or
// every organism) from a configured store and prints the report as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"coherencecore/internal/engine"
	"coherencecore/internal/infra/persistence"
	"coherencecore/pkg/domain"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("coherence-report", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML config (optional)")
	registryDir := fs.String("registry", "", "directory of lens/constraint YAML files (overrides config)")
	organismID := fs.String("organism", "", "organism id (default: all organisms)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := engine.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = engine.LoadConfig(*configPath); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	cfg = cfg.WithEnvOverrides()
	if *registryDir != "" {
		cfg.RegistryDir = *registryDir
	}

	store, err := persistence.Open(cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	registry := engine.NewRegistry()
	if cfg.RegistryDir != "" {
		if err := registry.LoadDir(cfg.RegistryDir); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	eng := engine.NewEngine(store, registry,
		engine.WithCoherenceWeights(cfg.Weights),
		engine.WithBucketThresholds(cfg.Buckets),
		engine.WithLockWait(cfg.LockWait),
	)

	ctx := context.Background()
	var reports []domain.CoherenceReport
	if *organismID != "" {
		report, err := eng.Evaluate(ctx, *organismID)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		reports = append(reports, report)
	} else {
		for _, org := range store.ListOrganisms() {
			report, err := eng.Evaluate(ctx, org.ID)
			if err != nil {
				fmt.Fprintln(stderr, err)
				return 1
			}
			reports = append(reports, report)
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
