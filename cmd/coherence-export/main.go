// Command coherence-export uploads an audit bundle of the full engine state
// to a blob backend and optionally verifies it afterwards.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"coherencecore/internal/blob"
	"coherencecore/internal/engine"
	"coherencecore/internal/export"
	"coherencecore/internal/infra/persistence"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("coherence-export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML config (optional)")
	driver := fs.String("blob", "fs", "blob driver: fs, s3, memory")
	location := fs.String("to", "", "filesystem root (fs) or bucket (s3)")
	prefix := fs.String("prefix", "", "bundle key prefix (default: audit/<timestamp>)")
	verify := fs.Bool("verify", false, "re-download and verify the bundle after upload")
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
	store, err := persistence.Open(cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	source, ok := store.(export.StateExporter)
	if !ok {
		fmt.Fprintf(stderr, "storage driver %s cannot export state\n", cfg.Storage.Driver)
		return 1
	}

	ctx := context.Background()
	sink, err := blob.Open(ctx, blob.Driver(*driver), *location)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	exporter := export.NewExporter(source, sink)
	manifest, err := exporter.Export(ctx, *prefix)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *verify {
		if err := exporter.Verify(ctx, manifest.Prefix); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
