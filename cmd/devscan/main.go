package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dachhu7/DevScan/internal/api"
	"github.com/Dachhu7/DevScan/internal/config"
	"github.com/Dachhu7/DevScan/internal/crawler"
)

func main() {
	cfgPath := flag.String("config", "", "Path to scanner configuration file (defaults when empty)")
	target := flag.String("url", "", "Start URL to scan")
	outPath := flag.String("out", "", "Write the JSON report here instead of stdout")
	flag.Parse()

	if *target == "" && flag.NArg() > 0 {
		*target = flag.Arg(0)
	}
	if err := run(*cfgPath, *target, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "devscan: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, target, outPath string) error {
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = *loaded
	}

	engine, err := crawler.NewEngine(cfg)
	if err != nil {
		return fmt.Errorf("initialise engine: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	result, scanErr := engine.Scan(ctx, target)
	if scanErr != nil && (result == nil || !errors.Is(scanErr, context.Canceled)) {
		return scanErr
	}

	var out io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(api.NewScanResponse(target, result)); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	// a cancelled scan still writes its partial report
	return scanErr
}
