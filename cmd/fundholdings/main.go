package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fundholdings/internal/config"
	"fundholdings/internal/edgar"
	"fundholdings/internal/enrich"
	"fundholdings/internal/figi"
	"fundholdings/internal/infrastructure"
	"fundholdings/internal/nport"
	"fundholdings/internal/pipeline"
	"fundholdings/internal/store"
)

func main() {
	configFile := flag.String("config", "", "path to YAML config file (defaults to config.yaml when present)")
	ciks := flag.String("cik", "", "comma-separated registrant CIKs to process (overrides config)")
	ticker := flag.String("ticker", "", "restrict the run to series whose class ticker matches")
	maxFilings := flag.Int("max-filings", -1, "cap filings per series, newest first (-1 keeps the config value)")
	stages := flag.String("stages", "", "comma-separated stages to run: discover,download,extract,enrich (empty keeps the config toggles)")
	flag.Parse()

	// A .env file is optional; real environment variables win either way.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Printf("Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := applyOverrides(cfg, *ciks, *ticker, *maxFilings, *stages); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.Pipeline.CIKs) == 0 && cfg.Pipeline.Discover {
		fmt.Println("Error: no registrant CIKs configured; pass -cik or set pipeline.ciks")
		os.Exit(1)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Error: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer infrastructure.CloseLogFile()

	paths := cfg.DataPaths()
	if err := paths.EnsureDirectories(); err != nil {
		logger.Error("failed to create data directories", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	secClient := edgar.NewClient(cfg.SEC, logger)
	figiClient := figi.NewClient(cfg.OpenFIGI, logger)
	resolver := enrich.NewResolver(st, figiClient, cfg.OpenFIGI.NegativeCacheTTL, logger)
	extractor := nport.NewExtractor(logger)

	p, err := pipeline.New(cfg.Pipeline, paths, secClient, st, extractor, resolver, logger)
	if err != nil {
		logger.Error("failed to assemble pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := p.Run(ctx)
	printRunReport(state)
	if err != nil {
		logger.Error("pipeline run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func loadConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		return config.LoadFrom(configFile)
	}
	return config.Load()
}

// applyOverrides lets the command line narrow a configured run.
func applyOverrides(cfg *config.Config, ciks, ticker string, maxFilings int, stages string) error {
	if ciks != "" {
		cfg.Pipeline.CIKs = splitList(ciks)
	}
	if ticker != "" {
		cfg.Pipeline.TickerFilter = ticker
	}
	if maxFilings >= 0 {
		cfg.Pipeline.MaxFilingsPerSeries = maxFilings
	}

	if stages != "" {
		cfg.Pipeline.Discover = false
		cfg.Pipeline.Download = false
		cfg.Pipeline.Extract = false
		cfg.Pipeline.Enrich = false
		for _, stage := range splitList(stages) {
			switch strings.ToLower(stage) {
			case "discover":
				cfg.Pipeline.Discover = true
			case "download":
				cfg.Pipeline.Download = true
			case "extract":
				cfg.Pipeline.Extract = true
			case "enrich":
				cfg.Pipeline.Enrich = true
			default:
				return fmt.Errorf("unknown stage %q (valid: discover, download, extract, enrich)", stage)
			}
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// printRunReport writes a human summary to stdout; the structured log
// carries the same numbers for machines.
func printRunReport(state *pipeline.RunState) {
	if state == nil {
		return
	}
	fmt.Printf("Run %s finished in %s\n", state.RunID, state.Duration().Round(10*time.Millisecond))
	for _, step := range state.StepStates() {
		line := fmt.Sprintf("  %-10s %s", step.ID, step.Status)
		if step.Error != "" {
			line += ": " + step.Error
		}
		fmt.Println(line)
	}
	s := &state.Summary
	fmt.Printf("  series=%d filings=%d new=%d downloaded=%d extracted=%d holdings=%d enriched=%d\n",
		s.SeriesPlanned, s.FilingsDiscovered, s.FilingsNew, s.Downloaded, s.Extracted, s.HoldingsExtracted, s.FilingsEnriched)
	if s.DownloadFailed+s.ExtractFailed+s.EnrichFailed > 0 {
		fmt.Printf("  failures: download=%d extract=%d enrich=%d\n", s.DownloadFailed, s.ExtractFailed, s.EnrichFailed)
	}
}
