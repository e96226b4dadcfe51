package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"fundholdings/internal/config"
	"fundholdings/internal/infrastructure"
	"fundholdings/internal/nport"
)

// Pipeline wires the steps to their dependencies and runs them in order.
type Pipeline struct {
	cfg      config.PipelineConfig
	registry *Registry
	logger   *slog.Logger
}

// New assembles a pipeline from the configured stages. Stage toggles
// select which steps register; order is fixed: discover, download,
// extract, enrich.
func New(cfg config.PipelineConfig, paths *config.Paths, source filingSource, st filingStore, extractor *nport.Extractor, enricher holdingsEnricher, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry()
	if cfg.Discover {
		if err := registry.Register(&DiscoverStep{cfg: cfg, source: source, store: st, logger: logger}); err != nil {
			return nil, err
		}
	}
	if cfg.Download {
		if err := registry.Register(&DownloadStep{cfg: cfg, paths: paths, source: source, store: st, logger: logger}); err != nil {
			return nil, err
		}
	}
	if cfg.Extract {
		if err := registry.Register(&ExtractStep{cfg: cfg, paths: paths, store: st, extractor: extractor, logger: logger}); err != nil {
			return nil, err
		}
	}
	if cfg.Enrich {
		if err := registry.Register(&EnrichStep{cfg: cfg, paths: paths, store: st, enricher: enricher, logger: logger}); err != nil {
			return nil, err
		}
	}

	steps := registry.Steps()
	if len(steps) == 0 {
		return nil, fmt.Errorf("no pipeline stages enabled")
	}

	return &Pipeline{cfg: cfg, registry: registry, logger: logger}, nil
}

// Run executes the registered steps sequentially. A step error stops the
// run; per-filing failures inside a step are recorded and do not.
func (p *Pipeline) Run(ctx context.Context) (*RunState, error) {
	runID := uuid.NewString()
	ctx = infrastructure.WithRunID(ctx, runID)
	state := NewRunState(runID)

	p.logger.InfoContext(ctx, "pipeline_started",
		slog.String("run_id", runID),
		slog.Int("steps", len(p.registry.Steps())))

	var runErr error
	for _, step := range p.registry.Steps() {
		state.StepStarted(step.ID(), step.Name())
		p.logger.InfoContext(ctx, "step_started", slog.String("step", step.ID()))

		if err := step.Run(ctx, state); err != nil {
			state.StepFinished(step.ID(), StepStatusFailed, err)
			p.logger.ErrorContext(ctx, "step_failed",
				slog.String("step", step.ID()),
				slog.String("error", err.Error()))
			runErr = fmt.Errorf("step %s: %w", step.ID(), err)
			break
		}

		state.StepFinished(step.ID(), StepStatusCompleted, nil)
		p.logger.InfoContext(ctx, "step_completed", slog.String("step", step.ID()))
	}

	p.logSummary(ctx, state)
	return state, runErr
}

// logSummary emits the end-of-run accounting.
func (p *Pipeline) logSummary(ctx context.Context, state *RunState) {
	s := &state.Summary
	p.logger.InfoContext(ctx, "pipeline_summary",
		slog.Duration("duration", state.Duration()),
		slog.Int("series", s.SeriesPlanned),
		slog.Int("filings_discovered", s.FilingsDiscovered),
		slog.Int("filings_new", s.FilingsNew),
		slog.Int("downloaded", s.Downloaded),
		slog.Int("download_failed", s.DownloadFailed),
		slog.Int("extracted", s.Extracted),
		slog.Int("extract_failed", s.ExtractFailed),
		slog.Int("holdings_extracted", s.HoldingsExtracted),
		slog.Int("filings_enriched", s.FilingsEnriched),
		slog.Int("enrich_failed", s.EnrichFailed),
		slog.Int("cache_hits", s.CacheHits),
		slog.Int("remote_lookups", s.RemoteLookups),
		slog.Int("resolved", s.Resolved),
		slog.Int("conflicts", s.Conflicts),
		slog.Int("derivatives", s.Derivatives))
}
