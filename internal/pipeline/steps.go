package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"fundholdings/internal/config"
	"fundholdings/internal/edgar"
	"fundholdings/internal/enrich"
	"fundholdings/internal/exporter"
	"fundholdings/internal/nport"
	"fundholdings/internal/store"
)

// filingSource is the slice of the EDGAR client the steps consume.
type filingSource interface {
	FetchCompanySeries(ctx context.Context, cik string) ([]edgar.Series, error)
	SeriesFilings(ctx context.Context, seriesID, formType string) ([]edgar.Filing, error)
	DownloadDocument(ctx context.Context, cik, accessionNumber string) ([]byte, error)
}

// filingStore is the slice of the persistence layer the steps consume.
type filingStore interface {
	UpsertFiling(ctx context.Context, f store.Filing) (bool, error)
	PendingDownloads(ctx context.Context, seriesID string, retryAfter time.Duration) ([]store.Filing, error)
	PendingProcessing(ctx context.Context, seriesID string, retryAfter time.Duration) ([]store.Filing, error)
	ProcessedFilings(ctx context.Context, seriesID string) ([]store.Filing, error)
	MarkDownloaded(ctx context.Context, id int64, documentPath string) error
	MarkProcessed(ctx context.Context, id int64, paths map[string]string, metadata map[string]any) error
	MarkDownloadFailed(ctx context.Context, id int64, errMsg string) error
	MarkProcessingFailed(ctx context.Context, id int64, errMsg string) error
	AddFilePath(ctx context.Context, id int64, role, path string) error
	DistinctSeries(ctx context.Context) ([]string, error)
}

// holdingsEnricher is the enrichment surface the enrich step consumes.
type holdingsEnricher interface {
	EnrichHoldings(ctx context.Context, holdings []nport.Holding) ([]nport.Holding, enrich.Stats, error)
}

// DiscoverStep finds the series for the configured registrants and records
// their filings as pending units of work. Filters apply here, before any
// per-filing network call.
type DiscoverStep struct {
	cfg    config.PipelineConfig
	source filingSource
	store  filingStore
	logger *slog.Logger
}

func (s *DiscoverStep) ID() string   { return "discover" }
func (s *DiscoverStep) Name() string { return "Discover filings" }

func (s *DiscoverStep) Run(ctx context.Context, state *RunState) error {
	var plans []SeriesPlan

	for _, cik := range s.cfg.CIKs {
		series, err := s.source.FetchCompanySeries(ctx, cik)
		if err != nil {
			return fmt.Errorf("discover series for CIK %s: %w", cik, err)
		}
		for _, sr := range series {
			ticker := sr.Ticker()
			if s.cfg.TickerFilter != "" && !strings.EqualFold(ticker, s.cfg.TickerFilter) {
				continue
			}
			plans = append(plans, SeriesPlan{CIK: cik, SeriesID: sr.SeriesID, Ticker: ticker})
		}
	}
	state.SetSeries(plans)

	for _, plan := range plans {
		filings, err := s.source.SeriesFilings(ctx, plan.SeriesID, "NPORT-P")
		if err != nil {
			return fmt.Errorf("discover filings for series %s: %w", plan.SeriesID, err)
		}

		// The feed is newest-first; the cap keeps the most recent.
		if s.cfg.MaxFilingsPerSeries > 0 && len(filings) > s.cfg.MaxFilingsPerSeries {
			filings = filings[:s.cfg.MaxFilingsPerSeries]
		}

		for _, f := range filings {
			created, err := s.store.UpsertFiling(ctx, store.Filing{
				SeriesID:        plan.SeriesID,
				AccessionNumber: f.AccessionNumber,
				FormType:        f.FormType,
				FilingDate:      f.FilingDate,
				ReportDate:      f.ReportDate,
				Metadata:        map[string]any{"cik": plan.CIK, "fund_ticker": plan.Ticker},
			})
			if err != nil {
				return fmt.Errorf("record filing %s: %w", f.AccessionNumber, err)
			}
			state.Summary.update(func(sum *Summary) {
				sum.FilingsDiscovered++
				if created {
					sum.FilingsNew++
				}
			})
		}
	}

	s.logger.InfoContext(ctx, "discovery_complete",
		slog.Int("series", len(plans)),
		slog.Int("filings", state.Summary.FilingsDiscovered),
		slog.Int("new", state.Summary.FilingsNew))
	return nil
}

// DownloadStep fetches the document of every pending filing. Failures are
// recorded per filing and do not stop the run.
type DownloadStep struct {
	cfg    config.PipelineConfig
	paths  *config.Paths
	source filingSource
	store  filingStore
	logger *slog.Logger
}

func (s *DownloadStep) ID() string   { return "download" }
func (s *DownloadStep) Name() string { return "Download documents" }

func (s *DownloadStep) Run(ctx context.Context, state *RunState) error {
	return forEachSeries(ctx, state, s.store, s.cfg.Concurrency, func(ctx context.Context, plan SeriesPlan) error {
		filings, err := s.store.PendingDownloads(ctx, plan.SeriesID, s.cfg.RetryFailedAfter)
		if err != nil {
			return err
		}

		for _, f := range filings {
			cik := filingCIK(f, plan)
			if cik == "" {
				// Without a CIK the document URL cannot be built; record
				// the failure on the filing so it is visible and retryable
				// instead of silently staying pending.
				if markErr := s.store.MarkDownloadFailed(ctx, f.ID, "filing has no recorded CIK"); markErr != nil {
					return markErr
				}
				state.Summary.update(func(sum *Summary) { sum.DownloadFailed++ })
				s.logger.WarnContext(ctx, "filing_missing_cik",
					slog.String("series_id", f.SeriesID),
					slog.String("accession_number", f.AccessionNumber))
				continue
			}

			body, err := s.source.DownloadDocument(ctx, cik, f.AccessionNumber)
			if err != nil {
				if markErr := s.store.MarkDownloadFailed(ctx, f.ID, err.Error()); markErr != nil {
					return markErr
				}
				state.Summary.update(func(sum *Summary) { sum.DownloadFailed++ })
				s.logger.WarnContext(ctx, "download_failed",
					slog.String("series_id", f.SeriesID),
					slog.String("accession_number", f.AccessionNumber),
					slog.String("error", err.Error()))
				continue
			}

			path := s.paths.DocumentPath(cik, f.SeriesID, f.AccessionNumber)
			if err := os.WriteFile(path, body, 0644); err != nil {
				if markErr := s.store.MarkDownloadFailed(ctx, f.ID, err.Error()); markErr != nil {
					return markErr
				}
				state.Summary.update(func(sum *Summary) { sum.DownloadFailed++ })
				continue
			}

			if err := s.store.MarkDownloaded(ctx, f.ID, path); err != nil {
				return err
			}
			state.Summary.update(func(sum *Summary) { sum.Downloaded++ })
		}
		return nil
	})
}

// ExtractStep streams each downloaded document into a raw holdings export.
type ExtractStep struct {
	cfg       config.PipelineConfig
	paths     *config.Paths
	store     filingStore
	extractor *nport.Extractor
	logger    *slog.Logger
}

func (s *ExtractStep) ID() string   { return "extract" }
func (s *ExtractStep) Name() string { return "Extract holdings" }

func (s *ExtractStep) Run(ctx context.Context, state *RunState) error {
	return forEachSeries(ctx, state, s.store, s.cfg.Concurrency, func(ctx context.Context, plan SeriesPlan) error {
		filings, err := s.store.PendingProcessing(ctx, plan.SeriesID, s.cfg.RetryFailedAfter)
		if err != nil {
			return err
		}

		for _, f := range filings {
			meta, count, err := s.extractFiling(ctx, f)
			if err != nil {
				if markErr := s.store.MarkProcessingFailed(ctx, f.ID, err.Error()); markErr != nil {
					return markErr
				}
				state.Summary.update(func(sum *Summary) { sum.ExtractFailed++ })
				s.logger.WarnContext(ctx, "extraction_failed",
					slog.String("series_id", f.SeriesID),
					slog.String("accession_number", f.AccessionNumber),
					slog.String("error", err.Error()))
				continue
			}

			if nport.PercentTotalSuspect(meta) {
				s.logger.WarnContext(ctx, "percent_total_out_of_band",
					slog.String("series_id", f.SeriesID),
					slog.String("accession_number", f.AccessionNumber),
					slog.String("percent_total", meta.PercentTotal.Decimal.String()))
			}

			state.Summary.update(func(sum *Summary) {
				sum.Extracted++
				sum.HoldingsExtracted += count
			})
		}
		return nil
	})
}

// extractFiling runs the streaming extraction for one filing and commits
// status, export path and header metadata together.
func (s *ExtractStep) extractFiling(ctx context.Context, f store.Filing) (*nport.FilingMeta, int, error) {
	docPath := f.FilePaths[store.RoleDocument]
	if docPath == "" {
		return nil, 0, fmt.Errorf("filing %s has no document artifact", f.AccessionNumber)
	}
	file, err := os.Open(docPath)
	if err != nil {
		return nil, 0, fmt.Errorf("open document: %w", err)
	}
	defer file.Close()

	rawPath := s.paths.RawHoldingsPath(f.SeriesID, f.AccessionNumber)
	writer, err := exporter.NewHoldingsWriter(rawPath, false)
	if err != nil {
		return nil, 0, err
	}

	meta, err := s.extractor.Extract(file, func(h nport.Holding) error {
		h.SeriesID = f.SeriesID
		h.AccessionNumber = f.AccessionNumber
		h.ReportDate = f.ReportDate
		return writer.Write(h)
	})
	if err != nil {
		writer.Close()
		os.Remove(rawPath)
		return nil, 0, err
	}
	if err := writer.Close(); err != nil {
		return nil, 0, err
	}

	metadata := map[string]any{
		"fund_name":     meta.FundName,
		"reg_name":      meta.RegistrantName,
		"reg_cik":       meta.RegistrantCIK,
		"report_date":   meta.ReportDate,
		"holding_count": meta.HoldingCount,
	}
	if meta.NetAssets.Valid {
		metadata["net_assets"] = meta.NetAssets.Decimal.String()
	}

	if err := s.store.MarkProcessed(ctx, f.ID,
		map[string]string{store.RoleRawCSV: rawPath}, metadata); err != nil {
		return nil, 0, err
	}
	return meta, meta.HoldingCount, nil
}

// EnrichStep resolves tickers for every processed filing and writes the
// enriched CSV and structured JSON exports. Re-running recomputes and
// supersedes earlier enrichment output.
type EnrichStep struct {
	cfg      config.PipelineConfig
	paths    *config.Paths
	store    filingStore
	enricher holdingsEnricher
	logger   *slog.Logger
}

func (s *EnrichStep) ID() string   { return "enrich" }
func (s *EnrichStep) Name() string { return "Enrich holdings" }

func (s *EnrichStep) Run(ctx context.Context, state *RunState) error {
	return forEachSeries(ctx, state, s.store, s.cfg.Concurrency, func(ctx context.Context, plan SeriesPlan) error {
		filings, err := s.store.ProcessedFilings(ctx, plan.SeriesID)
		if err != nil {
			return err
		}

		for _, f := range filings {
			stats, err := s.enrichFiling(ctx, f)
			if err != nil {
				state.Summary.update(func(sum *Summary) { sum.EnrichFailed++ })
				s.logger.WarnContext(ctx, "enrichment_failed",
					slog.String("series_id", f.SeriesID),
					slog.String("accession_number", f.AccessionNumber),
					slog.String("error", err.Error()))
				continue
			}
			state.Summary.update(func(sum *Summary) {
				sum.FilingsEnriched++
				sum.CacheHits += stats.CacheHits
				sum.RemoteLookups += stats.RemoteLookups
				sum.Resolved += stats.Resolved
				sum.Conflicts += stats.Conflicts
				sum.Derivatives += stats.Derivatives
			})
		}
		return nil
	})
}

func (s *EnrichStep) enrichFiling(ctx context.Context, f store.Filing) (enrich.Stats, error) {
	rawPath := f.FilePaths[store.RoleRawCSV]
	if rawPath == "" {
		return enrich.Stats{}, fmt.Errorf("filing %s has no raw holdings artifact", f.AccessionNumber)
	}

	holdings, err := exporter.ReadHoldingsCSV(rawPath)
	if err != nil {
		return enrich.Stats{}, err
	}

	enriched, stats, err := s.enricher.EnrichHoldings(ctx, holdings)
	if err != nil {
		return enrich.Stats{}, err
	}

	enrichedPath := s.paths.EnrichedHoldingsPath(f.SeriesID, f.AccessionNumber)
	if err := exporter.WriteHoldingsCSV(enrichedPath, enriched, true); err != nil {
		return enrich.Stats{}, err
	}
	if err := s.store.AddFilePath(ctx, f.ID, store.RoleEnrichedCSV, enrichedPath); err != nil {
		return enrich.Stats{}, err
	}

	structuredPath := s.paths.StructuredPath(f.SeriesID, f.AccessionNumber)
	meta := filingMetaFromRecord(f)
	if err := exporter.WriteStructuredJSON(structuredPath, meta, enriched); err != nil {
		return enrich.Stats{}, err
	}
	if err := s.store.AddFilePath(ctx, f.ID, store.RoleStructuredJSON, structuredPath); err != nil {
		return enrich.Stats{}, err
	}

	logEnrichStats(ctx, s.logger, f, stats)
	return stats, nil
}

func logEnrichStats(ctx context.Context, logger *slog.Logger, f store.Filing, stats enrich.Stats) {
	logger.InfoContext(ctx, "filing_enriched",
		slog.String("series_id", f.SeriesID),
		slog.String("accession_number", f.AccessionNumber),
		slog.Int("resolved", stats.Resolved),
		slog.Int("cache_hits", stats.CacheHits),
		slog.Int("remote_lookups", stats.RemoteLookups),
		slog.Float64("hit_rate", stats.HitRate()))
}

// filingMetaFromRecord rebuilds the filing header from the metadata
// captured at extraction time.
func filingMetaFromRecord(f store.Filing) *nport.FilingMeta {
	meta := &nport.FilingMeta{
		SeriesID:   f.SeriesID,
		ReportDate: f.ReportDate,
	}
	if v, ok := f.Metadata["fund_name"].(string); ok {
		meta.FundName = v
	}
	if v, ok := f.Metadata["reg_name"].(string); ok {
		meta.RegistrantName = v
	}
	if v, ok := f.Metadata["reg_cik"].(string); ok {
		meta.RegistrantCIK = v
	}
	if v, ok := f.Metadata["holding_count"].(float64); ok {
		meta.HoldingCount = int(v)
	}
	return meta
}

// filingCIK prefers the discovery-time CIK stored on the filing, falling
// back to the series plan.
func filingCIK(f store.Filing, plan SeriesPlan) string {
	if v, ok := f.Metadata["cik"].(string); ok && v != "" {
		return v
	}
	return plan.CIK
}

// forEachSeries fans the per-series work out across a bounded group.
// Series are independent; an error in one cancels the rest.
func forEachSeries(ctx context.Context, state *RunState, st filingStore, concurrency int, fn func(context.Context, SeriesPlan) error) error {
	plans := state.Series()
	if len(plans) == 0 {
		// Resuming without discovery: work from the recorded series.
		ids, err := st.DistinctSeries(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			plans = append(plans, SeriesPlan{SeriesID: id})
		}
		state.SetSeries(plans)
	}

	if concurrency < 1 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, plan := range plans {
		plan := plan
		g.Go(func() error {
			return fn(ctx, plan)
		})
	}
	return g.Wait()
}
