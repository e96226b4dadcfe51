package enrich

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"fundholdings/internal/figi"
	"fundholdings/internal/nport"
)

// Enrichment note values stamped on holdings.
const (
	NoteDerivative            = "derivative_instrument"
	NoteMissingIdentifier     = "missing_identifier"
	NoteTickerConflict        = "ticker_conflict"
	NoteResolutionUnavailable = "resolution_unavailable"
	NoteNoTickerFound         = "no_ticker_found"
)

// derivativeIndicators mark instruments that have no traditional exchange
// ticker and would only waste lookups.
var derivativeIndicators = []string{
	"eln,",
	"equity linked note",
	"linked to nasdaq",
	"linked to s&p",
	"total return swap",
	"trs",
	"swap agreement",
	"derivative",
}

// IsDerivativeInstrument applies the name/title heuristic for structured
// instruments.
func IsDerivativeInstrument(name, title string) bool {
	combined := strings.ToLower(name) + " " + strings.ToLower(title)
	for _, indicator := range derivativeIndicators {
		if strings.Contains(combined, indicator) {
			return true
		}
	}
	return false
}

// EnrichHoldings resolves a ticker for every equity-like holding and
// stamps the result onto a copy of the input slice. The pass order is:
// derivative screen, then one batched CUSIP pass, then one batched ISIN
// pass for the holdings the CUSIP pass left unresolved. When a holding's
// CUSIP ticker disagrees with a cached ISIN ticker, the CUSIP result wins
// and the disagreement is noted. The operation is idempotent: re-running
// it recomputes every stamp from current state.
func (r *Resolver) EnrichHoldings(ctx context.Context, holdings []nport.Holding) ([]nport.Holding, Stats, error) {
	var stats Stats
	enriched := make([]nport.Holding, len(holdings))
	copy(enriched, holdings)

	stamp := r.now().UTC().Format(time.RFC3339)

	// Screening pass: classify before spending any lookup.
	var cusips, isins []string
	for i := range enriched {
		h := &enriched[i]
		h.Ticker = ""
		h.EnrichmentDatetime = stamp
		h.EnrichmentNotes = ""

		switch {
		case IsDerivativeInstrument(h.Name, h.Title):
			h.EnrichmentNotes = NoteDerivative
			stats.Derivatives++
		case h.CUSIP == "" && h.ISIN == "":
			h.EnrichmentNotes = NoteMissingIdentifier
			stats.MissingIdentifiers++
		default:
			if h.CUSIP != "" {
				cusips = append(cusips, h.CUSIP)
			}
		}
	}

	cusipResults, cusipStats, err := r.ResolveBatch(ctx, figi.IDCUSIP, cusips)
	if err != nil {
		return nil, stats, err
	}
	stats.add(cusipStats)

	// ISIN fallback covers holdings the CUSIP pass could not resolve.
	for i := range enriched {
		h := &enriched[i]
		if h.EnrichmentNotes != "" {
			continue
		}
		if h.CUSIP != "" {
			if res, ok := cusipResults[h.CUSIP]; ok && res.Status == StatusResolved {
				h.Ticker = res.Ticker
				continue
			}
		}
		if h.ISIN != "" {
			isins = append(isins, h.ISIN)
		}
	}

	isinResults, isinStats, err := r.ResolveBatch(ctx, figi.IDISIN, isins)
	if err != nil {
		return nil, stats, err
	}
	stats.add(isinStats)

	// Conflict check uses only cached ISIN rows; a holding already
	// resolved by CUSIP never triggers a remote ISIN call.
	var resolvedISINs []string
	for i := range enriched {
		h := &enriched[i]
		if h.Ticker != "" && h.ISIN != "" {
			resolvedISINs = append(resolvedISINs, h.ISIN)
		}
	}
	cachedISIN := r.cachedOnly(ctx, figi.IDISIN, resolvedISINs)

	for i := range enriched {
		h := &enriched[i]
		if h.EnrichmentNotes != "" {
			continue
		}

		if h.Ticker != "" {
			if other, ok := cachedISIN[h.ISIN]; ok && other != h.Ticker {
				h.EnrichmentNotes = NoteTickerConflict
				stats.Conflicts++
			}
			continue
		}

		if h.ISIN != "" {
			switch res := isinResults[h.ISIN]; res.Status {
			case StatusResolved:
				h.Ticker = res.Ticker
				continue
			case StatusUnknown:
				h.EnrichmentNotes = NoteResolutionUnavailable
				continue
			}
		}

		if cusipRes, ok := cusipResults[h.CUSIP]; ok && cusipRes.Status == StatusUnknown {
			h.EnrichmentNotes = NoteResolutionUnavailable
			continue
		}
		h.EnrichmentNotes = NoteNoTickerFound
	}

	r.logger.InfoContext(ctx, "holdings_enriched",
		slog.Int("holdings", len(enriched)),
		slog.Int("resolved", stats.Resolved),
		slog.Int("cache_hits", stats.CacheHits),
		slog.Int("remote_lookups", stats.RemoteLookups),
		slog.Int("derivatives", stats.Derivatives),
		slog.Int("missing_identifiers", stats.MissingIdentifiers))

	return enriched, stats, nil
}
