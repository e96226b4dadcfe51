// Package enrich turns raw security identifiers into exchange tickers. A
// temporal database cache absorbs repeat lookups; only identifiers the
// cache cannot answer go to the resolution API, and every fresh answer —
// including an explicit "no result" — is written back so the next run
// starts warmer.
package enrich

import (
	"context"
	"log/slog"
	"time"

	"fundholdings/internal/figi"
	"fundholdings/internal/store"
)

// ResolutionStatus distinguishes the three resolution outcomes. A
// definitive miss (NoResult) is cacheable; Unknown means the lookup could
// not be completed and must not poison the cache.
type ResolutionStatus int

const (
	StatusUnknown ResolutionStatus = iota
	StatusResolved
	StatusNoResult
)

// Resolution is the outcome for one identifier.
type Resolution struct {
	Status ResolutionStatus
	Ticker string
	Note   string
}

// Stats accumulates resolution counters for the run summary.
type Stats struct {
	CacheHits          int
	RemoteLookups      int
	Resolved           int
	NoResults          int
	Unknown            int
	Derivatives        int
	MissingIdentifiers int
	Conflicts          int
}

// HitRate returns the fraction of lookups served from cache.
func (s Stats) HitRate() float64 {
	total := s.CacheHits + s.RemoteLookups
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

func (s *Stats) add(other Stats) {
	s.CacheHits += other.CacheHits
	s.RemoteLookups += other.RemoteLookups
	s.Resolved += other.Resolved
	s.NoResults += other.NoResults
	s.Unknown += other.Unknown
}

// mappingStore is the slice of the persistence layer the resolver needs.
type mappingStore interface {
	CurrentMappings(ctx context.Context, identifierType string, values []string) (map[string]store.Mapping, error)
	UpsertMapping(ctx context.Context, identifierType, value, ticker string, hasNoResults bool) error
}

// tickerMapper is the remote resolution API surface.
type tickerMapper interface {
	MapIdentifiers(ctx context.Context, idType figi.IdentifierType, values []string) (map[string]string, error)
}

// Resolver answers identifier-to-ticker questions cache-first.
type Resolver struct {
	store       mappingStore
	mapper      tickerMapper
	negativeTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewResolver builds a Resolver. store may be nil, which puts the resolver
// in API-only degraded mode. negativeTTL bounds how long a cached
// "no result" keeps suppressing remote lookups.
func NewResolver(st mappingStore, mapper tickerMapper, negativeTTL time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if negativeTTL <= 0 {
		negativeTTL = 60 * 24 * time.Hour
	}
	return &Resolver{
		store:       st,
		mapper:      mapper,
		negativeTTL: negativeTTL,
		logger:      logger,
		now:         time.Now,
	}
}

// ResolveBatch resolves a set of identifiers of one type. The result map
// has an entry for every distinct input identifier. Cache rows answer
// first; positive rows always hit, negative rows hit only within the TTL.
// Remote answers are written back as new current rows. A store outage
// degrades to API-only operation; an API outage yields Unknown, never a
// cached negative.
func (r *Resolver) ResolveBatch(ctx context.Context, idType figi.IdentifierType, ids []string) (map[string]Resolution, Stats, error) {
	var stats Stats
	results := make(map[string]Resolution, len(ids))

	distinct := dedupe(ids)
	if len(distinct) == 0 {
		return results, stats, nil
	}

	identifierType := storeIdentifierType(idType)

	cached := map[string]store.Mapping{}
	storeAvailable := r.store != nil
	if storeAvailable {
		var err error
		cached, err = r.store.CurrentMappings(ctx, identifierType, distinct)
		if err != nil {
			// Degraded mode: the run continues on the API alone.
			r.logger.WarnContext(ctx, "mapping_cache_unavailable",
				slog.String("identifier_type", identifierType),
				slog.String("error", err.Error()))
			storeAvailable = false
			cached = map[string]store.Mapping{}
		}
	}

	negativeCutoff := r.now().UTC().Add(-r.negativeTTL)
	var misses []string
	for _, id := range distinct {
		m, ok := cached[id]
		switch {
		case ok && m.Resolved():
			results[id] = Resolution{Status: StatusResolved, Ticker: m.Ticker}
			stats.CacheHits++
			stats.Resolved++
		case ok && m.HasNoResults && m.LastFetchedDate.After(negativeCutoff):
			results[id] = Resolution{Status: StatusNoResult}
			stats.CacheHits++
			stats.NoResults++
		default:
			// Includes stale negatives: those go back to the API.
			misses = append(misses, id)
		}
	}

	if len(misses) == 0 {
		return results, stats, nil
	}

	remote, err := r.mapper.MapIdentifiers(ctx, idType, misses)
	if err != nil {
		r.logger.WarnContext(ctx, "remote_resolution_failed",
			slog.String("identifier_type", identifierType),
			slog.Int("identifiers", len(misses)),
			slog.String("error", err.Error()))
		for _, id := range misses {
			results[id] = Resolution{Status: StatusUnknown, Note: "resolution_unavailable"}
			stats.Unknown++
		}
		return results, stats, nil
	}
	stats.RemoteLookups += len(misses)

	for _, id := range misses {
		ticker := remote[id]
		if ticker != "" {
			results[id] = Resolution{Status: StatusResolved, Ticker: ticker}
			stats.Resolved++
		} else {
			results[id] = Resolution{Status: StatusNoResult}
			stats.NoResults++
		}

		if storeAvailable {
			if err := r.store.UpsertMapping(ctx, identifierType, id, ticker, ticker == ""); err != nil {
				r.logger.WarnContext(ctx, "mapping_writeback_failed",
					slog.String("identifier_type", identifierType),
					slog.String("identifier_value", id),
					slog.String("error", err.Error()))
			}
		}
	}

	return results, stats, nil
}

// cachedOnly returns current positive mappings without touching the API,
// for conflict checks where a remote call would not be justified.
func (r *Resolver) cachedOnly(ctx context.Context, idType figi.IdentifierType, ids []string) map[string]string {
	if r.store == nil || len(ids) == 0 {
		return nil
	}
	cached, err := r.store.CurrentMappings(ctx, storeIdentifierType(idType), dedupe(ids))
	if err != nil {
		return nil
	}
	out := make(map[string]string, len(cached))
	for id, m := range cached {
		if m.Resolved() {
			out[id] = m.Ticker
		}
	}
	return out
}

func storeIdentifierType(idType figi.IdentifierType) string {
	if idType == figi.IDISIN {
		return store.IdentifierISIN
	}
	return store.IdentifierCUSIP
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
