package enrich

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundholdings/internal/figi"
	"fundholdings/internal/nport"
	"fundholdings/internal/shared/testutil"
	"fundholdings/internal/store"
)

// fakeStore is an in-memory stand-in for the mappings cache.
type fakeStore struct {
	rows    map[string]store.Mapping // key: type|value
	failAll bool
	upserts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]store.Mapping{}}
}

func (f *fakeStore) key(t, v string) string { return t + "|" + v }

func (f *fakeStore) put(idType, value, ticker string, hasNoResults bool, fetched time.Time) {
	f.rows[f.key(idType, value)] = store.Mapping{
		IdentifierType:  idType,
		IdentifierValue: value,
		Ticker:          ticker,
		HasNoResults:    hasNoResults,
		LastFetchedDate: fetched,
	}
}

func (f *fakeStore) CurrentMappings(_ context.Context, idType string, values []string) (map[string]store.Mapping, error) {
	if f.failAll {
		return nil, fmt.Errorf("database is locked")
	}
	out := map[string]store.Mapping{}
	for _, v := range values {
		if m, ok := f.rows[f.key(idType, v)]; ok {
			out[v] = m
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertMapping(_ context.Context, idType, value, ticker string, hasNoResults bool) error {
	if f.failAll {
		return fmt.Errorf("database is locked")
	}
	f.upserts++
	f.put(idType, value, ticker, hasNoResults, time.Now().UTC())
	return nil
}

// fakeMapper is a scripted remote resolution API.
type fakeMapper struct {
	answers map[string]string // idValue -> ticker ("" = no result)
	calls   int
	queried []string
	err     error
}

func (f *fakeMapper) MapIdentifiers(_ context.Context, _ figi.IdentifierType, values []string) (map[string]string, error) {
	f.calls++
	f.queried = append(f.queried, values...)
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]string{}
	for _, v := range values {
		out[v] = f.answers[v]
	}
	return out, nil
}

func newTestResolver(t *testing.T, st *fakeStore, mapper *fakeMapper) *Resolver {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	var ms mappingStore
	if st != nil {
		ms = st
	}
	return NewResolver(ms, mapper, 60*24*time.Hour, logger)
}

func TestResolveBatch_CacheHitsSkipRemote(t *testing.T) {
	st := newFakeStore()
	st.put(store.IdentifierCUSIP, "037833100", "AAPL", false, time.Now().UTC())
	st.put(store.IdentifierCUSIP, "594918104", "MSFT", false, time.Now().UTC())
	mapper := &fakeMapper{}

	r := newTestResolver(t, st, mapper)

	results, stats, err := r.ResolveBatch(context.Background(), figi.IDCUSIP,
		[]string{"037833100", "594918104", "037833100"})
	require.NoError(t, err)
	assert.Equal(t, 0, mapper.calls, "current cache rows must produce zero remote calls")
	assert.Equal(t, 2, stats.CacheHits)
	assert.Equal(t, StatusResolved, results["037833100"].Status)
	assert.Equal(t, "AAPL", results["037833100"].Ticker)
}

func TestResolveBatch_NegativeTTL(t *testing.T) {
	st := newFakeStore()
	// Fresh negative honored, stale negative re-queried.
	st.put(store.IdentifierCUSIP, "111111111", "", true, time.Now().UTC())
	st.put(store.IdentifierCUSIP, "222222222", "", true, time.Now().UTC().Add(-90*24*time.Hour))
	mapper := &fakeMapper{answers: map[string]string{"222222222": "NEWT"}}

	r := newTestResolver(t, st, mapper)

	results, stats, err := r.ResolveBatch(context.Background(), figi.IDCUSIP,
		[]string{"111111111", "222222222"})
	require.NoError(t, err)
	assert.Equal(t, StatusNoResult, results["111111111"].Status)
	assert.Equal(t, StatusResolved, results["222222222"].Status)
	assert.Equal(t, "NEWT", results["222222222"].Ticker)
	assert.Equal(t, []string{"222222222"}, mapper.queried)
	assert.Equal(t, 1, stats.CacheHits)
	assert.Equal(t, 1, stats.RemoteLookups)
}

func TestResolveBatch_WritesBackBothOutcomes(t *testing.T) {
	st := newFakeStore()
	mapper := &fakeMapper{answers: map[string]string{"037833100": "AAPL"}}

	r := newTestResolver(t, st, mapper)

	results, _, err := r.ResolveBatch(context.Background(), figi.IDCUSIP,
		[]string{"037833100", "999999999"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, results["037833100"].Status)
	assert.Equal(t, StatusNoResult, results["999999999"].Status)
	assert.Equal(t, 2, st.upserts, "positive and negative results are both cached")

	// Second run answers fully from cache.
	mapper.calls = 0
	_, stats, err := r.ResolveBatch(context.Background(), figi.IDCUSIP,
		[]string{"037833100", "999999999"})
	require.NoError(t, err)
	assert.Equal(t, 0, mapper.calls)
	assert.Equal(t, 2, stats.CacheHits)
}

func TestResolveBatch_StoreOutageDegradesToAPIOnly(t *testing.T) {
	st := newFakeStore()
	st.failAll = true
	mapper := &fakeMapper{answers: map[string]string{"037833100": "AAPL"}}

	logger, handler := testutil.NewTestLogger(t)
	r := NewResolver(st, mapper, time.Hour, logger)

	results, _, err := r.ResolveBatch(context.Background(), figi.IDCUSIP, []string{"037833100"})
	require.NoError(t, err, "cache outage must not fail the batch")
	assert.Equal(t, "AAPL", results["037833100"].Ticker)
	assert.True(t, handler.ContainsMessage("mapping_cache_unavailable"))
}

func TestResolveBatch_RemoteOutageYieldsUnknown(t *testing.T) {
	st := newFakeStore()
	mapper := &fakeMapper{err: fmt.Errorf("connection refused")}

	r := newTestResolver(t, st, mapper)

	results, stats, err := r.ResolveBatch(context.Background(), figi.IDCUSIP, []string{"037833100"})
	require.NoError(t, err, "remote outage must not fail the batch")
	assert.Equal(t, StatusUnknown, results["037833100"].Status)
	assert.Equal(t, 1, stats.Unknown)
	assert.Equal(t, 0, st.upserts, "an outage must not be cached as a negative result")
}

func TestEnrichHoldings_ThreeHoldingScenario(t *testing.T) {
	// One cached identifier, one uncached, one with no identifiers:
	// exactly one remote lookup, correct stamps on all three.
	st := newFakeStore()
	st.put(store.IdentifierCUSIP, "037833100", "AAPL", false, time.Now().UTC())
	mapper := &fakeMapper{answers: map[string]string{"594918104": "MSFT"}}

	r := newTestResolver(t, st, mapper)

	holdings := []nport.Holding{
		{Name: "Apple Inc", CUSIP: "037833100"},
		{Name: "Microsoft Corp", CUSIP: "594918104"},
		{Name: "Private Placement"},
	}

	enriched, stats, err := r.EnrichHoldings(context.Background(), holdings)
	require.NoError(t, err)
	require.Len(t, enriched, 3)

	assert.Equal(t, "AAPL", enriched[0].Ticker)
	assert.Equal(t, "MSFT", enriched[1].Ticker)
	assert.Empty(t, enriched[2].Ticker)
	assert.Equal(t, NoteMissingIdentifier, enriched[2].EnrichmentNotes)

	assert.Equal(t, 1, mapper.calls)
	assert.Equal(t, []string{"594918104"}, mapper.queried)
	assert.Equal(t, 1, stats.CacheHits)
	assert.Equal(t, 1, stats.RemoteLookups)
	assert.Equal(t, 1, stats.MissingIdentifiers)

	for _, h := range enriched {
		assert.NotEmpty(t, h.EnrichmentDatetime)
		_, err := time.Parse(time.RFC3339, h.EnrichmentDatetime)
		assert.NoError(t, err)
	}

	// Originals are untouched.
	assert.Empty(t, holdings[0].Ticker)
}

func TestEnrichHoldings_DerivativesExcluded(t *testing.T) {
	st := newFakeStore()
	mapper := &fakeMapper{}

	r := newTestResolver(t, st, mapper)

	holdings := []nport.Holding{
		{Name: "GS Total Return Swap on NDX", CUSIP: "111111111"},
		{Name: "JPM ELN, linked to S&P 500", CUSIP: "222222222"},
		{Name: "Normal Corp", Title: "Swap Agreement on basket", CUSIP: "333333333"},
	}

	enriched, stats, err := r.EnrichHoldings(context.Background(), holdings)
	require.NoError(t, err)
	assert.Equal(t, 0, mapper.calls, "derivatives must not reach the API")
	assert.Equal(t, 3, stats.Derivatives)
	for _, h := range enriched {
		assert.Equal(t, NoteDerivative, h.EnrichmentNotes)
		assert.Empty(t, h.Ticker)
	}
}

func TestEnrichHoldings_ISINFallback(t *testing.T) {
	st := newFakeStore()
	mapper := &fakeMapper{answers: map[string]string{
		"594918104":    "",     // CUSIP pass misses
		"US5949181045": "MSFT", // ISIN pass resolves
	}}

	r := newTestResolver(t, st, mapper)

	holdings := []nport.Holding{
		{Name: "Microsoft Corp", CUSIP: "594918104", ISIN: "US5949181045"},
	}

	enriched, _, err := r.EnrichHoldings(context.Background(), holdings)
	require.NoError(t, err)
	assert.Equal(t, "MSFT", enriched[0].Ticker)
	assert.Equal(t, 2, mapper.calls, "one CUSIP batch, one ISIN batch")
}

func TestEnrichHoldings_ConflictKeepsCUSIPTicker(t *testing.T) {
	st := newFakeStore()
	st.put(store.IdentifierCUSIP, "037833100", "AAPL", false, time.Now().UTC())
	st.put(store.IdentifierISIN, "US0378331005", "APLE", false, time.Now().UTC())
	mapper := &fakeMapper{}

	r := newTestResolver(t, st, mapper)

	holdings := []nport.Holding{
		{Name: "Apple Inc", CUSIP: "037833100", ISIN: "US0378331005"},
	}

	enriched, stats, err := r.EnrichHoldings(context.Background(), holdings)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", enriched[0].Ticker, "the CUSIP resolution wins a conflict")
	assert.Equal(t, NoteTickerConflict, enriched[0].EnrichmentNotes)
	assert.Equal(t, 1, stats.Conflicts)
	assert.Equal(t, 0, mapper.calls)
}

func TestEnrichHoldings_Idempotent(t *testing.T) {
	st := newFakeStore()
	mapper := &fakeMapper{answers: map[string]string{"037833100": "AAPL"}}

	r := newTestResolver(t, st, mapper)

	holdings := []nport.Holding{{Name: "Apple Inc", CUSIP: "037833100"}}

	first, _, err := r.EnrichHoldings(context.Background(), holdings)
	require.NoError(t, err)

	second, stats, err := r.EnrichHoldings(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, first[0].Ticker, second[0].Ticker)
	assert.Equal(t, first[0].EnrichmentNotes, second[0].EnrichmentNotes)
	assert.Equal(t, 1, stats.CacheHits, "the second pass answers from cache")
	assert.Equal(t, 1, mapper.calls)
}

func TestEnrichHoldings_NoTickerFoundNote(t *testing.T) {
	st := newFakeStore()
	mapper := &fakeMapper{}

	r := newTestResolver(t, st, mapper)

	holdings := []nport.Holding{{Name: "Obscure Bond", CUSIP: "444444444"}}

	enriched, _, err := r.EnrichHoldings(context.Background(), holdings)
	require.NoError(t, err)
	assert.Empty(t, enriched[0].Ticker)
	assert.Equal(t, NoteNoTickerFound, enriched[0].EnrichmentNotes)
}

func TestEnrichHoldings_RemoteOutageNote(t *testing.T) {
	st := newFakeStore()
	mapper := &fakeMapper{err: fmt.Errorf("connection refused")}

	r := newTestResolver(t, st, mapper)

	holdings := []nport.Holding{{Name: "Apple Inc", CUSIP: "037833100"}}

	enriched, stats, err := r.EnrichHoldings(context.Background(), holdings)
	require.NoError(t, err)
	assert.Equal(t, NoteResolutionUnavailable, enriched[0].EnrichmentNotes)
	assert.Equal(t, 1, stats.Unknown)
}

func TestIsDerivativeInstrument(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  bool
	}{
		{"Apple Inc", "Apple Inc", false},
		{"GS TRS on NDX", "", true},
		{"Equity Linked Note Series 4", "", true},
		{"Note linked to NASDAQ 100", "", true},
		{"", "Total Return Swap", true},
		{"Generic Derivative Contract", "", true},
		{"Melrose Industries", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsDerivativeInstrument(tt.name, tt.title),
			"name=%q title=%q", tt.name, tt.title)
	}
}

func TestStatsHitRate(t *testing.T) {
	assert.Equal(t, 0.0, Stats{}.HitRate())
	assert.InDelta(t, 0.75, Stats{CacheHits: 3, RemoteLookups: 1}.HitRate(), 1e-9)
}
