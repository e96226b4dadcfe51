package figi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundholdings/internal/config"
	"fundholdings/internal/shared/testutil"
)

func newTestFigiClient(t *testing.T, handler http.HandlerFunc, apiKey string) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger, _ := testutil.NewTestLogger(t)
	return NewClient(config.OpenFIGIConfig{
		BaseURL:     server.URL,
		APIKey:      apiKey,
		MinInterval: time.Nanosecond,
		MaxRetries:  0,
		Timeout:     5 * time.Second,
	}, logger)
}

func TestMapIdentifiers_CUSIPFilter(t *testing.T) {
	client := newTestFigiClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mapping", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var jobs []mappingJob
		require.NoError(t, json.NewDecoder(r.Body).Decode(&jobs))
		require.Len(t, jobs, 3)
		assert.Equal(t, "ID_CUSIP", jobs[0].IDType)
		assert.Equal(t, "US", jobs[0].ExchCode)

		w.Write([]byte(`[
			{"data": [{"ticker": "AAPL", "exchCode": "US", "marketSector": "Equity"}]},
			{"data": [
				{"ticker": "WRONG", "exchCode": "LN", "marketSector": "Equity"},
				{"ticker": "", "exchCode": "US", "marketSector": "Equity"},
				{"ticker": "MSFT", "exchCode": "US", "marketSector": "Equity"}
			]},
			{"error": "No identifier found."}
		]`))
	}, "")

	got, err := client.MapIdentifiers(context.Background(), IDCUSIP,
		[]string{"037833100", "594918104", "999999999"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"037833100": "AAPL",
		"594918104": "MSFT",
		"999999999": "",
	}, got)
}

func TestMapIdentifiers_ISINRequiresCommonStock(t *testing.T) {
	client := newTestFigiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"data": [
				{"ticker": "NOTE1", "exchCode": "US", "marketSector": "Equity", "securityType2": "Depositary Receipt"},
				{"ticker": "AAPL", "exchCode": "US", "marketSector": "Equity", "securityType2": "Common Stock"}
			]}
		]`))
	}, "")

	got, err := client.MapIdentifiers(context.Background(), IDISIN, []string{"US0378331005"})
	require.NoError(t, err)
	assert.Equal(t, "AAPL", got["US0378331005"])
}

func TestMapIdentifiers_CorpSectorAccepted(t *testing.T) {
	client := newTestFigiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"data": [{"ticker": "AAPL 3.25 02/23/26", "exchCode": "US", "marketSector": "Corp"}]}
		]`))
	}, "")

	got, err := client.MapIdentifiers(context.Background(), IDCUSIP, []string{"037833CS7"})
	require.NoError(t, err)
	assert.Equal(t, "AAPL 3.25 02/23/26", got["037833CS7"])
}

func TestMapIdentifiers_BatchesAtJobLimit(t *testing.T) {
	var batchSizes []int
	client := newTestFigiClient(t, func(w http.ResponseWriter, r *http.Request) {
		var jobs []mappingJob
		require.NoError(t, json.NewDecoder(r.Body).Decode(&jobs))
		batchSizes = append(batchSizes, len(jobs))

		results := make([]mappingResult, len(jobs))
		body, _ := json.Marshal(results)
		w.Write(body)
	}, "")

	ids := make([]string, 250)
	for i := range ids {
		ids[i] = fmt.Sprintf("%09d", i+1)
	}

	got, err := client.MapIdentifiers(context.Background(), IDCUSIP, ids)
	require.NoError(t, err)
	assert.Len(t, got, 250)
	assert.Equal(t, []int{100, 100, 50}, batchSizes)
}

func TestMapIdentifiers_APIKeyHeader(t *testing.T) {
	var gotKey string
	client := newTestFigiClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-OPENFIGI-APIKEY")
		w.Write([]byte(`[{"data": []}]`))
	}, "secret-key")

	_, err := client.MapIdentifiers(context.Background(), IDCUSIP, []string{"037833100"})
	require.NoError(t, err)
	assert.Equal(t, "secret-key", gotKey)
}

func TestMapIdentifiers_MismatchedResponseLength(t *testing.T) {
	client := newTestFigiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}, "")

	_, err := client.MapIdentifiers(context.Background(), IDCUSIP, []string{"037833100"})
	require.Error(t, err)
}
