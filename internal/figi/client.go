// Package figi resolves security identifiers to exchange tickers through
// the OpenFIGI mapping API. Requests are batched up to the API's job limit
// and paced through the shared rate-limited client; the public tier allows
// 25 mapping requests per 7-second window.
package figi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fundholdings/internal/config"
	apperrors "fundholdings/internal/errors"
	"fundholdings/internal/httpclient"
)

// IdentifierType selects the identifier scheme for a mapping job.
type IdentifierType string

const (
	IDCUSIP IdentifierType = "ID_CUSIP"
	IDISIN  IdentifierType = "ID_ISIN"
)

// maxJobsPerRequest is the OpenFIGI mapping batch limit.
const maxJobsPerRequest = 100

// mappingJob is one entry in a mapping request. Lookups are pinned to US
// exchanges; the pipeline only resolves domestically listed tickers.
type mappingJob struct {
	IDType   string `json:"idType"`
	IDValue  string `json:"idValue"`
	ExchCode string `json:"exchCode"`
}

// mappingResult is one entry of the mapping response, parallel to the
// request jobs.
type mappingResult struct {
	Data []struct {
		Ticker        string `json:"ticker"`
		ExchCode      string `json:"exchCode"`
		MarketSector  string `json:"marketSector"`
		SecurityType2 string `json:"securityType2"`
	} `json:"data"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Client maps identifiers to tickers via the OpenFIGI v3 API.
type Client struct {
	http    *httpclient.Client
	baseURL string
	logger  *slog.Logger
}

// NewClient builds an OpenFIGI client. An API key raises the rate-limit
// tier and is passed via header when configured.
func NewClient(cfg config.OpenFIGIConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["X-OPENFIGI-APIKEY"] = cfg.APIKey
	}
	httpClient := httpclient.New(httpclient.Options{
		MinInterval: cfg.MinInterval,
		MaxRetries:  cfg.MaxRetries,
		Timeout:     cfg.Timeout,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Headers:     headers,
	}, logger)

	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// MapIdentifiers resolves each identifier to a US exchange ticker. The
// result map has an entry for every input identifier: the resolved ticker,
// or empty string when the API had no acceptable match. A transport-level
// failure returns an error and no partial map for the failed batch.
func (c *Client) MapIdentifiers(ctx context.Context, idType IdentifierType, values []string) (map[string]string, error) {
	results := make(map[string]string, len(values))

	for start := 0; start < len(values); start += maxJobsPerRequest {
		end := start + maxJobsPerRequest
		if end > len(values) {
			end = len(values)
		}
		if err := c.mapBatch(ctx, idType, values[start:end], results); err != nil {
			return nil, err
		}
	}

	return results, nil
}

func (c *Client) mapBatch(ctx context.Context, idType IdentifierType, values []string, results map[string]string) error {
	jobs := make([]mappingJob, len(values))
	for i, v := range values {
		jobs[i] = mappingJob{IDType: string(idType), IDValue: v, ExchCode: "US"}
	}

	payload, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("encode mapping request: %w", err)
	}

	resp, err := c.http.Post(ctx, c.baseURL+"/v3/mapping", "application/json", payload)
	if err != nil {
		return fmt.Errorf("mapping request for %d identifiers: %w", len(values), err)
	}

	var batch []mappingResult
	if err := json.Unmarshal(resp.Body, &batch); err != nil {
		return apperrors.NewParsingError("malformed mapping response", err)
	}
	if len(batch) != len(values) {
		return apperrors.NewParsingError(
			fmt.Sprintf("mapping response has %d results for %d jobs", len(batch), len(values)), nil)
	}

	found := 0
	for i, result := range batch {
		ticker := c.selectTicker(idType, result)
		results[values[i]] = ticker
		if ticker != "" {
			found++
		}
	}

	c.logger.DebugContext(ctx, "identifiers_mapped",
		slog.String("id_type", string(idType)),
		slog.Int("requested", len(values)),
		slog.Int("resolved", found))
	return nil
}

// selectTicker applies the acceptance filter to one job's matches. Only
// US-listed equity or corporate instruments count; ISIN lookups are
// additionally restricted to common-stock security types, since an ISIN
// matches depositary receipts and notes far more often than a CUSIP does.
func (c *Client) selectTicker(idType IdentifierType, result mappingResult) string {
	for _, item := range result.Data {
		if item.Ticker == "" || item.ExchCode != "US" {
			continue
		}
		if item.MarketSector != "Equity" && item.MarketSector != "Corp" {
			continue
		}
		if idType == IDISIN && item.SecurityType2 != "Common Stock" && item.SecurityType2 != "Equity" {
			continue
		}
		return item.Ticker
	}
	return ""
}
