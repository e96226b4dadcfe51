// Package edgar talks to the SEC EDGAR endpoints that feed the pipeline:
// the mutual-fund ticker index for series discovery, the submissions API
// for registrant filing history, the browse-edgar Atom feed for per-series
// filing lists, and the Archives for the filing documents themselves.
//
// All requests go through one rate-limited client so the combined request
// rate to SEC hosts stays under the published 10 req/s limit, with the
// required descriptive User-Agent.
package edgar

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"fundholdings/internal/config"
	apperrors "fundholdings/internal/errors"
	"fundholdings/internal/httpclient"
)

// nportForms are the portfolio-holdings form types the pipeline consumes.
var nportForms = map[string]bool{
	"NPORT-P":   true,
	"NPORT-P/A": true,
	"NPORT-EX":  true,
}

// Client fetches filing metadata and documents from EDGAR.
type Client struct {
	http        *httpclient.Client
	baseURL     string
	dataBaseURL string
	logger      *slog.Logger

	mu          sync.Mutex
	fundTickers []fundTickerRow
}

// NewClient builds an EDGAR client from configuration. The rate-limit
// budget is shared across www.sec.gov and data.sec.gov; SEC counts them
// together.
func NewClient(cfg config.SECConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := httpclient.New(httpclient.Options{
		MinInterval: cfg.MinInterval,
		MaxRetries:  cfg.MaxRetries,
		Timeout:     cfg.Timeout,
		// Accept-Encoding is left to the transport: when it negotiates
		// gzip itself, net/http decompresses transparently; pinning the
		// header here would hand back raw gzip bytes.
		Headers: map[string]string{
			"User-Agent": cfg.UserAgent,
		},
		RateLimitBodyMarker: "Request Rate Threshold Exceeded",
	}, logger)

	return &Client{
		http:        httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		dataBaseURL: strings.TrimRight(cfg.DataBaseURL, "/"),
		logger:      logger,
	}
}

// FormatCIK zero-pads a CIK to the 10 digits the submissions API expects.
func FormatCIK(cik string) string {
	cik = strings.TrimSpace(cik)
	if len(cik) >= 10 {
		return cik
	}
	return strings.Repeat("0", 10-len(cik)) + cik
}

// trimCIK removes leading zeros for Archives paths.
func trimCIK(cik string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(cik), "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

// FetchSubmissions retrieves the filing history for a registrant CIK.
func (c *Client) FetchSubmissions(ctx context.Context, cik string) (*Submissions, error) {
	endpoint := fmt.Sprintf("%s/submissions/CIK%s.json", c.dataBaseURL, FormatCIK(cik))

	resp, err := c.http.Get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetch submissions for CIK %s: %w", cik, err)
	}

	var subs Submissions
	if err := json.Unmarshal(resp.Body, &subs); err != nil {
		return nil, apperrors.NewParsingError(
			fmt.Sprintf("malformed submissions payload for CIK %s", cik), err)
	}
	return &subs, nil
}

// NPortFilings returns the registrant's recent portfolio-holdings filings.
// The recent block is column-oriented; rows are assembled by shared index.
func (c *Client) NPortFilings(ctx context.Context, cik string) ([]Filing, error) {
	subs, err := c.FetchSubmissions(ctx, cik)
	if err != nil {
		return nil, err
	}

	recent := subs.Filings.Recent
	var filings []Filing
	for i, form := range recent.Form {
		if !nportForms[form] {
			continue
		}
		f := Filing{CIK: cik, FormType: form}
		if i < len(recent.FilingDate) {
			f.FilingDate = recent.FilingDate[i]
		}
		if i < len(recent.AccessionNumber) {
			f.AccessionNumber = recent.AccessionNumber[i]
		}
		if i < len(recent.ReportDate) {
			f.ReportDate = recent.ReportDate[i]
		}
		filings = append(filings, f)
	}

	c.logger.InfoContext(ctx, "nport_filings_found",
		slog.String("cik", cik),
		slog.Int("count", len(filings)))
	return filings, nil
}

// fundTickerRow is one row of the column-oriented mutual-fund ticker index.
type fundTickerRow struct {
	CIK      string
	SeriesID string
	ClassID  string
	Symbol   string
}

// fundTickersPayload mirrors company_tickers_mf.json: a fields header plus
// row arrays.
type fundTickersPayload struct {
	Fields []string            `json:"fields"`
	Data   [][]json.RawMessage `json:"data"`
}

// FetchCompanySeries lists the fund series registered under a CIK, with
// class tickers, from the SEC mutual-fund ticker index. The index covers
// every registrant, so it is fetched once and reused across CIKs within a
// run.
func (c *Client) FetchCompanySeries(ctx context.Context, cik string) ([]Series, error) {
	rows, err := c.fundTickerRows(ctx)
	if err != nil {
		return nil, err
	}

	want := trimCIK(cik)
	bySeries := make(map[string]*Series)
	var order []string
	for _, row := range rows {
		if trimCIK(row.CIK) != want || row.SeriesID == "" {
			continue
		}
		s, ok := bySeries[row.SeriesID]
		if !ok {
			s = &Series{CIK: cik, SeriesID: row.SeriesID}
			bySeries[row.SeriesID] = s
			order = append(order, row.SeriesID)
		}
		if row.ClassID != "" || row.Symbol != "" {
			s.Classes = append(s.Classes, Class{ClassID: row.ClassID, Ticker: row.Symbol})
		}
	}

	series := make([]Series, 0, len(order))
	for _, id := range order {
		series = append(series, *bySeries[id])
	}

	c.logger.InfoContext(ctx, "series_discovered",
		slog.String("cik", cik),
		slog.Int("count", len(series)))
	return series, nil
}

func (c *Client) fundTickerRows(ctx context.Context) ([]fundTickerRow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fundTickers != nil {
		return c.fundTickers, nil
	}

	endpoint := c.baseURL + "/files/company_tickers_mf.json"
	resp, err := c.http.Get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetch fund ticker index: %w", err)
	}

	var payload fundTickersPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, apperrors.NewParsingError("malformed fund ticker index", err)
	}

	// Column positions come from the fields header, not fixed offsets.
	idx := make(map[string]int, len(payload.Fields))
	for i, f := range payload.Fields {
		idx[f] = i
	}
	for _, field := range []string{"cik", "seriesId", "classId", "symbol"} {
		if _, ok := idx[field]; !ok {
			return nil, apperrors.NewParsingError(
				fmt.Sprintf("fund ticker index missing field %q", field), nil)
		}
	}

	rows := make([]fundTickerRow, 0, len(payload.Data))
	for _, rec := range payload.Data {
		rows = append(rows, fundTickerRow{
			CIK:      rawToString(rec, idx["cik"]),
			SeriesID: rawToString(rec, idx["seriesId"]),
			ClassID:  rawToString(rec, idx["classId"]),
			Symbol:   rawToString(rec, idx["symbol"]),
		})
	}

	c.fundTickers = rows
	return rows, nil
}

// rawToString extracts a column value that may arrive as a JSON string or
// number.
func rawToString(rec []json.RawMessage, i int) string {
	if i >= len(rec) {
		return ""
	}
	var s string
	if err := json.Unmarshal(rec[i], &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(rec[i], &n); err == nil {
		return n.String()
	}
	return ""
}

// atomFeed mirrors the browse-edgar Atom response for a series CIK lookup.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Content struct {
		AccessionNumber string `xml:"accession-number"`
		FilingDate      string `xml:"filing-date"`
		FilingType      string `xml:"filing-type"`
	} `xml:"content"`
}

var accessionPattern = regexp.MustCompile(`\d{10}-\d{2}-\d{6}`)

// SeriesFilings lists a series' filings of one form type from the
// browse-edgar Atom feed. The series ID is accepted by browse-edgar in
// the CIK parameter.
func (c *Client) SeriesFilings(ctx context.Context, seriesID, formType string) ([]Filing, error) {
	if formType == "" {
		formType = "NPORT-P"
	}

	params := url.Values{}
	params.Set("action", "getcompany")
	params.Set("CIK", seriesID)
	params.Set("type", formType)
	params.Set("count", "40")
	params.Set("output", "atom")
	endpoint := c.baseURL + "/cgi-bin/browse-edgar?" + params.Encode()

	resp, err := c.http.Get(ctx, endpoint)
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrTypeNotFound) {
			c.logger.WarnContext(ctx, "series_filings_not_found",
				slog.String("series_id", seriesID))
			return nil, nil
		}
		return nil, fmt.Errorf("fetch filings for series %s: %w", seriesID, err)
	}

	var feed atomFeed
	if err := xml.Unmarshal(resp.Body, &feed); err != nil {
		return nil, apperrors.NewParsingError(
			fmt.Sprintf("malformed filing feed for series %s", seriesID), err)
	}

	var filings []Filing
	for _, entry := range feed.Entries {
		accession := accessionPattern.FindString(entry.Content.AccessionNumber)
		if accession == "" {
			continue
		}
		filings = append(filings, Filing{
			SeriesID:        seriesID,
			FormType:        entry.Content.FilingType,
			FilingDate:      entry.Content.FilingDate,
			AccessionNumber: accession,
		})
	}

	c.logger.InfoContext(ctx, "series_filings_found",
		slog.String("series_id", seriesID),
		slog.String("form_type", formType),
		slog.Int("count", len(filings)))
	return filings, nil
}

// DocumentURL builds the Archives URL of a filing's primary document.
func (c *Client) DocumentURL(cik, accessionNumber string) string {
	directory := strings.ReplaceAll(accessionNumber, "-", "")
	return fmt.Sprintf("%s/Archives/edgar/data/%s/%s/primary_doc.xml",
		c.baseURL, trimCIK(cik), directory)
}

// DownloadDocument fetches a filing's primary document. A missing document
// surfaces as a NOT_FOUND error so the orchestrator records a download
// failure instead of aborting the run.
func (c *Client) DownloadDocument(ctx context.Context, cik, accessionNumber string) ([]byte, error) {
	endpoint := c.DocumentURL(cik, accessionNumber)

	resp, err := c.http.Get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("download document %s: %w", accessionNumber, err)
	}

	c.logger.InfoContext(ctx, "document_downloaded",
		slog.String("cik", cik),
		slog.String("accession_number", accessionNumber),
		slog.Int("bytes", len(resp.Body)))
	return resp.Body, nil
}
