// Package exporter writes extracted holdings to their downstream formats:
// a flat CSV per filing (raw, then enriched) and a structured JSON document
// bundling the filing header with its positions. The CSV writer streams so
// a six-figure holding count never needs to sit in memory.
package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"fundholdings/internal/nport"
)

// baseColumns is the stable flat-record column order. Enriched exports
// append the enrichment columns; readers accept either shape.
var baseColumns = []string{
	"name",
	"lei",
	"title",
	"cusip",
	"isin",
	"other_id",
	"other_id_desc",
	"balance",
	"units",
	"currency",
	"value_usd",
	"percent_value",
	"payoff_profile",
	"asset_category",
	"issuer_category",
	"investment_country",
	"is_restricted_security",
	"fair_value_level",
	"is_cash_collateral",
	"is_non_cash_collateral",
	"is_loan_by_fund",
	"loan_value",
	"series_id",
	"accession_number",
	"report_date",
}

var enrichedColumns = append(append([]string{}, baseColumns...),
	"ticker", "enrichment_datetime", "enrichment_notes")

// HoldingsWriter streams holdings into a CSV file one record at a time.
type HoldingsWriter struct {
	file     *os.File
	writer   *csv.Writer
	enriched bool
	count    int
}

// NewHoldingsWriter creates the file (and parent directories) and writes
// the header row. Enriched writers carry the three enrichment columns.
func NewHoldingsWriter(path string, enriched bool) (*HoldingsWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create export file: %w", err)
	}

	writer := csv.NewWriter(file)
	header := baseColumns
	if enriched {
		header = enrichedColumns
	}
	if err := writer.Write(header); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	return &HoldingsWriter{file: file, writer: writer, enriched: enriched}, nil
}

// Write appends one holding.
func (w *HoldingsWriter) Write(h nport.Holding) error {
	if err := w.writer.Write(holdingToRecord(h, w.enriched)); err != nil {
		return fmt.Errorf("write holding record: %w", err)
	}
	w.count++
	// Bounded memory: flush the encoder buffer periodically.
	if w.count%1000 == 0 {
		w.writer.Flush()
		if err := w.writer.Error(); err != nil {
			return fmt.Errorf("flush holdings: %w", err)
		}
	}
	return nil
}

// Count returns the number of holdings written so far.
func (w *HoldingsWriter) Count() int { return w.count }

// Close flushes and closes the file.
func (w *HoldingsWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		w.file.Close()
		return fmt.Errorf("flush holdings: %w", err)
	}
	return w.file.Close()
}

// WriteHoldingsCSV writes a full slice in one call.
func WriteHoldingsCSV(path string, holdings []nport.Holding, enriched bool) error {
	w, err := NewHoldingsWriter(path, enriched)
	if err != nil {
		return err
	}
	for _, h := range holdings {
		if err := w.Write(h); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// ReadHoldingsCSV loads a holdings export back into memory, accepting both
// raw and enriched column sets.
func ReadHoldingsCSV(path string) ([]nport.Holding, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open holdings file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.TrimSpace(col)] = i
	}
	for _, col := range baseColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("holdings file %s missing column %q", path, col)
		}
	}

	var holdings []nport.Holding
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read holdings file %s: %w", path, err)
		}
		h, err := recordToHolding(record, index)
		if err != nil {
			return nil, fmt.Errorf("parse record %d: %w", len(holdings)+2, err)
		}
		holdings = append(holdings, h)
	}

	return holdings, nil
}

func holdingToRecord(h nport.Holding, enriched bool) []string {
	record := []string{
		h.Name,
		h.LEI,
		h.Title,
		h.CUSIP,
		h.ISIN,
		h.OtherID,
		h.OtherIDDesc,
		decimalString(h.Balance),
		h.Units,
		h.Currency,
		decimalString(h.ValueUSD),
		decimalString(h.PercentValue),
		h.PayoffProfile,
		h.AssetCategory,
		h.IssuerCategory,
		h.InvestmentCountry,
		h.IsRestrictedSecurity,
		h.FairValueLevel,
		h.IsCashCollateral,
		h.IsNonCashCollateral,
		h.IsLoanByFund,
		decimalString(h.LoanValue),
		h.SeriesID,
		h.AccessionNumber,
		h.ReportDate,
	}
	if enriched {
		record = append(record, h.Ticker, h.EnrichmentDatetime, h.EnrichmentNotes)
	}
	return record
}

func recordToHolding(record []string, index map[string]int) (nport.Holding, error) {
	get := func(col string) string {
		i, ok := index[col]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var h nport.Holding
	var err error

	h.Name = get("name")
	h.LEI = get("lei")
	h.Title = get("title")
	h.CUSIP = get("cusip")
	h.ISIN = get("isin")
	h.OtherID = get("other_id")
	h.OtherIDDesc = get("other_id_desc")
	h.Units = get("units")
	h.Currency = get("currency")
	h.PayoffProfile = get("payoff_profile")
	h.AssetCategory = get("asset_category")
	h.IssuerCategory = get("issuer_category")
	h.InvestmentCountry = get("investment_country")
	h.IsRestrictedSecurity = get("is_restricted_security")
	h.FairValueLevel = get("fair_value_level")
	h.IsCashCollateral = get("is_cash_collateral")
	h.IsNonCashCollateral = get("is_non_cash_collateral")
	h.IsLoanByFund = get("is_loan_by_fund")
	h.SeriesID = get("series_id")
	h.AccessionNumber = get("accession_number")
	h.ReportDate = get("report_date")
	h.Ticker = get("ticker")
	h.EnrichmentDatetime = get("enrichment_datetime")
	h.EnrichmentNotes = get("enrichment_notes")

	if h.Balance, err = parseDecimal(get("balance")); err != nil {
		return h, fmt.Errorf("balance: %w", err)
	}
	if h.ValueUSD, err = parseDecimal(get("value_usd")); err != nil {
		return h, fmt.Errorf("value_usd: %w", err)
	}
	if h.PercentValue, err = parseDecimal(get("percent_value")); err != nil {
		return h, fmt.Errorf("percent_value: %w", err)
	}
	if h.LoanValue, err = parseDecimal(get("loan_value")); err != nil {
		return h, fmt.Errorf("loan_value: %w", err)
	}

	return h, nil
}

// decimalString renders a null decimal as empty so absence survives the
// round trip.
func decimalString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func parseDecimal(raw string) (decimal.NullDecimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}
