// Package nport extracts holdings from portfolio filing XML documents.
//
// Documents can run to hundreds of thousands of positions, so extraction is
// a forward-only token walk: each completed investment element is decoded,
// handed to the caller's callback, and released. Memory stays flat in the
// number of holdings.
package nport

import (
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "fundholdings/internal/errors"
)

// filing document namespaces. Real filings vary in prefix usage, so
// elements are matched by local name, but only inside one of these
// namespaces (or none); a foreign-namespace element never decodes as a
// holding or header.
const (
	nsNPort       = "http://www.sec.gov/edgar/nport"
	nsCommon      = "http://www.sec.gov/edgar/common"
	nsNPortCommon = "http://www.sec.gov/edgar/nportcommon"
)

func nportNamespace(space string) bool {
	switch space {
	case "", nsNPort, nsCommon, nsNPortCommon:
		return true
	}
	return false
}

// Extractor streams holdings out of a filing document.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor returns an Extractor logging data-quality findings to the
// given logger.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// xmlGenInfo mirrors the genInfo header element.
type xmlGenInfo struct {
	SeriesName    string `xml:"seriesName"`
	RegName       string `xml:"regName"`
	SeriesID      string `xml:"seriesId"`
	RegCIK        string `xml:"regCik"`
	RegLEI        string `xml:"regLei"`
	SeriesLEI     string `xml:"seriesLei"`
	RepPdEnd      string `xml:"repPdEnd"`
	RepPdDate     string `xml:"repPdDate"`
	IsFinalFiling string `xml:"isFinalFiling"`
}

// xmlFundInfo mirrors the fundInfo totals.
type xmlFundInfo struct {
	TotAssets string `xml:"totAssets"`
	TotLiabs  string `xml:"totLiabs"`
	NetAssets string `xml:"netAssets"`
}

// xmlHeaderData mirrors the submission header, including the series/class
// block nested under filerInfo.
type xmlHeaderData struct {
	SubmissionType string   `xml:"submissionType"`
	IsConfidential string   `xml:"isConfidential"`
	ClassIDs       []string `xml:"filerInfo>seriesClassInfo>classId"`
}

// xmlInvestment mirrors one invstOrSec element.
type xmlInvestment struct {
	Name        string `xml:"name"`
	LEI         string `xml:"lei"`
	Title       string `xml:"title"`
	CUSIP       string `xml:"cusip"`
	Identifiers struct {
		ISIN struct {
			Value string `xml:"value,attr"`
		} `xml:"isin"`
		Other struct {
			Value string `xml:"value,attr"`
			Desc  string `xml:"otherDesc,attr"`
		} `xml:"other"`
	} `xml:"identifiers"`
	Balance         string `xml:"balance"`
	Units           string `xml:"units"`
	CurCd           string `xml:"curCd"`
	ValUSD          string `xml:"valUSD"`
	PctVal          string `xml:"pctVal"`
	PayoffProfile   string `xml:"payoffProfile"`
	AssetCat        string `xml:"assetCat"`
	IssuerCat       string `xml:"issuerCat"`
	InvCountry      string `xml:"invCountry"`
	IsRestrictedSec string `xml:"isRestrictedSec"`
	FairValLevel    string `xml:"fairValLevel"`
	SecurityLending struct {
		IsCashCollateral    string `xml:"isCashCollateral"`
		IsNonCashCollateral string `xml:"isNonCashCollateral"`
		LoanByFundCondition struct {
			IsLoanByFund string `xml:"isLoanByFund,attr"`
			LoanVal      string `xml:"loanVal,attr"`
		} `xml:"loanByFundCondition"`
	} `xml:"securityLending"`
}

// Extract walks the document, invoking fn for every holding in document
// order. It returns the filing-level header once the walk completes. A
// document whose header cannot be assembled fails with a PARSING error;
// a holding with missing optional fields is still emitted, with the gap
// logged as a data-quality condition.
func (e *Extractor) Extract(r io.Reader, fn func(Holding) error) (*FilingMeta, error) {
	decoder := xml.NewDecoder(r)

	meta := &FilingMeta{}
	sawGenInfo := false
	missingName := 0
	missingIdentifier := 0
	percentTotal := decimal.Zero
	sawPercent := false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.NewParsingError("malformed filing document", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !nportNamespace(start.Name.Space) {
			continue
		}

		switch start.Name.Local {
		case "genInfo":
			var gi xmlGenInfo
			if err := decoder.DecodeElement(&gi, &start); err != nil {
				return nil, apperrors.NewParsingError("malformed genInfo header", err)
			}
			sawGenInfo = true
			meta.FundName = strings.TrimSpace(gi.SeriesName)
			meta.RegistrantName = strings.TrimSpace(gi.RegName)
			meta.SeriesID = strings.TrimSpace(gi.SeriesID)
			meta.RegistrantCIK = strings.TrimSpace(gi.RegCIK)
			meta.RegistrantLEI = strings.TrimSpace(gi.RegLEI)
			meta.SeriesLEI = strings.TrimSpace(gi.SeriesLEI)
			meta.ReportPeriodEnd = strings.TrimSpace(gi.RepPdEnd)
			meta.ReportDate = strings.TrimSpace(gi.RepPdDate)
			meta.IsFinalFiling = strings.TrimSpace(gi.IsFinalFiling)

		case "fundInfo":
			var fi xmlFundInfo
			if err := decoder.DecodeElement(&fi, &start); err != nil {
				return nil, apperrors.NewParsingError("malformed fundInfo header", err)
			}
			meta.TotalAssets = e.parseDecimal(fi.TotAssets, "totAssets")
			meta.TotalLiabilities = e.parseDecimal(fi.TotLiabs, "totLiabs")
			meta.NetAssets = e.parseDecimal(fi.NetAssets, "netAssets")

		case "headerData":
			var hd xmlHeaderData
			if err := decoder.DecodeElement(&hd, &start); err != nil {
				return nil, apperrors.NewParsingError("malformed submission header", err)
			}
			meta.SubmissionType = strings.TrimSpace(hd.SubmissionType)
			meta.IsConfidential = strings.TrimSpace(hd.IsConfidential)
			meta.ClassIDs = hd.ClassIDs

		case "invstOrSec":
			var inv xmlInvestment
			if err := decoder.DecodeElement(&inv, &start); err != nil {
				return nil, apperrors.NewParsingError(
					fmt.Sprintf("malformed investment element at position %d", meta.HoldingCount+1), err)
			}

			h := e.toHolding(inv)
			if h.Name == "" {
				missingName++
			}
			if h.CUSIP == "" && h.ISIN == "" && h.OtherID == "" {
				missingIdentifier++
			}
			if h.PercentValue.Valid {
				percentTotal = percentTotal.Add(h.PercentValue.Decimal)
				sawPercent = true
			}

			meta.HoldingCount++
			if err := fn(h); err != nil {
				return nil, err
			}
		}
	}

	if !sawGenInfo {
		return nil, apperrors.NewParsingError("filing document has no genInfo header", nil)
	}

	if sawPercent {
		meta.PercentTotal = decimal.NullDecimal{Decimal: percentTotal, Valid: true}
	}
	if missingName > 0 || missingIdentifier > 0 {
		e.logger.Warn("holdings_data_quality",
			slog.String("series_id", meta.SeriesID),
			slog.Int("holdings", meta.HoldingCount),
			slog.Int("missing_name", missingName),
			slog.Int("missing_identifier", missingIdentifier))
	}

	return meta, nil
}

// toHolding converts a decoded investment element, logging unparseable
// numerics rather than failing the holding.
func (e *Extractor) toHolding(inv xmlInvestment) Holding {
	return Holding{
		Name:                 strings.TrimSpace(inv.Name),
		LEI:                  strings.TrimSpace(inv.LEI),
		Title:                strings.TrimSpace(inv.Title),
		CUSIP:                normalizeIdentifier(inv.CUSIP),
		ISIN:                 normalizeIdentifier(inv.Identifiers.ISIN.Value),
		OtherID:              strings.TrimSpace(inv.Identifiers.Other.Value),
		OtherIDDesc:          strings.TrimSpace(inv.Identifiers.Other.Desc),
		Balance:              e.parseDecimal(inv.Balance, "balance"),
		Units:                strings.TrimSpace(inv.Units),
		Currency:             strings.TrimSpace(inv.CurCd),
		ValueUSD:             e.parseDecimal(inv.ValUSD, "valUSD"),
		PercentValue:         e.parseDecimal(inv.PctVal, "pctVal"),
		PayoffProfile:        strings.TrimSpace(inv.PayoffProfile),
		AssetCategory:        strings.TrimSpace(inv.AssetCat),
		IssuerCategory:       strings.TrimSpace(inv.IssuerCat),
		InvestmentCountry:    strings.TrimSpace(inv.InvCountry),
		IsRestrictedSecurity: strings.TrimSpace(inv.IsRestrictedSec),
		FairValueLevel:       strings.TrimSpace(inv.FairValLevel),
		IsCashCollateral:     strings.TrimSpace(inv.SecurityLending.IsCashCollateral),
		IsNonCashCollateral:  strings.TrimSpace(inv.SecurityLending.IsNonCashCollateral),
		IsLoanByFund:         strings.TrimSpace(inv.SecurityLending.LoanByFundCondition.IsLoanByFund),
		LoanValue:            e.parseDecimal(inv.SecurityLending.LoanByFundCondition.LoanVal, "loanVal"),
	}
}

// parseDecimal returns a null decimal for empty or placeholder values and
// logs anything that fails to parse.
func (e *Extractor) parseDecimal(raw, field string) decimal.NullDecimal {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "N/A" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		e.logger.Warn("unparseable_numeric_field",
			slog.String("field", field),
			slog.String("value", raw))
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// normalizeIdentifier uppercases and strips placeholder identifier values.
func normalizeIdentifier(raw string) string {
	id := strings.ToUpper(strings.TrimSpace(raw))
	switch id {
	case "", "N/A", "NONE", "000000000":
		return ""
	}
	return id
}

// percentTotalLow and percentTotalHigh bound the observational check on
// the sum of holding percent values. Filings legitimately stray from 100
// (short positions, rounding), so breach is a warning, never a failure.
var (
	percentTotalLow  = decimal.NewFromInt(95)
	percentTotalHigh = decimal.NewFromInt(105)
)

// PercentTotalSuspect reports whether the accumulated percent-of-net-assets
// total is far enough from 100 to be worth flagging.
func PercentTotalSuspect(meta *FilingMeta) bool {
	if meta == nil || !meta.PercentTotal.Valid {
		return false
	}
	total := meta.PercentTotal.Decimal
	return total.LessThan(percentTotalLow) || total.GreaterThan(percentTotalHigh)
}
