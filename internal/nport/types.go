package nport

import "github.com/shopspring/decimal"

// Holding is one portfolio position from a filing's investments section.
// Numeric fields use NullDecimal so a value absent from the document stays
// distinguishable from an explicit zero all the way through export.
type Holding struct {
	Name  string `json:"name"`
	LEI   string `json:"lei"`
	Title string `json:"title"`

	CUSIP       string `json:"cusip"`
	ISIN        string `json:"isin"`
	OtherID     string `json:"other_id"`
	OtherIDDesc string `json:"other_id_desc"`

	Balance      decimal.NullDecimal `json:"balance"`
	Units        string              `json:"units"`
	Currency     string              `json:"currency"`
	ValueUSD     decimal.NullDecimal `json:"value_usd"`
	PercentValue decimal.NullDecimal `json:"percent_value"`

	PayoffProfile        string `json:"payoff_profile"`
	AssetCategory        string `json:"asset_category"`
	IssuerCategory       string `json:"issuer_category"`
	InvestmentCountry    string `json:"investment_country"`
	IsRestrictedSecurity string `json:"is_restricted_security"`
	FairValueLevel       string `json:"fair_value_level"`

	IsCashCollateral    string              `json:"is_cash_collateral"`
	IsNonCashCollateral string              `json:"is_non_cash_collateral"`
	IsLoanByFund        string              `json:"is_loan_by_fund"`
	LoanValue           decimal.NullDecimal `json:"loan_value"`

	// Provenance, stamped by the caller rather than parsed.
	SeriesID        string `json:"series_id"`
	AccessionNumber string `json:"accession_number"`
	ReportDate      string `json:"report_date"`

	// Enrichment output.
	Ticker             string `json:"ticker,omitempty"`
	EnrichmentDatetime string `json:"enrichment_datetime,omitempty"`
	EnrichmentNotes    string `json:"enrichment_notes,omitempty"`
}

// FilingMeta is the filing-level header extracted alongside the holdings.
type FilingMeta struct {
	FundName        string `json:"fund_name"`
	RegistrantName  string `json:"reg_name"`
	SeriesID        string `json:"series_id"`
	RegistrantCIK   string `json:"reg_cik"`
	RegistrantLEI   string `json:"reg_lei"`
	SeriesLEI       string `json:"series_lei"`
	ReportPeriodEnd string `json:"report_period_end"`
	ReportDate      string `json:"report_period_date"`
	IsFinalFiling   string `json:"is_final_filing"`

	TotalAssets      decimal.NullDecimal `json:"total_assets"`
	TotalLiabilities decimal.NullDecimal `json:"total_liabilities"`
	NetAssets        decimal.NullDecimal `json:"net_assets"`

	SubmissionType string   `json:"submission_type"`
	IsConfidential string   `json:"is_confidential"`
	ClassIDs       []string `json:"class_ids,omitempty"`

	// HoldingCount and PercentTotal are accumulated during extraction.
	HoldingCount int                 `json:"holding_count"`
	PercentTotal decimal.NullDecimal `json:"percent_total"`
}
