package edgar

// Class is a tradeable share class of a fund series.
type Class struct {
	ClassID string `json:"class_id"`
	Ticker  string `json:"ticker"`
}

// Series is a fund registration unit under one registrant CIK.
type Series struct {
	CIK      string  `json:"cik"`
	SeriesID string  `json:"series_id"`
	Classes  []Class `json:"classes"`
}

// Ticker returns the first class ticker of the series, or empty.
func (s Series) Ticker() string {
	for _, c := range s.Classes {
		if c.Ticker != "" {
			return c.Ticker
		}
	}
	return ""
}

// Filing is one portfolio-holdings filing reference from the filing index.
type Filing struct {
	CIK             string `json:"cik"`
	SeriesID        string `json:"series_id"`
	FormType        string `json:"form"`
	FilingDate      string `json:"filing_date"`
	AccessionNumber string `json:"accession_number"`
	ReportDate      string `json:"report_date"`
}

// Submissions mirrors the submissions API payload for one registrant.
// The recent filings block is column-oriented: parallel arrays indexed
// together.
type Submissions struct {
	CIK     string `json:"cik"`
	Name    string `json:"name"`
	Filings struct {
		Recent RecentFilings `json:"recent"`
	} `json:"filings"`
}

// RecentFilings holds the parallel filing attribute arrays.
type RecentFilings struct {
	AccessionNumber []string `json:"accessionNumber"`
	FilingDate      []string `json:"filingDate"`
	ReportDate      []string `json:"reportDate"`
	Form            []string `json:"form"`
}
