package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths contains the data directory layout.
// This is the single source of truth for file placement in the pipeline:
//
//	data/
//	  ├── documents/   (raw filing XML, one file per accession)
//	  ├── holdings/
//	  │    ├── raw/       (per-filing raw holdings CSV)
//	  │    ├── enriched/  (per-filing enriched holdings CSV)
//	  │    └── structured/ (per-filing structured JSON)
//	  └── fundholdings.db
type Paths struct {
	DataDir       string
	DocumentsDir  string
	RawDir        string
	EnrichedDir   string
	StructuredDir string
}

// NewPaths builds the layout under the given data directory.
func NewPaths(dataDir string) *Paths {
	holdingsDir := filepath.Join(dataDir, "holdings")
	return &Paths{
		DataDir:       dataDir,
		DocumentsDir:  filepath.Join(dataDir, "documents"),
		RawDir:        filepath.Join(holdingsDir, "raw"),
		EnrichedDir:   filepath.Join(holdingsDir, "enriched"),
		StructuredDir: filepath.Join(holdingsDir, "structured"),
	}
}

// EnsureDirectories creates every directory in the layout.
func (p *Paths) EnsureDirectories() error {
	dirs := []string{
		p.DataDir,
		p.DocumentsDir,
		p.RawDir,
		p.EnrichedDir,
		p.StructuredDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DocumentPath returns the path for a downloaded filing document.
func (p *Paths) DocumentPath(cik, seriesID, accession string) string {
	return filepath.Join(p.DocumentsDir, fmt.Sprintf("nport_%s_%s_%s.xml", cik, seriesID, cleanAccession(accession)))
}

// RawHoldingsPath returns the path for a raw holdings export.
func (p *Paths) RawHoldingsPath(seriesID, accession string) string {
	return filepath.Join(p.RawDir, fmt.Sprintf("holdings_raw_%s_%s.csv", seriesID, cleanAccession(accession)))
}

// EnrichedHoldingsPath returns the path for an enriched holdings export.
func (p *Paths) EnrichedHoldingsPath(seriesID, accession string) string {
	return filepath.Join(p.EnrichedDir, fmt.Sprintf("holdings_enriched_%s_%s.csv", seriesID, cleanAccession(accession)))
}

// StructuredPath returns the path for a structured JSON export.
func (p *Paths) StructuredPath(seriesID, accession string) string {
	return filepath.Join(p.StructuredDir, fmt.Sprintf("holdings_%s_%s.json", seriesID, cleanAccession(accession)))
}

// cleanAccession makes an accession number filename-safe.
func cleanAccession(accession string) string {
	out := make([]byte, 0, len(accession))
	for i := 0; i < len(accession); i++ {
		if accession[i] == '-' {
			out = append(out, '_')
		} else {
			out = append(out, accession[i])
		}
	}
	return string(out)
}
