package exporter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fundholdings/internal/nport"
)

// StructuredDocument bundles a filing's header with its holdings for
// downstream JSON consumers.
type StructuredDocument struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Filing      *nport.FilingMeta `json:"filing"`
	Holdings    []nport.Holding   `json:"holdings"`
}

// WriteStructuredJSON writes the bundled document to path.
func WriteStructuredJSON(path string, meta *nport.FilingMeta, holdings []nport.Holding) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}

	doc := StructuredDocument{
		GeneratedAt: time.Now().UTC(),
		Filing:      meta,
		Holdings:    holdings,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode structured document: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write structured document: %w", err)
	}
	return nil
}

// ReadStructuredJSON loads a structured document back.
func ReadStructuredJSON(path string) (*StructuredDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read structured document: %w", err)
	}
	var doc StructuredDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode structured document: %w", err)
	}
	return &doc, nil
}
