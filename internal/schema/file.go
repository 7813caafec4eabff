package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ExportFileName is the default name of a manual backup.
const ExportFileName = "quittances_data.json"

// ErrImport is returned when an import file cannot be read or decoded.
var ErrImport = errors.New("invalid import file")

// MarshalExport renders d as indented JSON.
func MarshalExport(d Document) ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteExportFile writes d to path as human-readable JSON.
func WriteExportFile(path string, d Document) error {
	data, err := MarshalExport(d)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write export file %s: %w", path, err)
	}
	return nil
}

// ParseImport decodes an export (current or legacy layout) and normalizes
// it. Unlike NormalizeJSON, bytes that are not JSON are an error, so a bad
// file never replaces the working document.
func ParseImport(data []byte) (Document, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrImport, err)
	}
	return Normalize(raw), nil
}

// ReadImportFile reads and parses the file at path.
func ReadImportFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrImport, err)
	}
	doc, err := ParseImport(data)
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}
