package tabula

import (
	"errors"
	"path/filepath"
	"time"
)

// Column describes one dataset column. Type uses pandas dtype names
// (int64, float64, bool, datetime64[ns], object).
type Column struct {
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type" yaml:"type"`
	NonNull int    `json:"non_null" yaml:"non_null"`
	Unique  int    `json:"unique" yaml:"unique"`
}

// Schema is the cached shape of a dataset.
type Schema struct {
	Columns    []Column   `json:"columns" yaml:"columns"`
	Rows       int        `json:"rows" yaml:"rows"`
	SampleRows [][]string `json:"sample_rows,omitempty" yaml:"sample_rows,omitempty"`
	// Hints are notes about columns whose stored form differs from their
	// meaning, e.g. currency amounts stored as text.
	Hints []string `json:"hints,omitempty" yaml:"hints,omitempty"`
}

// ColumnNames returns the column names in dataset order.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the named column.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// DatasetHandle references a loaded dataset. The executor reads the file at
// Path afresh for every execution, so executed code never observes changes
// made by earlier executions.
type DatasetHandle struct {
	Path     string    `json:"path" yaml:"path"`
	Format   string    `json:"format" yaml:"format"`     // "csv"
	Encoding string    `json:"encoding" yaml:"encoding"` // Python codec name
	Schema   Schema    `json:"schema" yaml:"schema"`
	LoadedAt time.Time `json:"loaded_at" yaml:"loaded_at"`
}

// Name returns the dataset file name.
func (h DatasetHandle) Name() string { return filepath.Base(h.Path) }

// Validate checks the fields the executor relies on.
func (h DatasetHandle) Validate() error {
	switch {
	case h.Path == "":
		return errors.New("dataset: empty path")
	case h.Format == "":
		return errors.New("dataset: empty format")
	case len(h.Schema.Columns) == 0:
		return errors.New("dataset: no columns")
	}
	return nil
}

// clone returns a deep copy so a GlobalContext never shares slices with its
// caller.
func (h DatasetHandle) clone() DatasetHandle {
	c := h
	c.Schema.Columns = append([]Column(nil), h.Schema.Columns...)
	c.Schema.Hints = append([]string(nil), h.Schema.Hints...)
	c.Schema.SampleRows = make([][]string, len(h.Schema.SampleRows))
	for i, r := range h.Schema.SampleRows {
		c.Schema.SampleRows[i] = append([]string(nil), r...)
	}
	return c
}
