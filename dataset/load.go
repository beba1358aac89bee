// Package dataset loads a CSV file into a tabula.DatasetHandle: it detects
// the text encoding, infers pandas-style column types, and records sample
// rows and data hints for the generative service.
package dataset

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/CopeeeTang/tabula"
)

// ErrEmpty is returned for files without a header row.
var ErrEmpty = errors.New("dataset: file is empty")

var utf8BOM = []byte("\xef\xbb\xbf")

// Option configures Load.
type Option func(*config)

type config struct {
	sampleRows int
	logger     *slog.Logger
}

// WithSampleRows sets how many leading rows are kept as samples. Default: 5.
func WithSampleRows(n int) Option {
	return func(c *config) { c.sampleRows = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// fallback is one candidate in the encoding chain. Codec is the Python codec
// name the sandbox passes to pandas.
type fallback struct {
	codec string
	enc   encoding.Encoding // nil for UTF-8
}

var chain = []fallback{
	{"utf-8", nil},
	{"gbk", simplifiedchinese.GBK},
	{"latin1", charmap.ISO8859_1},
}

// Load reads the CSV at path and returns a handle describing it.
func Load(ctx context.Context, path string, opts ...Option) (tabula.DatasetHandle, error) {
	cfg := config{sampleRows: 5}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return tabula.DatasetHandle{}, fmt.Errorf("dataset: read %s: %w", path, err)
	}
	text, codec, err := decode(raw)
	if err != nil {
		return tabula.DatasetHandle{}, fmt.Errorf("dataset: decode %s: %w", path, err)
	}
	schema, err := Parse(ctx, strings.NewReader(text), cfg.sampleRows)
	if err != nil {
		return tabula.DatasetHandle{}, fmt.Errorf("dataset: parse %s: %w", path, err)
	}
	cfg.logger.Info("dataset loaded", "path", path, "encoding", codec,
		"rows", schema.Rows, "columns", len(schema.Columns))

	return tabula.DatasetHandle{
		Path:     path,
		Format:   "csv",
		Encoding: codec,
		Schema:   schema,
		LoadedAt: time.Now().UTC().Truncate(time.Millisecond),
	}, nil
}

// decode converts raw to UTF-8 text, trying utf-8 (with or without BOM),
// then gbk, then latin1.
func decode(raw []byte) (string, string, error) {
	if bytes.HasPrefix(raw, utf8BOM) {
		rest := raw[len(utf8BOM):]
		if utf8.Valid(rest) {
			return string(rest), "utf-8-sig", nil
		}
	}
	for _, fb := range chain {
		if fb.enc == nil {
			if utf8.Valid(raw) {
				return string(raw), fb.codec, nil
			}
			continue
		}
		out, _, err := transform.Bytes(fb.enc.NewDecoder(), raw)
		if err != nil {
			continue
		}
		// x/text decoders substitute U+FFFD for invalid input instead of
		// failing, so a replacement character means the guess was wrong.
		if fb.codec != "latin1" && bytes.ContainsRune(out, utf8.RuneError) {
			continue
		}
		return string(out), fb.codec, nil
	}
	return "", "", errors.New("no encoding in the fallback chain matched")
}

// Parse reads CSV text and infers its schema.
func Parse(ctx context.Context, r io.Reader, sampleRows int) (tabula.Schema, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return tabula.Schema{}, ErrEmpty
	}
	if err != nil {
		return tabula.Schema{}, fmt.Errorf("read header: %w", err)
	}
	cols := make([]*inferrer, len(header))
	for i, h := range header {
		cols[i] = newInferrer(strings.TrimSpace(h))
	}

	var schema tabula.Schema
	for {
		if schema.Rows%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return tabula.Schema{}, err
			}
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return tabula.Schema{}, fmt.Errorf("read row %d: %w", schema.Rows+1, err)
		}
		for i, v := range rec {
			cols[i].observe(v)
		}
		if len(schema.SampleRows) < sampleRows {
			schema.SampleRows = append(schema.SampleRows, append([]string(nil), rec...))
		}
		schema.Rows++
	}

	for _, c := range cols {
		schema.Columns = append(schema.Columns, c.column())
		if h := c.hint(); h != "" {
			schema.Hints = append(schema.Hints, h)
		}
	}
	return schema, nil
}
