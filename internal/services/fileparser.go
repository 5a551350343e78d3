// Package services holds default implementations of the engine's block
// service collaborators. Deployments swap in their own where these do not
// fit; the engine treats a nil service as "this block type is unwired".
package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/halcyard/runloom/pkg/schema"
)

const (
	defaultMaxFileSize  = 50 * 1024 * 1024 // 50MB
	defaultFetchTimeout = 30 * time.Second
)

// FileParserConfig configures the HTTP file parser.
type FileParserConfig struct {
	MaxFileSize int64
	Timeout     time.Duration
}

// HTTPFileParser fetches file sources over HTTP and parses them locally.
// CSV is handled natively. PDF extraction needs a reasoning-backed parser,
// so this implementation rejects it with a clear error instead of guessing.
type HTTPFileParser struct {
	client  *http.Client
	maxSize int64
}

// NewHTTPFileParser creates a file parser with the given limits.
func NewHTTPFileParser(cfg FileParserConfig) *HTTPFileParser {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	return &HTTPFileParser{
		client:  &http.Client{Timeout: cfg.Timeout},
		maxSize: cfg.MaxFileSize,
	}
}

// ParseCSV fetches a CSV file and returns its rows as a list of maps keyed
// by the header row. Ragged rows keep the columns they have.
func (p *HTTPFileParser) ParseCSV(ctx context.Context, fileURL string) (any, error) {
	data, err := p.fetch(ctx, fileURL)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "parse csv %s: %v", fileURL, err).WithCause(err)
	}
	if len(records) == 0 {
		return []any{}, nil
	}

	header := records[0]
	rows := make([]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ParsePDF is not supported by the default parser.
func (p *HTTPFileParser) ParsePDF(_ context.Context, fileURL string, _ json.RawMessage) (json.RawMessage, error) {
	return nil, schema.NewErrorf(schema.ErrCodeExecution,
		"cannot parse %s: pdf extraction needs a reasoning-backed file parser", fileURL)
}

func (p *HTTPFileParser) fetch(ctx context.Context, fileURL string) ([]byte, error) {
	u, err := url.ParseRequestURI(fileURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid file url %q", fileURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fetch %s: %v", fileURL, err).WithCause(err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fetch %s: %v", fileURL, err).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "fetch %s: server returned %d", fileURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxSize+1))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "read %s: %v", fileURL, err).WithCause(err)
	}
	if int64(len(data)) > p.maxSize {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"file %s exceeds the %d byte limit", fileURL, p.maxSize)
	}
	return data, nil
}
