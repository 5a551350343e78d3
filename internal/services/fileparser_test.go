package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCSVReturnsRowsKeyedByHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("name,price\nwidget,9.99\ngadget,19.50\n"))
	}))
	defer srv.Close()

	parser := NewHTTPFileParser(FileParserConfig{})
	rows, err := parser.ParseCSV(context.Background(), srv.URL)
	require.NoError(t, err)

	list, ok := rows.([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	assert.Equal(t, map[string]any{"name": "widget", "price": "9.99"}, list[0])
	assert.Equal(t, map[string]any{"name": "gadget", "price": "19.50"}, list[1])
}

func TestParseCSVRaggedRowsKeepTheirColumns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("a,b,c\n1,2\n"))
	}))
	defer srv.Close()

	parser := NewHTTPFileParser(FileParserConfig{})
	rows, err := parser.ParseCSV(context.Background(), srv.URL)
	require.NoError(t, err)

	list := rows.([]any)
	require.Len(t, list, 1)
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, list[0])
}

func TestParseCSVEmptyFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	parser := NewHTTPFileParser(FileParserConfig{})
	rows, err := parser.ParseCSV(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []any{}, rows)
}

func TestParseCSVRejectsNonHTTPURL(t *testing.T) {
	parser := NewHTTPFileParser(FileParserConfig{})

	_, err := parser.ParseCSV(context.Background(), "ftp://example.com/data.csv")
	require.Error(t, err)
}

func TestParseCSVServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	parser := NewHTTPFileParser(FileParserConfig{})
	_, err := parser.ParseCSV(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestParseCSVEnforcesSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("name\n" + "aaaaaaaaaaaaaaaaaaaa\n"))
	}))
	defer srv.Close()

	parser := NewHTTPFileParser(FileParserConfig{MaxFileSize: 10})
	_, err := parser.ParseCSV(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestParsePDFUnsupported(t *testing.T) {
	parser := NewHTTPFileParser(FileParserConfig{})

	_, err := parser.ParsePDF(context.Background(), "https://example.com/doc.pdf", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reasoning-backed")
}
