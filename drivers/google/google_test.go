package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

const processResp = `{
	"document": {
		"text": "Name: Alice\nTotal: 42.00",
		"pages": [{
			"pageNumber": 1,
			"tokens": [
				{"layout": {"textAnchor": {"textSegments": [{"endIndex": "4"}]}, "confidence": 0.96}},
				{"layout": {"textAnchor": {"textSegments": [{"startIndex": "6", "endIndex": "11"}]}, "confidence": 0.92}}
			],
			"tables": [{
				"headerRows": [{"cells": [
					{"layout": {"textAnchor": {"textSegments": [{"endIndex": "4"}]}, "confidence": 0.9}},
					{"layout": {"textAnchor": {"textSegments": [{"startIndex": "6", "endIndex": "11"}]}, "confidence": 0.9}}
				]}],
				"bodyRows": [{"cells": [
					{"layout": {"textAnchor": {"textSegments": []}, "confidence": 0.8}},
					{"layout": {"textAnchor": {"textSegments": []}, "confidence": 0.8}}
				]}]
			}],
			"formFields": [{
				"fieldName": {"textAnchor": {"textSegments": [{"endIndex": "4"}]}, "confidence": 0.95},
				"fieldValue": {"textAnchor": {"textSegments": [{"startIndex": "6", "endIndex": "11"}]}, "confidence": 0.88}
			}],
			"detectedLanguages": [{"languageCode": "en", "confidence": 0.97}]
		}]
	}
}`

func staticTokens() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"})
}

func writeDoc(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.png")
	require.NoError(t, os.WriteFile(path, []byte("img"), 0o600))
	return path
}

func newTestDriver(t *testing.T, srv *httptest.Server) *Driver {
	t.Helper()
	d, err := New(Options{
		ProjectID:   "proj",
		ProcessorID: "proc",
		Endpoint:    srv.URL,
		TokenSource: staticTokens(),
		HTTPClient:  srv.Client(),
	})
	require.NoError(t, err)
	return d
}

func TestNewRequiresProjectAndProcessor(t *testing.T) {
	_, err := New(Options{ProjectID: "p"})
	require.Error(t, err)
	assert.Equal(t, ocr.CategoryConfiguration, ocr.CategoryOf(err))
}

func TestAnalyzeTranslatesDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/projects/proj/locations/us/processors/proc:process", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var body map[string]map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "image/png", body["rawDocument"]["mimeType"])
		assert.NotEmpty(t, body["rawDocument"]["content"])

		w.Write([]byte(processResp))
	}))
	defer srv.Close()

	d := newTestDriver(t, srv)
	res, err := d.Analyze(context.Background(), writeDoc(t))
	require.NoError(t, err)

	assert.Equal(t, ocr.EngineGoogle, res.EngineKind)
	assert.Equal(t, "Name: Alice\nTotal: 42.00", res.Text)
	assert.Equal(t, 1, res.PageCount)
	assert.Equal(t, 2, res.WordCount)
	assert.InDelta(t, 0.94, res.Confidence, 1e-9)
	assert.Equal(t, "en", res.LanguageDetected)

	require.Equal(t, 1, res.TableCount)
	tbl := res.Tables[0]
	assert.Equal(t, 2, tbl.RowCount)
	assert.Equal(t, 2, tbl.ColumnCount)
	require.Len(t, tbl.Cells, 4)
	assert.Equal(t, "Name", tbl.Cells[0].Text)
	assert.Equal(t, "Alice", tbl.Cells[1].Text)

	require.Len(t, res.KeyValuePairs, 1)
	assert.Equal(t, "Name", res.KeyValuePairs[0].Key)
	assert.Equal(t, "Alice", res.KeyValuePairs[0].Value)
}

func TestAnalyzeStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   ocr.Category
	}{
		{http.StatusTooManyRequests, ocr.CategoryTransient},
		{http.StatusInternalServerError, ocr.CategoryTransient},
		{http.StatusForbidden, ocr.CategoryPermanent},
		{http.StatusBadRequest, ocr.CategoryPermanent},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		d := newTestDriver(t, srv)
		_, err := d.Analyze(context.Background(), writeDoc(t))
		require.Error(t, err)
		assert.Equal(t, tc.want, ocr.CategoryOf(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/proj/locations/us/processors/proc", r.URL.Path)
		w.Write([]byte(`{"name": "projects/proj/locations/us/processors/proc"}`))
	}))
	defer srv.Close()

	d := newTestDriver(t, srv)
	assert.True(t, d.HealthCheck(context.Background()).Healthy)
}

func TestAnchorTextSkipsMalformedSegments(t *testing.T) {
	text := "hello world"
	got := anchorText(text, textAnchor{TextSegments: []textSegment{
		{EndIndex: "5"},
		{StartIndex: "99", EndIndex: "120"},
		{StartIndex: "6", EndIndex: "11"},
	}})
	assert.Equal(t, "helloworld", got)
}

func TestEstimateCost(t *testing.T) {
	d, err := New(Options{ProjectID: "p", ProcessorID: "x", TokenSource: staticTokens()})
	require.NoError(t, err)
	assert.Nil(t, d.EstimateCost(-1))
	assert.EqualValues(t, 1, *d.EstimateCost(1))
	assert.EqualValues(t, 15, *d.EstimateCost(10))
}
