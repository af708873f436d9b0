package azure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

const succeededOp = `{
	"status": "succeeded",
	"analyzeResult": {
		"content": "Invoice Total 42.00",
		"pages": [{"pageNumber": 1, "words": [
			{"content": "Invoice", "confidence": 0.98},
			{"content": "Total", "confidence": 0.94},
			{"content": "42.00", "confidence": 0.90}
		]}],
		"tables": [{"rowCount": 2, "columnCount": 2, "cells": [
			{"rowIndex": 0, "columnIndex": 0, "content": "Item"},
			{"rowIndex": 0, "columnIndex": 1, "content": "Price"}
		]}],
		"keyValuePairs": [{"key": {"content": "Total"}, "value": {"content": "42.00"}, "confidence": 0.91}],
		"languages": [{"locale": "en", "confidence": 0.99}]
	}
}`

func writeDoc(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.png")
	require.NoError(t, os.WriteFile(path, []byte("fake-image-bytes"), 0o600))
	return path
}

func newTestDriver(t *testing.T, srv *httptest.Server) *Driver {
	t.Helper()
	d, err := New(Options{
		Endpoint:     srv.URL,
		APIKey:       "k",
		PollInterval: time.Millisecond,
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, err)
	return d
}

func TestNewRequiresEndpointAndKey(t *testing.T) {
	_, err := New(Options{APIKey: "k"})
	require.Error(t, err)
	assert.Equal(t, ocr.CategoryConfiguration, ocr.CategoryOf(err))

	_, err = New(Options{Endpoint: "https://x"})
	require.Error(t, err)
	assert.Equal(t, ocr.CategoryConfiguration, ocr.CategoryOf(err))
}

func TestAnalyzeSubmitPollTranslate(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /documentintelligence/documentModels/prebuilt-layout:analyze", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("Ocp-Apim-Subscription-Key"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body["base64Source"])
		w.Header().Set("Operation-Location", srv.URL+"/op/1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /op/1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) == 1 {
			w.Write([]byte(`{"status": "running"}`))
			return
		}
		w.Write([]byte(succeededOp))
	})

	d := newTestDriver(t, srv)
	res, err := d.Analyze(context.Background(), writeDoc(t))
	require.NoError(t, err)

	assert.Equal(t, ocr.EngineAzure, res.EngineKind)
	assert.Equal(t, "Invoice Total 42.00", res.Text)
	assert.Equal(t, 1, res.PageCount)
	assert.Equal(t, 3, res.WordCount)
	assert.InDelta(t, 0.94, res.Confidence, 1e-9)
	assert.Equal(t, 1, res.TableCount)
	require.Len(t, res.KeyValuePairs, 1)
	assert.Equal(t, "Total", res.KeyValuePairs[0].Key)
	assert.Equal(t, "42.00", res.KeyValuePairs[0].Value)
	assert.Equal(t, "en", res.LanguageDetected)
	assert.NotEmpty(t, res.RawResponse)
	assert.GreaterOrEqual(t, int32(2), atomic.LoadInt32(&polls))
}

func TestAnalyzeOperationFailed(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /documentintelligence/documentModels/prebuilt-layout:analyze", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Operation-Location", srv.URL+"/op/2")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /op/2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "failed", "error": {"code": "InvalidContent", "message": "corrupt file"}}`))
	})

	d := newTestDriver(t, srv)
	_, err := d.Analyze(context.Background(), writeDoc(t))
	require.Error(t, err)
	assert.Equal(t, ocr.CategoryPermanent, ocr.CategoryOf(err))
	assert.Contains(t, err.Error(), "corrupt file")
}

func TestAnalyzeStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   ocr.Category
	}{
		{http.StatusTooManyRequests, ocr.CategoryTransient},
		{http.StatusServiceUnavailable, ocr.CategoryTransient},
		{http.StatusUnauthorized, ocr.CategoryPermanent},
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

func TestAnalyzeCancelledDuringPoll(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /documentintelligence/documentModels/prebuilt-layout:analyze", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Operation-Location", srv.URL+"/op/3")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /op/3", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "running"}`))
	})

	d, err := New(Options{
		Endpoint:     srv.URL,
		APIKey:       "k",
		PollInterval: time.Hour,
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = d.Analyze(ctx, writeDoc(t))
	require.Error(t, err)
	assert.Equal(t, ocr.CategoryCancelled, ocr.CategoryOf(err))
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"modelId": "prebuilt-layout"}`))
	}))
	defer srv.Close()

	d := newTestDriver(t, srv)
	h := d.HealthCheck(context.Background())
	assert.True(t, h.Healthy)

	bad, err := New(Options{Endpoint: srv.URL, APIKey: "wrong", HTTPClient: srv.Client()})
	require.NoError(t, err)
	h = bad.HealthCheck(context.Background())
	assert.False(t, h.Healthy)
}

func TestEstimateCost(t *testing.T) {
	d, err := New(Options{Endpoint: "https://x", APIKey: "k"})
	require.NoError(t, err)
	assert.Nil(t, d.EstimateCost(0))
	require.NotNil(t, d.EstimateCost(1))
	assert.EqualValues(t, 1, *d.EstimateCost(1))
	assert.EqualValues(t, 15, *d.EstimateCost(10))
}
