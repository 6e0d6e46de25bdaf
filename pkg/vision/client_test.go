package vision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/features", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req analyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "uploads/u1/c1/front.jpg", req.ImageRef)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"ocr": [{"text": "Charizard", "confidence": 0.97}, {"text": "HP 120", "confidence": 0.9}],
			"border": {"left": 0.05, "right": 0.05, "top": 0.04, "bottom": 0.05, "symmetry": 0.92},
			"holo_variance": 0.61,
			"font": {"mean_height": 12.1, "height_stddev": 0.4, "baseline_deviation": 0.02},
			"quality": {"blur": 0.1, "glare": 0.05, "brightness": 0.55},
			"image": {"width": 1200, "height": 1680, "format": "jpeg", "phash": "f0e1d2c3b4a59687"}
		}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	env, err := c.Analyze(context.Background(), "uploads/u1/c1/front.jpg")
	require.NoError(t, err)
	assert.Equal(t, "uploads/u1/c1/front.jpg", env.ImageRef)
	require.Len(t, env.OCR, 2)
	assert.Equal(t, "Charizard", env.OCR[0].Text)
	assert.InDelta(t, 0.61, env.HoloVariance, 0.0001)
	assert.Equal(t, 1200, env.Image.Width)
	assert.Equal(t, "f0e1d2c3b4a59687", env.Image.PerceptualHash)
}

func TestAnalyze_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(strings.Repeat("x", 2000))) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Analyze(context.Background(), "bad.jpg")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Len(t, se.Body, maxErrorBody)
}

func TestAnalyze_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Analyze(context.Background(), "a.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vision: decode features")
}

func TestAnalyze_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", WithTimeout(20*time.Millisecond)).Analyze(context.Background(), "a.jpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vision: request failed")
}

func TestAnalyze_CustomHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"image_ref":"given.jpg","image":{"width":10,"height":10}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	env, err := NewClient(srv.URL, "", WithHTTPClient(srv.Client())).Analyze(context.Background(), "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "given.jpg", env.ImageRef)
}
