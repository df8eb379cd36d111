package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPValidation(t *testing.T) {
	t.Parallel()

	_, err := NewHTTP(HTTPConfig{Endpoint: "http://localhost:9001"})
	assert.Error(t, err)

	_, err = NewHTTP(HTTPConfig{Name: "schema"})
	assert.Error(t, err)
}

func TestHTTPExecutorSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL string `json:"url"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://example.com", req.URL)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"score": 82,
			"data": {"pages_checked": 12},
			"issues": [{"code": "missing_alt", "severity": "warning", "message": "3 images lack alt text"}]
		}`))
	}))
	defer srv.Close()

	exec, err := NewHTTP(HTTPConfig{Name: "accessibility", Endpoint: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "accessibility", exec.Name())

	res, err := exec.Execute(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, 82, res.Score)
	assert.Equal(t, float64(12), res.Data["pages_checked"])
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "missing_alt", res.Issues[0].Code)
}

func TestHTTPExecutorErrorPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error_code": "upstream_error", "error_message": "crawler unavailable"}`))
	}))
	defer srv.Close()

	exec, err := NewHTTP(HTTPConfig{Name: "backlinks", Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), "https://example.com")
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "upstream_error", f.Code)
	assert.Equal(t, "crawler unavailable", f.Message)
}

func TestHTTPExecutorNonJSONStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	exec, err := NewHTTP(HTTPConfig{Name: "schema", Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), "https://example.com")
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "http_503", f.Code)
}

func TestHTTPExecutorMissingScore(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": {}}`))
	}))
	defer srv.Close()

	exec, err := NewHTTP(HTTPConfig{Name: "schema", Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), "https://example.com")
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "missing_score", f.Code)
}

func TestHTTPExecutorTimeout(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	exec, err := NewHTTP(HTTPConfig{Name: "schema", Endpoint: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), "https://example.com")
	require.Error(t, err)
	f := AsFailure(err)
	assert.Equal(t, "timeout", f.Code)
}
