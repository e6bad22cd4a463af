package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRequest_JSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "token abc", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"hosts": ["a", "b"], "total": 2}`))
	}))
	defer srv.Close()

	a := findAction(t, HTTPActions(HTTPConfig{}), "http/request")
	out, err := a.Execute(context.Background(), Input{
		StepID: "fetch",
		With: map[string]any{
			"url":     srv.URL,
			"headers": map[string]any{"Authorization": "token abc"},
		},
		Run: newFakeRun(),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, out.Outputs["status_code"])
	body, ok := out.Outputs["body"].(map[string]any)
	require.True(t, ok, "JSON body is auto-parsed")
	assert.Equal(t, float64(2), body["total"])

	headers, ok := out.Outputs["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "application/json", headers["Content-Type"])
}

func TestHTTPRequest_PostJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "example.com", payload["target"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	a := findAction(t, HTTPActions(HTTPConfig{}), "http/request")
	out, err := a.Execute(context.Background(), Input{
		StepID: "post",
		With: map[string]any{
			"method": "post",
			"url":    srv.URL,
			"body":   map[string]any{"target": "example.com"},
		},
		Run: newFakeRun(),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, out.Outputs["status_code"])
}

func TestHTTPRequest_NonJSONBodyStaysString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	a := findAction(t, HTTPActions(HTTPConfig{}), "http/request")
	out, err := a.Execute(context.Background(), Input{
		StepID: "plain",
		With:   map[string]any{"url": srv.URL},
		Run:    newFakeRun(),
	})
	require.NoError(t, err)
	assert.Equal(t, "plain text", out.Outputs["body"])
}

func TestHTTPRequest_ErrorStatusIsNotActionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := findAction(t, HTTPActions(HTTPConfig{}), "http/request")
	out, err := a.Execute(context.Background(), Input{
		StepID: "err",
		With:   map[string]any{"url": srv.URL},
		Run:    newFakeRun(),
	})
	require.NoError(t, err, "status codes are data, not failures")
	assert.Equal(t, http.StatusInternalServerError, out.Outputs["status_code"])
}

func TestHTTPRequest_ValidateURL(t *testing.T) {
	a := findAction(t, HTTPActions(HTTPConfig{}), "http/request")

	assert.Error(t, a.Validate(map[string]any{}))
	assert.Error(t, a.Validate(map[string]any{"url": "ftp://example.com"}))
	assert.NoError(t, a.Validate(map[string]any{"url": "https://example.com"}))
}

func TestHTTPRequest_BodyTruncatedAtLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	a := findAction(t, HTTPActions(HTTPConfig{MaxResponseBody: 100}), "http/request")
	out, err := a.Execute(context.Background(), Input{
		StepID: "big",
		With:   map[string]any{"url": srv.URL},
		Run:    newFakeRun(),
	})
	require.NoError(t, err)
	assert.Len(t, out.Outputs["body"], 100)
}
