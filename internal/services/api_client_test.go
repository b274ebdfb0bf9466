package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPostSendsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "campusbridge-partner-api/1.0", r.Header.Get("User-Agent"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	err := client.Post("/messages", map[string]string{"subject": "Payment failed"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Payment failed", got["subject"])
}

func TestClientPostRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	err := client.Post("/messages", nil, nil, &RequestOptions{RetryDelay: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientPostDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	err := client.Post("/messages", nil, nil, &RequestOptions{RetryDelay: time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientPostDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer srv.Close()

	var result struct {
		ID string `json:"id"`
	}
	client := NewClient(srv.URL)
	require.NoError(t, client.Post("/messages", nil, &result, nil))
	assert.Equal(t, "msg_1", result.ID)
}
