package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckHealthyServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	status := Check(context.Background(), srv.Client(), srv.URL, 120)
	require.True(t, status.Healthy, status.Issues)
	require.True(t, status.ServerReachable)
	require.False(t, status.LastSuccessfulSync.IsZero())
}

func TestCheckReportsDrift(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Date", time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	status := Check(context.Background(), srv.Client(), srv.URL, 120)
	require.False(t, status.Healthy)
	require.InDelta(t, 3600, status.TimeDrift, 5)
}

func TestCheckUnhealthyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	status := Check(context.Background(), srv.Client(), srv.URL, 120)
	require.False(t, status.Healthy)
	require.False(t, status.ServerReachable)
}

func TestCheckUnreachable(t *testing.T) {
	status := Check(context.Background(), nil, "http://127.0.0.1:1", 120)
	require.False(t, status.Healthy)
	require.NotEmpty(t, status.Issues)
}
