// Package health runs the router agent's preflight checks.
package health

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"
)

type HealthStatus struct {
	ServerReachable    bool      `json:"server_reachable"`
	TimeDrift          int       `json:"time_drift_seconds"`
	LastSuccessfulSync time.Time `json:"last_successful_sync"`
	Healthy            bool      `json:"healthy"`
	Issues             []string  `json:"issues,omitempty"`
}

// Check probes the server's /healthz endpoint and estimates clock drift from
// its Date header. A drifting clock breaks token expiry checks.
func Check(ctx context.Context, client *http.Client, serverURL string, maxTimeDrift int) *HealthStatus {
	status := &HealthStatus{
		Healthy: true,
		Issues:  []string{},
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/healthz", nil)
	if err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("invalid server url: %v", err))
		return status
	}

	sent := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("cannot reach server: %v", err))
		return status
	}
	resp.Body.Close()
	received := time.Now()

	status.ServerReachable = resp.StatusCode == http.StatusOK
	if !status.ServerReachable {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("server unhealthy: %d", resp.StatusCode))
	}

	if drift, ok := timeDrift(resp.Header.Get("Date"), sent, received); ok {
		status.TimeDrift = drift
		if drift > maxTimeDrift {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("time drift %ds exceeds max %ds", drift, maxTimeDrift))
		}
	}

	if status.Healthy {
		status.LastSuccessfulSync = received
	}

	return status
}

// timeDrift compares the server's Date header with the midpoint of the
// round trip. The header has one-second resolution.
func timeDrift(dateHeader string, sent, received time.Time) (int, bool) {
	if dateHeader == "" {
		return 0, false
	}
	serverTime, err := http.ParseTime(dateHeader)
	if err != nil {
		return 0, false
	}
	local := sent.Add(received.Sub(sent) / 2)
	return int(math.Round(math.Abs(local.Sub(serverTime).Seconds()))), true
}
