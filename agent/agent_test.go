package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/defenderhub/defenderhub/pkg/auth"
	"github.com/defenderhub/defenderhub/pkg/config"
	"github.com/stretchr/testify/require"
)

// fakeCheckin records router check-ins and answers like the server does.
type fakeCheckin struct {
	mu       sync.Mutex
	requests []auth.RouterCheckinRequest
	failures int
	reject   bool
}

func (f *fakeCheckin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var req auth.RouterCheckinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || r.URL.Path != "/router-checkin" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.requests = append(f.requests, req)

	if f.failures > 0 {
		f.failures--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if f.reject {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(auth.ErrorResponse{Error: "invalid enrollment token"})
		return
	}
	switch req.Action {
	case auth.ActionEnroll:
		_ = json.NewEncoder(w).Encode(auth.RouterEnrollResponse{
			Success:        true,
			RouterID:       "router-1",
			OrganizationID: "org-1",
			AgentToken:     "tok-1",
		})
	default:
		_ = json.NewEncoder(w).Encode(auth.RouterHeartbeatResponse{Success: true})
	}
}

func (f *fakeCheckin) seen() []auth.RouterCheckinRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]auth.RouterCheckinRequest(nil), f.requests...)
}

func testAgent(t *testing.T, url string) *Agent {
	t.Helper()
	cfg := config.DefaultAgentConfig()
	cfg.Server.URL = url
	cfg.Server.AllowInsecureHTTP = true
	cfg.Server.EnrollToken = "enroll-secret"
	cfg.Server.RetryInitialMs = 1
	cfg.Server.RetryMaxMs = 2
	cfg.Identity.Path = filepath.Join(t.TempDir(), "router.json")
	require.NoError(t, cfg.Validate())
	return newAgent(cfg, device{Hostname: "gw-1", Vendor: "MikroTik", Model: "hAP", LanIP: "192.168.88.1", WanIP: "203.0.113.9"})
}

func TestEnrollPersistsIdentityAndHeartbeatUsesIt(t *testing.T) {
	fake := &fakeCheckin{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := testAgent(t, srv.URL)
	require.NoError(t, a.loadOrEnroll(context.Background()))
	require.Equal(t, "router-1", a.identity.RouterID)

	saved, err := auth.LoadIdentity(a.config.Identity.Path)
	require.NoError(t, err)
	require.Equal(t, "tok-1", saved.AgentToken)
	require.Equal(t, srv.URL, saved.ServerURL)

	require.NoError(t, a.heartbeat(context.Background()))

	requests := fake.seen()
	require.Len(t, requests, 2)
	enroll := requests[0]
	require.Equal(t, auth.ActionEnroll, enroll.Action)
	require.Equal(t, "enroll-secret", enroll.EnrollmentToken)
	require.Equal(t, "gw-1", enroll.Hostname)
	require.Equal(t, "MikroTik", enroll.Vendor)
	require.Equal(t, "192.168.88.1", *enroll.LanIP)
	require.Nil(t, enroll.MacAddress)

	hb := requests[1]
	require.Equal(t, auth.ActionHeartbeat, hb.Action)
	require.Equal(t, "tok-1", hb.AgentToken)
	require.True(t, *hb.IsOnline)
	require.Equal(t, "203.0.113.9", *hb.WanIP)
}

func TestLoadOrEnrollReusesIdentity(t *testing.T) {
	fake := &fakeCheckin{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := testAgent(t, srv.URL)
	existing := &auth.Identity{RouterID: "router-9", AgentToken: "tok-9", ServerURL: srv.URL}
	require.NoError(t, existing.Save(a.config.Identity.Path))

	require.NoError(t, a.loadOrEnroll(context.Background()))
	require.Equal(t, "router-9", a.identity.RouterID)
	require.Empty(t, fake.seen())
}

func TestLoadOrEnrollWithoutToken(t *testing.T) {
	a := testAgent(t, "http://127.0.0.1:1")
	a.config.Server.EnrollToken = ""
	a.config.Server.EnrollTokenFile = filepath.Join(t.TempDir(), "missing.token")

	err := a.loadOrEnroll(context.Background())
	require.ErrorIs(t, err, config.ErrMissingEnrollToken)
	_, statErr := os.Stat(a.config.Identity.Path)
	require.True(t, os.IsNotExist(statErr))
}

func TestCheckinRetriesTransientFailures(t *testing.T) {
	fake := &fakeCheckin{failures: 2}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := testAgent(t, srv.URL)
	require.NoError(t, a.loadOrEnroll(context.Background()))
	require.Len(t, fake.seen(), 3)
}

func TestCheckinDoesNotRetryRejection(t *testing.T) {
	fake := &fakeCheckin{reject: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	a := testAgent(t, srv.URL)
	err := a.loadOrEnroll(context.Background())
	require.Error(t, err)

	var rejected *checkinError
	require.ErrorAs(t, err, &rejected)
	require.True(t, rejected.Unauthorized())
	require.Equal(t, "invalid enrollment token", rejected.Message)
	require.Len(t, fake.seen(), 1)
}

func TestReadRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openwrt_release")
	require.NoError(t, os.WriteFile(path, []byte("DISTRIB_ID='OpenWrt'\nDISTRIB_RELEASE='23.05.3'\nDISTRIB_TARGET='ramips/mt7621'\n"), 0o644))

	values := readRelease(path)
	require.Equal(t, "23.05.3", values["DISTRIB_RELEASE"])
	require.Equal(t, "ramips/mt7621", values["DISTRIB_TARGET"])
	require.Nil(t, readRelease(filepath.Join(t.TempDir(), "absent")))
}

func TestDetectDeviceKeepsOverrides(t *testing.T) {
	d := detectDevice(config.DeviceConfig{
		Hostname:   "edge",
		Vendor:     "Ubiquiti",
		LanIP:      "10.0.0.1",
		MacAddress: "aa:bb:cc:dd:ee:ff",
	})
	require.Equal(t, "edge", d.Hostname)
	require.Equal(t, "Ubiquiti", d.Vendor)
	require.Equal(t, "10.0.0.1", d.LanIP)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", d.MacAddress)
}
