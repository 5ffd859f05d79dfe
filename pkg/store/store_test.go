package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/defenderhub/defenderhub/pkg/catalog"
	"github.com/defenderhub/defenderhub/pkg/credential"
	"github.com/defenderhub/defenderhub/pkg/store"
	"github.com/defenderhub/defenderhub/pkg/store/storetest"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestRegisterEndpointReusesTokenForSameHostname(t *testing.T) {
	s := storetest.New(t)
	org := storetest.Organization(t, s, "Contoso")
	ctx := context.Background()

	first, err := s.RegisterEndpoint(ctx, store.Registration{OrganizationID: org.ID, Hostname: "H1", OSVersion: "10.0"})
	require.NoError(t, err)
	require.True(t, first.Created)
	require.Len(t, first.Endpoint.Token, 64)

	second, err := s.RegisterEndpoint(ctx, store.Registration{OrganizationID: org.ID, Hostname: "H1", OSVersion: "11.0", DefenderVersion: "4.18"})
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.Endpoint.Token, second.Endpoint.Token)
	require.Equal(t, first.Endpoint.ID, second.Endpoint.ID)
	require.Equal(t, "11.0", second.Endpoint.OSVersion)
	require.Equal(t, "4.18", second.Endpoint.DefenderVersion)

	var count int64
	require.NoError(t, s.DB().Model(&store.Endpoint{}).
		Where("organization_id = ? AND hostname = ?", org.ID, "H1").Count(&count).Error)
	require.EqualValues(t, 1, count)

	var msgs []string
	require.NoError(t, s.DB().Model(&store.AgentLog{}).Pluck("message", &msgs).Error)
	require.ElementsMatch(t, []string{store.MsgAgentRegistered, store.MsgAgentReRegistered}, msgs)
}

func TestRegisterEndpointDistinctHostnames(t *testing.T) {
	s := storetest.New(t)
	org := storetest.Organization(t, s, "Contoso")
	ctx := context.Background()

	a, err := s.RegisterEndpoint(ctx, store.Registration{OrganizationID: org.ID, Hostname: "A"})
	require.NoError(t, err)
	b, err := s.RegisterEndpoint(ctx, store.Registration{OrganizationID: org.ID, Hostname: "B"})
	require.NoError(t, err)
	require.NotEqual(t, a.Endpoint.Token, b.Endpoint.Token)
	require.NotEqual(t, a.Endpoint.ID, b.Endpoint.ID)
}

func TestRegisterEndpointUnknownOrganization(t *testing.T) {
	s := storetest.New(t)
	_, err := s.RegisterEndpoint(context.Background(), store.Registration{OrganizationID: "nope", Hostname: "A"})
	require.ErrorIs(t, err, store.ErrOrganizationNotFound)
}

func TestAuthenticate(t *testing.T) {
	s := storetest.New(t)
	org := storetest.Organization(t, s, "Contoso")
	ctx := context.Background()

	reg, err := s.RegisterEndpoint(ctx, store.Registration{OrganizationID: org.ID, Hostname: "A", TokenTTL: time.Hour})
	require.NoError(t, err)

	p, err := s.Authenticate(ctx, credential.KindEndpoint, reg.Endpoint.Token)
	require.NoError(t, err)
	require.Equal(t, reg.Endpoint.ID, p.ID)
	require.Equal(t, org.ID, p.OrganizationID)

	_, err = s.Authenticate(ctx, credential.KindEndpoint, "")
	require.ErrorIs(t, err, credential.ErrMissingToken)
	_, err = s.Authenticate(ctx, credential.KindEndpoint, "bogus")
	require.ErrorIs(t, err, credential.ErrInvalidToken)
	_, err = s.Authenticate(ctx, credential.KindRouter, reg.Endpoint.Token)
	require.ErrorIs(t, err, credential.ErrInvalidToken)

	s.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	_, err = s.Authenticate(ctx, credential.KindEndpoint, reg.Endpoint.Token)
	require.ErrorIs(t, err, credential.ErrTokenExpired)
}

func TestRegisterEndpointReissuesExpiredToken(t *testing.T) {
	s := storetest.New(t)
	org := storetest.Organization(t, s, "Contoso")
	ctx := context.Background()
	reg := store.Registration{OrganizationID: org.ID, Hostname: "A", TokenTTL: time.Hour}

	first, err := s.RegisterEndpoint(ctx, reg)
	require.NoError(t, err)

	live, err := s.RegisterEndpoint(ctx, reg)
	require.NoError(t, err)
	require.Equal(t, first.Endpoint.Token, live.Endpoint.Token)

	s.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	_, err = s.Authenticate(ctx, credential.KindEndpoint, first.Endpoint.Token)
	require.ErrorIs(t, err, credential.ErrTokenExpired)

	renewed, err := s.RegisterEndpoint(ctx, reg)
	require.NoError(t, err)
	require.False(t, renewed.Created)
	require.Equal(t, first.Endpoint.ID, renewed.Endpoint.ID)
	require.NotEqual(t, first.Endpoint.Token, renewed.Endpoint.Token)
	require.NotNil(t, renewed.Endpoint.ExpiresAt)

	p, err := s.Authenticate(ctx, credential.KindEndpoint, renewed.Endpoint.Token)
	require.NoError(t, err)
	require.Equal(t, first.Endpoint.ID, p.ID)
	_, err = s.Authenticate(ctx, credential.KindEndpoint, first.Endpoint.Token)
	require.ErrorIs(t, err, credential.ErrInvalidToken)

	var count int64
	require.NoError(t, s.DB().Model(&store.Endpoint{}).Where("organization_id = ?", org.ID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestUpsertThreatKeepsOneRowAndOneAuditEntry(t *testing.T) {
	s := storetest.New(t)
	org := storetest.Organization(t, s, "Contoso")
	ctx := context.Background()
	reg, err := s.RegisterEndpoint(ctx, store.Registration{OrganizationID: org.ID, Hostname: "A"})
	require.NoError(t, err)
	epID := reg.Endpoint.ID

	created, err := s.UpsertThreat(ctx, epID, store.ThreatReport{ThreatID: "X", ThreatName: "EICAR", Severity: "Low", Status: "Active"})
	require.NoError(t, err)
	require.True(t, created)

	changed := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	created, err = s.UpsertThreat(ctx, epID, store.ThreatReport{
		ThreatID:                   "X",
		ThreatName:                 "Renamed",
		Severity:                   "Severe",
		Status:                     "Resolved",
		LastThreatStatusChangeTime: &changed,
		RawData:                    datatypes.JSON(`{"k":1}`),
	})
	require.NoError(t, err)
	require.False(t, created)

	var threats []store.Threat
	require.NoError(t, s.DB().Where("endpoint_id = ?", epID).Find(&threats).Error)
	require.Len(t, threats, 1)
	require.Equal(t, "Resolved", threats[0].Status)
	require.Equal(t, "EICAR", threats[0].ThreatName)
	require.Equal(t, "Low", threats[0].Severity)
	require.NotNil(t, threats[0].LastThreatStatusChangeTime)
	require.True(t, changed.Equal(*threats[0].LastThreatStatusChangeTime))
	require.JSONEq(t, `{"k":1}`, string(threats[0].RawData))

	var audits int64
	require.NoError(t, s.DB().Model(&store.AgentLog{}).
		Where("endpoint_id = ? AND message LIKE ?", epID, "Threat detected%").Count(&audits).Error)
	require.EqualValues(t, 1, audits)
}

func TestUpsertThreatDefaults(t *testing.T) {
	s := storetest.New(t)
	org := storetest.Organization(t, s, "Contoso")
	ctx := context.Background()
	reg, err := s.RegisterEndpoint(ctx, store.Registration{OrganizationID: org.ID, Hostname: "A"})
	require.NoError(t, err)

	_, err = s.UpsertThreat(ctx, reg.Endpoint.ID, store.ThreatReport{ThreatID: "Y"})
	require.NoError(t, err)

	var th store.Threat
	require.NoError(t, s.DB().First(&th, "threat_id = ?", "Y").Error)
	require.Equal(t, store.DefaultThreatSeverity, th.Severity)
	require.Equal(t, store.DefaultThreatStatus, th.Status)
}

func TestUpsertThreatWithoutStatusKeepsStoredStatus(t *testing.T) {
	s := storetest.New(t)
	org := storetest.Organization(t, s, "Contoso")
	ctx := context.Background()
	reg, err := s.RegisterEndpoint(ctx, store.Registration{OrganizationID: org.ID, Hostname: "A"})
	require.NoError(t, err)

	_, err = s.UpsertThreat(ctx, reg.Endpoint.ID, store.ThreatReport{ThreatID: "Z", Status: "Resolved"})
	require.NoError(t, err)
	created, err := s.UpsertThreat(ctx, reg.Endpoint.ID, store.ThreatReport{ThreatID: "Z", RawData: datatypes.JSON(`{"seen":2}`)})
	require.NoError(t, err)
	require.False(t, created)

	var th store.Threat
	require.NoError(t, s.DB().First(&th, "threat_id = ?", "Z").Error)
	require.Equal(t, "Resolved", th.Status)
	require.JSONEq(t, `{"seen":2}`, string(th.RawData))
}

func TestInsertEventLogsIsAllOrNothing(t *testing.T) {
	s := storetest.New(t)
	org := storetest.Organization(t, s, "Contoso")
	ctx := context.Background()
	reg, err := s.RegisterEndpoint(ctx, store.Registration{OrganizationID: org.ID, Hostname: "A"})
	require.NoError(t, err)

	logs := []store.EventLog{
		{EndpointID: reg.Endpoint.ID, EventID: 1116, Message: "a"},
		{EndpointID: reg.Endpoint.ID, EventID: 1117, Message: "b"},
	}
	require.NoError(t, s.InsertEventLogs(ctx, logs))
	require.NoError(t, s.InsertEventLogs(ctx, nil))

	storetest.FailCreatesOn(t, s, "event_logs", errors.New("disk full"))
	err = s.InsertEventLogs(ctx, []store.EventLog{{EndpointID: reg.Endpoint.ID, EventID: 1, Message: "c"}})
	require.Error(t, err)

	var count int64
	require.NoError(t, s.DB().Model(&store.EventLog{}).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestPolicyForEndpoint(t *testing.T) {
	s := storetest.New(t)
	org := storetest.Organization(t, s, "Contoso")
	ctx := context.Background()
	reg, err := s.RegisterEndpoint(ctx, store.Registration{OrganizationID: org.ID, Hostname: "A"})
	require.NoError(t, err)

	p, err := s.PolicyForEndpoint(ctx, reg.Endpoint.ID)
	require.NoError(t, err)
	require.Nil(t, p)

	policy := &store.DefenderPolicy{
		OrganizationID:     org.ID,
		Name:               "Baseline",
		RealtimeProtection: true,
		CloudBlockLevel:    catalog.DefaultCloudBlockLevel,
		AsrRules: datatypes.NewJSONType(map[string]catalog.AsrAction{
			"block_lsass_credential_theft": catalog.AsrEnabled,
		}),
		ExclusionPaths: datatypes.JSONSlice[string]{`C:\Build`},
	}
	require.NoError(t, s.CreatePolicy(ctx, policy))
	require.NoError(t, s.AssignPolicy(ctx, reg.Endpoint.ID, &policy.ID))

	p, err = s.PolicyForEndpoint(ctx, reg.Endpoint.ID)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "Baseline", p.Name)
	require.Equal(t, catalog.AsrEnabled, p.AsrAction("block_lsass_credential_theft"))
	require.Equal(t, catalog.AsrDisabled, p.AsrAction("block_wmi_persistence"))
	require.Equal(t, []string{`C:\Build`}, []string(p.ExclusionPaths))

	require.NoError(t, s.DeletePolicy(ctx, policy.ID))
	ep, err := s.GetEndpoint(ctx, reg.Endpoint.ID)
	require.NoError(t, err)
	require.Nil(t, ep.PolicyID)
}

func TestEnrollRouterFailureModes(t *testing.T) {
	s := storetest.New(t)
	org := storetest.Organization(t, s, "Contoso")
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	one := 1

	tokens := map[string]store.RouterEnrollmentToken{
		"inactive":  {OrganizationID: org.ID, TokenHash: "h-inactive"},
		"expired":   {OrganizationID: org.ID, TokenHash: "h-expired", IsActive: true, ExpiresAt: &past},
		"exhausted": {OrganizationID: org.ID, TokenHash: "h-exhausted", IsActive: true, MaxUses: &one, UseCount: 1},
	}
	for _, tok := range tokens {
		require.NoError(t, s.CreateRouterEnrollmentToken(ctx, &tok))
	}

	cases := map[string]error{
		"h-missing":   store.ErrEnrollmentTokenNotFound,
		"h-inactive":  store.ErrEnrollmentTokenInactive,
		"h-expired":   store.ErrEnrollmentTokenExpired,
		"h-exhausted": store.ErrEnrollmentTokenExhausted,
	}
	for hash, want := range cases {
		_, err := s.EnrollRouter(ctx, store.RouterEnrollment{TokenHash: hash, Hostname: "gw", Vendor: "openwrt"})
		require.ErrorIs(t, err, want, hash)
	}

	var routers int64
	require.NoError(t, s.DB().Model(&store.Router{}).Count(&routers).Error)
	require.Zero(t, routers)
}

func TestEnrollRouterCreatesRowEveryTime(t *testing.T) {
	s := storetest.New(t)
	org := storetest.Organization(t, s, "Contoso")
	ctx := context.Background()
	two := 2
	tok := store.RouterEnrollmentToken{OrganizationID: org.ID, TokenHash: "h", IsActive: true, MaxUses: &two}
	require.NoError(t, s.CreateRouterEnrollmentToken(ctx, &tok))

	a, err := s.EnrollRouter(ctx, store.RouterEnrollment{TokenHash: "h", Hostname: "gw", Vendor: "openwrt"})
	require.NoError(t, err)
	b, err := s.EnrollRouter(ctx, store.RouterEnrollment{TokenHash: "h", Hostname: "gw", Vendor: "openwrt"})
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
	require.NotEqual(t, a.Token, b.Token)
	require.Equal(t, org.ID, a.OrganizationID)

	_, err = s.EnrollRouter(ctx, store.RouterEnrollment{TokenHash: "h", Hostname: "gw", Vendor: "openwrt"})
	require.ErrorIs(t, err, store.ErrEnrollmentTokenExhausted)

	var stored store.RouterEnrollmentToken
	require.NoError(t, s.DB().First(&stored, "id = ?", tok.ID).Error)
	require.Equal(t, 2, stored.UseCount)
}

func TestTouchRouter(t *testing.T) {
	s := storetest.New(t)
	org := storetest.Organization(t, s, "Contoso")
	ctx := context.Background()
	tok := store.RouterEnrollmentToken{OrganizationID: org.ID, TokenHash: "h", IsActive: true}
	require.NoError(t, s.CreateRouterEnrollmentToken(ctx, &tok))
	r, err := s.EnrollRouter(ctx, store.RouterEnrollment{TokenHash: "h", Hostname: "gw"})
	require.NoError(t, err)

	offline := false
	wan := "203.0.113.7"
	require.NoError(t, s.TouchRouter(ctx, r.ID, store.RouterHeartbeat{IsOnline: &offline, WanIP: &wan}))
	got, err := s.GetRouter(ctx, r.ID)
	require.NoError(t, err)
	require.False(t, got.IsOnline)
	require.Equal(t, wan, *got.WanIP)
	require.Nil(t, got.FirmwareVersion)

	require.NoError(t, s.TouchRouter(ctx, r.ID, store.RouterHeartbeat{}))
	got, err = s.GetRouter(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, got.IsOnline)
	require.Equal(t, wan, *got.WanIP)

	require.ErrorIs(t, s.TouchRouter(ctx, "missing", store.RouterHeartbeat{}), store.ErrNotFound)
}

func TestRedeemEnrollmentCode(t *testing.T) {
	s := storetest.New(t)
	org := storetest.Organization(t, s, "Contoso")
	ctx := context.Background()
	one := 1
	code := &store.EnrollmentCode{OrganizationID: org.ID, Code: "ab12cd34", Role: credential.RoleMember, IsActive: true, MaxUses: &one}
	require.NoError(t, s.CreateEnrollmentCode(ctx, code))
	require.Equal(t, "AB12CD34", code.Code)

	got, verdict, err := s.RedeemEnrollmentCode(ctx, " ab12cd34 ")
	require.NoError(t, err)
	require.True(t, verdict.Valid)
	require.Equal(t, 1, got.UseCount)

	_, verdict, err = s.RedeemEnrollmentCode(ctx, "AB12CD34")
	require.NoError(t, err)
	require.False(t, verdict.Valid)
	require.Equal(t, credential.ReasonExhausted, verdict.Reason)

	_, _, err = s.RedeemEnrollmentCode(ctx, "NOPE")
	require.ErrorIs(t, err, store.ErrNotFound)
}
