package main

import (
	"net/http"
	"testing"

	"github.com/defenderhub/defenderhub/pkg/auth"
	"github.com/defenderhub/defenderhub/pkg/catalog"
	"github.com/defenderhub/defenderhub/pkg/config"
	"github.com/defenderhub/defenderhub/pkg/credential"
	"github.com/defenderhub/defenderhub/pkg/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestAdminRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/admin/endpoints", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "missing bearer token", decode(t, resp)["error"])

	resp = env.do(http.MethodGet, "/admin/endpoints", nil, map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = env.admin(http.MethodGet, "/admin/endpoints", nil)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ServerConfig) { cfg.AdminToken = "" })
	resp := env.do(http.MethodGet, "/admin/endpoints", nil, map[string]string{"Authorization": "Bearer "})
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestAdminOrganizationAndEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.admin(http.MethodPost, "/admin/organizations", gin.H{"name": "Fabrikam", "event_log_retention_days": 90})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	org := decode(t, resp)["organization"].(map[string]any)
	require.NotEmpty(t, org["id"])

	resp = env.admin(http.MethodPost, "/admin/organizations", gin.H{"name": ""})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	env.register("WS-B")
	env.register("WS-A")
	resp = env.admin(http.MethodGet, "/admin/endpoints?organization_id="+env.org.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	endpoints := decode(t, resp)["endpoints"].([]any)
	require.Len(t, endpoints, 2)
	require.Equal(t, "WS-A", endpoints[0].(map[string]any)["hostname"])
	require.NotContains(t, endpoints[0].(map[string]any), "agent_token")
}

func TestAdminPolicyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	endpointID, token := env.register("WS-01")
	rule := catalog.AsrRules()[0]

	resp := env.admin(http.MethodPost, "/admin/policies", gin.H{
		"organization_id": env.org.ID,
		"name":            "bad",
		"asr_rules":       gin.H{"not_a_rule": "enabled"},
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.admin(http.MethodPost, "/admin/policies", gin.H{
		"name":      "bad",
		"asr_rules": gin.H{rule.ID: "sometimes"},
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.admin(http.MethodPost, "/admin/policies", gin.H{"name": "bad", "cloud_block_level": "extreme"})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.admin(http.MethodPost, "/admin/policies", gin.H{
		"organization_id":     env.org.ID,
		"name":                "Baseline",
		"realtime_protection": true,
		"asr_rules":           gin.H{rule.ID: "audit"},
		"exclusion_paths":     []string{`C:\tools`},
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	created := decode(t, resp)["policy"].(map[string]any)
	policyID := created["id"].(string)
	require.Equal(t, catalog.DefaultCloudBlockLevel, created["cloud_block_level"])
	require.EqualValues(t, 1, created["version"])

	resp = env.admin(http.MethodPut, "/admin/endpoints/"+endpointID+"/policy", gin.H{"policy_id": policyID})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = env.agent(http.MethodGet, "/agent-api/policy", token, nil)
	got := decode(t, resp)["policy"].(map[string]any)
	require.Equal(t, policyID, got["id"])
	require.Equal(t, map[string]any{rule.ID: "audit"}, got["asr_rules"])

	resp = env.admin(http.MethodPut, "/admin/endpoints/"+endpointID+"/policy", gin.H{"policy_id": "missing"})
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = env.admin(http.MethodDelete, "/admin/policies/"+policyID, nil)
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = env.agent(http.MethodGet, "/agent-api/policy", token, nil)
	require.Nil(t, decode(t, resp)["policy"])

	resp = env.admin(http.MethodGet, "/admin/policies/"+policyID, nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestAdminRouterTokenLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.admin(http.MethodPost, "/admin/router-tokens", gin.H{"organization_id": "nope"})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.admin(http.MethodPost, "/admin/router-tokens", gin.H{
		"organization_id":    env.org.ID,
		"label":              "branch offices",
		"expires_in_seconds": 3600,
		"max_uses":           5,
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	issued := decode(t, resp)
	secret := issued["token"].(string)
	tokenID := issued["id"].(string)

	var stored store.RouterEnrollmentToken
	require.NoError(t, env.store.DB().First(&stored, "id = ?", tokenID).Error)
	require.NotEqual(t, secret, stored.TokenHash)

	resp = env.do(http.MethodPost, "/router-checkin", enrollBody(secret, "gw"), nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp = env.admin(http.MethodGet, "/admin/router-tokens?organization_id="+env.org.ID, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	tokens := decode(t, resp)["tokens"].([]any)
	require.Len(t, tokens, 1)
	require.EqualValues(t, 1, tokens[0].(map[string]any)["use_count"])
	require.NotContains(t, tokens[0].(map[string]any), "token_hash")

	resp = env.admin(http.MethodDelete, "/admin/router-tokens/"+tokenID, nil)
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = env.do(http.MethodPost, "/router-checkin", gin.H{
		"action": auth.ActionEnroll, "enrollment_token": secret, "hostname": "gw2", "vendor": "OpenWrt",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, store.ErrEnrollmentTokenInactive.Error(), decode(t, resp)["error"])

	resp = env.admin(http.MethodDelete, "/admin/router-tokens/unknown", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestAdminEnrollmentCodes(t *testing.T) {
	env := newTestEnv(t)

	resp := env.admin(http.MethodPost, "/admin/enrollment-codes", gin.H{"organization_id": env.org.ID, "role": "superuser"})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.admin(http.MethodPost, "/admin/enrollment-codes", gin.H{"organization_id": env.org.ID, "max_uses": 1})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	code := decode(t, resp)["enrollment_code"].(map[string]any)
	value := code["code"].(string)
	require.Len(t, value, 8)
	require.Equal(t, string(credential.RoleMember), code["role"])

	resp = env.admin(http.MethodGet, "/admin/enrollment-codes/"+value, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, true, decode(t, resp)["valid"])

	resp = env.admin(http.MethodPost, "/admin/enrollment-codes/"+value+"/redeem", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.EqualValues(t, 1, decode(t, resp)["use_count"])

	resp = env.admin(http.MethodPost, "/admin/enrollment-codes/"+value+"/redeem", nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, credential.ReasonExhausted, decode(t, resp)["error"])

	resp = env.admin(http.MethodGet, "/admin/enrollment-codes/"+value, nil)
	body := decode(t, resp)
	require.Equal(t, false, body["valid"])
	require.Equal(t, credential.ReasonExhausted, body["reason"])

	resp = env.admin(http.MethodGet, "/admin/enrollment-codes/ZZZZZZZZ", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestAdminRetentionSweep(t *testing.T) {
	env := newTestEnv(t)
	resp := env.admin(http.MethodPost, "/admin/retention/sweep", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	report := decode(t, resp)["report"].(map[string]any)
	require.EqualValues(t, 0, report["statuses_deleted"])
	require.EqualValues(t, 1, report["organizations_seen"])
}
