package script

import (
	"bytes"
	"strings"
	"testing"

	"github.com/defenderhub/defenderhub/pkg/catalog"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, p Params) string {
	t.Helper()
	out, err := Render(p)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(out, BOM), "script must start with a UTF-8 BOM")
	return string(out[len(BOM):])
}

func TestRenderEmbedsParameters(t *testing.T) {
	body := render(t, Params{OrganizationID: "org-1", BaseURL: "https://defender.example.com/"})

	require.Contains(t, body, "$OrganizationId  = 'org-1'")
	require.Contains(t, body, "$ApiBase         = 'https://defender.example.com/agent-api'")
	require.Contains(t, body, "$ScriptUrl       = 'https://defender.example.com/agent-script'")
	require.Contains(t, body, "$AgentVersion    = '"+AgentVersion+"'")
	require.Contains(t, body, "$EmbeddedToken   = ''")
	require.NotContains(t, body, "<no value>")
}

func TestRenderIsDeterministic(t *testing.T) {
	p := Params{OrganizationID: "org-1", BaseURL: "https://defender.example.com"}
	a, err := Render(p)
	require.NoError(t, err)
	b, err := Render(p)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestRenderDiffersOnlyByToken(t *testing.T) {
	p := Params{OrganizationID: "org-1", BaseURL: "https://defender.example.com"}
	plain := render(t, p)
	p.AgentToken = "abc123"
	withToken := render(t, p)

	require.Contains(t, withToken, "$EmbeddedToken   = 'abc123'")
	require.Equal(t, plain, strings.Replace(withToken, "'abc123'", "''", 1))
}

func TestRenderQuotesValues(t *testing.T) {
	body := render(t, Params{OrganizationID: "o'rg", BaseURL: "https://x"})
	require.Contains(t, body, "$OrganizationId  = 'o''rg'")
}

func TestRenderRequiresParams(t *testing.T) {
	_, err := Render(Params{BaseURL: "https://x"})
	require.ErrorIs(t, err, ErrMissingParam)
	_, err = Render(Params{OrganizationID: "org"})
	require.ErrorIs(t, err, ErrMissingParam)
}

func TestRenderSelfUpdateProtocol(t *testing.T) {
	body := render(t, Params{OrganizationID: "org", BaseURL: "https://x"})

	require.Contains(t, body, "$LockMaxAgeMin   = 5")
	require.Contains(t, body, "/update-check?version=")
	require.Contains(t, body, "if (-not $Tray) { Invoke-SelfUpdate")
	require.Contains(t, body, ".bak")

	// The update branch must exit zero after replacing the script.
	update := body[strings.Index(body, "function Invoke-SelfUpdate"):strings.Index(body, "function Install-Agent")]
	require.Contains(t, update, "Test-UpdateLock")
	require.Contains(t, update, "-lt $MinScriptBytes")
	require.Contains(t, update, "exit 0")

	// A freshly rendered script must pass its own truncation check.
	require.Greater(t, len(body), MinScriptBytes)
}

func TestRenderIncludesEveryAsrRule(t *testing.T) {
	body := render(t, Params{OrganizationID: "org", BaseURL: "https://x"})
	for _, rule := range catalog.AsrRules() {
		require.Contains(t, body, "'"+rule.ID+"' = '"+rule.GUID+"'")
	}
}

func TestRenderVersionOverride(t *testing.T) {
	body := render(t, Params{OrganizationID: "org", BaseURL: "https://x", Version: "9.9.9"})
	require.Contains(t, body, "$AgentVersion    = '9.9.9'")
}
