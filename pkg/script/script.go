// Package script renders the Windows agent control script served to endpoints.
package script

import (
	"bytes"
	_ "embed"
	"errors"
	"strings"
	"text/template"

	"github.com/defenderhub/defenderhub/pkg/catalog"
)

// AgentVersion is the version embedded in rendered scripts and the version the
// update-check endpoint reports as latest.
const AgentVersion = "2.4.0"

// FileName is the download filename of the rendered script.
const FileName = "DefenderAgent.ps1"

// ContentType is the response content type of a script download.
const ContentType = "text/plain; charset=utf-8"

// Self-update constants baked into the script.
const (
	LockMaxAgeMinutes = 5
	MinScriptBytes    = 8192
)

// BOM prefixes every rendered script so Windows PowerShell 5 reads it as UTF-8.
var BOM = []byte{0xEF, 0xBB, 0xBF}

var ErrMissingParam = errors.New("script: organization id and base url are required")

//go:embed agent.ps1.tmpl
var agentTemplate string

var tmpl = template.Must(template.New(FileName).
	Funcs(template.FuncMap{"psq": psQuote}).
	Parse(agentTemplate))

// Params are the per-download values substituted into the script.
type Params struct {
	OrganizationID string
	// BaseURL is the public root of the service, e.g. https://defender.example.com.
	BaseURL string
	// AgentToken is embedded on self-update re-downloads so the new script
	// keeps its identity. Empty for first installs.
	AgentToken string
	// Version defaults to AgentVersion.
	Version string
}

type templateData struct {
	Version           string
	OrganizationID    string
	APIBase           string
	ScriptURL         string
	AgentToken        string
	FileName          string
	LockMaxAgeMinutes int
	MinScriptBytes    int
	AsrRules          []catalog.AsrRule
}

// Render produces the script body, BOM included. Output depends only on p.
func Render(p Params) ([]byte, error) {
	if p.OrganizationID == "" || p.BaseURL == "" {
		return nil, ErrMissingParam
	}
	version := p.Version
	if version == "" {
		version = AgentVersion
	}
	base := strings.TrimRight(p.BaseURL, "/")

	data := templateData{
		Version:           version,
		OrganizationID:    p.OrganizationID,
		APIBase:           base + "/agent-api",
		ScriptURL:         base + "/agent-script",
		AgentToken:        p.AgentToken,
		FileName:          FileName,
		LockMaxAgeMinutes: LockMaxAgeMinutes,
		MinScriptBytes:    MinScriptBytes,
		AsrRules:          catalog.AsrRules(),
	}

	var buf bytes.Buffer
	buf.Write(BOM)
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// psQuote renders s as a single-quoted PowerShell literal. PowerShell also
// treats the typographic single quotes as delimiters.
func psQuote(s string) string {
	return "'" + quoteEscaper.Replace(s) + "'"
}

var quoteEscaper = strings.NewReplacer(
	"'", "''",
	"\u2018", "\u2018\u2018",
	"\u2019", "\u2019\u2019",
	"\u201a", "\u201a\u201a",
	"\u201b", "\u201b\u201b",
)
