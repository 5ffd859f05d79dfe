package catalog

import (
	"fmt"
	"strings"
)

// AsrAction is the tri-state mode of an Attack Surface Reduction rule.
type AsrAction string

const (
	AsrDisabled AsrAction = "disabled"
	AsrAudit    AsrAction = "audit"
	AsrEnabled  AsrAction = "enabled"
)

// Valid reports whether a is one of the three known actions.
func (a AsrAction) Valid() bool {
	switch a {
	case AsrDisabled, AsrAudit, AsrEnabled:
		return true
	}
	return false
}

// DefenderValue returns the numeric value Set-MpPreference expects for the action.
func (a AsrAction) DefenderValue() int {
	switch a {
	case AsrEnabled:
		return 1
	case AsrAudit:
		return 2
	default:
		return 0
	}
}

// ParseAsrAction accepts the stored string form, case-insensitively.
func ParseAsrAction(raw string) (AsrAction, error) {
	a := AsrAction(strings.ToLower(strings.TrimSpace(raw)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown ASR action %q", raw)
	}
	return a, nil
}

// AsrRule describes one Defender ASR rule. RecommendedMode is the schema
// default shown to operators, not the mode stored on any policy.
type AsrRule struct {
	ID              string    `json:"id" yaml:"id"`
	GUID            string    `json:"guid" yaml:"guid"`
	Name            string    `json:"name" yaml:"name"`
	Description     string    `json:"description" yaml:"description"`
	RecommendedMode AsrAction `json:"recommended_mode" yaml:"recommended_mode"`
}

// UnknownAsrRuleName is reported for GUIDs absent from the catalog.
const UnknownAsrRuleName = "Unknown ASR Rule"

var asrRules = []AsrRule{
	{
		ID:              "block_vulnerable_signed_drivers",
		GUID:            "56a863a9-875e-4185-98a7-b882c64b5ce5",
		Name:            "Block abuse of exploited vulnerable signed drivers",
		Description:     "Prevents applications from writing vulnerable signed drivers to disk.",
		RecommendedMode: AsrEnabled,
	},
	{
		ID:              "block_adobe_reader_child_processes",
		GUID:            "7674ba52-37eb-4a4f-a9a1-f0f9a1619a2c",
		Name:            "Block Adobe Reader from creating child processes",
		Description:     "Blocks Adobe Reader from spawning child processes, a common payload delivery path.",
		RecommendedMode: AsrAudit,
	},
	{
		ID:              "block_office_child_processes",
		GUID:            "d4f940ab-401b-4efc-aadc-ad5f3c50688a",
		Name:            "Block all Office applications from creating child processes",
		Description:     "Word, Excel, PowerPoint, OneNote and Access may not create child processes.",
		RecommendedMode: AsrAudit,
	},
	{
		ID:              "block_lsass_credential_theft",
		GUID:            "9e6c4e1f-7d60-472f-ba1a-a39ef669e4b2",
		Name:            "Block credential stealing from the Windows local security authority subsystem",
		Description:     "Blocks untrusted processes from reading LSASS memory.",
		RecommendedMode: AsrEnabled,
	},
	{
		ID:              "block_email_executable_content",
		GUID:            "be9ba2d9-53ea-4cdc-84e5-9b1eeee46550",
		Name:            "Block executable content from email client and webmail",
		Description:     "Blocks executables and scripts launched from Outlook and popular webmail.",
		RecommendedMode: AsrEnabled,
	},
	{
		ID:              "block_untrusted_executables",
		GUID:            "01443614-cd74-433a-b99e-2ecdc07bfc25",
		Name:            "Block executable files from running unless they meet a prevalence, age, or trusted list criterion",
		Description:     "Requires cloud-delivered protection to judge prevalence and age.",
		RecommendedMode: AsrAudit,
	},
	{
		ID:              "block_obfuscated_scripts",
		GUID:            "5beb7efe-fd9a-4556-801d-275e5ffc04cc",
		Name:            "Block execution of potentially obfuscated scripts",
		Description:     "Detects suspicious properties within obfuscated scripts.",
		RecommendedMode: AsrAudit,
	},
	{
		ID:              "block_script_downloaded_executables",
		GUID:            "d3e037e1-3eb8-44c8-a917-57927947596d",
		Name:            "Block JavaScript or VBScript from launching downloaded executable content",
		Description:     "Stops scripts from launching payloads fetched from the internet.",
		RecommendedMode: AsrEnabled,
	},
	{
		ID:              "block_office_executable_content",
		GUID:            "3b576869-a4ec-4529-8536-b80a7769e899",
		Name:            "Block Office applications from creating executable content",
		Description:     "Prevents Office apps from writing executable content to disk.",
		RecommendedMode: AsrEnabled,
	},
	{
		ID:              "block_office_code_injection",
		GUID:            "75668c1f-73b5-4cf0-bb93-3ecf5cb7cc84",
		Name:            "Block Office applications from injecting code into other processes",
		Description:     "Blocks code injection attempts from Office apps into other processes.",
		RecommendedMode: AsrEnabled,
	},
	{
		ID:              "block_office_comms_child_processes",
		GUID:            "26190899-1602-49e8-8b27-eb1d0a1ce869",
		Name:            "Block Office communication application from creating child processes",
		Description:     "Prevents Outlook from creating child processes.",
		RecommendedMode: AsrEnabled,
	},
	{
		ID:              "block_wmi_persistence",
		GUID:            "e6db77e5-3df2-4cf1-b95a-636979351e5b",
		Name:            "Block persistence through WMI event subscription",
		Description:     "Prevents malware from abusing WMI to persist on a device.",
		RecommendedMode: AsrEnabled,
	},
	{
		ID:              "block_psexec_wmi_process_creation",
		GUID:            "d1e49aac-8f56-4280-b9ba-993a6d77406c",
		Name:            "Block process creations originating from PSExec and WMI commands",
		Description:     "Incompatible with some management tooling; audit first.",
		RecommendedMode: AsrAudit,
	},
	{
		ID:              "block_usb_untrusted_processes",
		GUID:            "b2b3f03d-6a65-4f7b-a9c7-1c7ef74a9ba4",
		Name:            "Block untrusted and unsigned processes that run from USB",
		Description:     "Unsigned or untrusted executables on removable drives are blocked.",
		RecommendedMode: AsrEnabled,
	},
	{
		ID:              "block_office_macro_win32_calls",
		GUID:            "92e97fa1-2edf-4476-bdd6-9dd0b4dddc7b",
		Name:            "Block Win32 API calls from Office macros",
		Description:     "Prevents VBA macros from calling Win32 APIs.",
		RecommendedMode: AsrEnabled,
	},
	{
		ID:              "advanced_ransomware_protection",
		GUID:            "c1db55ab-c21a-4637-bb3f-a12568109d35",
		Name:            "Use advanced protection against ransomware",
		Description:     "Uses cloud heuristics to block files that resemble ransomware.",
		RecommendedMode: AsrEnabled,
	},
}

var asrRulesByGUID = func() map[string]AsrRule {
	m := make(map[string]AsrRule, len(asrRules))
	for _, r := range asrRules {
		m[strings.ToLower(r.GUID)] = r
	}
	return m
}()

var asrRulesByID = func() map[string]AsrRule {
	m := make(map[string]AsrRule, len(asrRules))
	for _, r := range asrRules {
		m[r.ID] = r
	}
	return m
}()

// AsrRules returns the catalog in display order. The slice is a copy.
func AsrRules() []AsrRule {
	out := make([]AsrRule, len(asrRules))
	copy(out, asrRules)
	return out
}

// LookupAsrRule finds a rule by GUID, ignoring case.
func LookupAsrRule(guid string) (AsrRule, bool) {
	r, ok := asrRulesByGUID[strings.ToLower(strings.TrimSpace(guid))]
	return r, ok
}

// LookupAsrRuleByID finds a rule by its stable catalog id.
func LookupAsrRuleByID(id string) (AsrRule, bool) {
	r, ok := asrRulesByID[id]
	return r, ok
}

// AsrRuleName resolves a GUID to its display name or UnknownAsrRuleName.
func AsrRuleName(guid string) string {
	if r, ok := LookupAsrRule(guid); ok {
		return r.Name
	}
	return UnknownAsrRuleName
}
