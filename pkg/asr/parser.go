// Package asr extracts structured fields from Windows Defender Attack Surface
// Reduction event log messages.
package asr

import (
	"regexp"
	"strings"

	"github.com/defenderhub/defenderhub/pkg/catalog"
)

// Event ids Defender writes to Microsoft-Windows-Windows Defender/Operational.
const (
	EventIDBlocked = 1121
	EventIDAudited = 1122
)

// Event holds the fields parsed out of an ASR event message. Only RuleGUID,
// RuleName and Path are guaranteed to be set.
type Event struct {
	RuleGUID      string `json:"asr_rule_id"`
	RuleName      string `json:"asr_rule_name"`
	Path          string `json:"path"`
	ProcessName   string `json:"process_name,omitempty"`
	User          string `json:"user,omitempty"`
	DetectionTime string `json:"detection_time,omitempty"`
}

var (
	ruleIDPattern        = regexp.MustCompile(`(?i)ID:\s*([0-9a-f-]{36})`)
	pathPattern          = regexp.MustCompile(`(?im)^\s*Path:[ \t]*(.+)$`)
	processNamePattern   = regexp.MustCompile(`(?im)^\s*Process Name:[ \t]*(.+)$`)
	userPattern          = regexp.MustCompile(`(?im)^\s*User:[ \t]*(.+)$`)
	detectionTimePattern = regexp.MustCompile(`(?im)^\s*Detection time:[ \t]*(.+)$`)
)

// ParseMessage parses an ASR event message. It reports false when the message
// has no rule GUID or no Path line; the other fields are optional.
func ParseMessage(message string) (Event, bool) {
	m := ruleIDPattern.FindStringSubmatch(message)
	if m == nil {
		return Event{}, false
	}
	guid := m[1]

	path := capture(pathPattern, message)
	if path == "" {
		return Event{}, false
	}

	return Event{
		RuleGUID:      guid,
		RuleName:      catalog.AsrRuleName(guid),
		Path:          path,
		ProcessName:   capture(processNamePattern, message),
		User:          capture(userPattern, message),
		DetectionTime: capture(detectionTimePattern, message),
	}, true
}

func capture(re *regexp.Regexp, message string) string {
	m := re.FindStringSubmatch(message)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// IsAsrEvent reports whether eventID is one of the two ASR notification ids.
func IsAsrEvent(eventID int) bool {
	return eventID == EventIDBlocked || eventID == EventIDAudited
}

// Action names the outcome recorded by an ASR event id.
func Action(eventID int) string {
	switch eventID {
	case EventIDBlocked:
		return "blocked"
	case EventIDAudited:
		return "audited"
	}
	return ""
}

// ProcessNameFromPath returns the final path segment, splitting on both slash
// styles. Input without separators is returned unchanged.
func ProcessNameFromPath(path string) string {
	if path == "" {
		return ""
	}
	if !strings.ContainsAny(path, `/\`) {
		return path
	}
	segments := strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1]
}
