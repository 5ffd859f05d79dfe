// Package policy evaluates reported Defender status against an assigned policy.
package policy

import (
	"fmt"

	"github.com/defenderhub/defenderhub/pkg/store"
)

// Rule actions.
const (
	ActionDeny = "deny"
	ActionWarn = "warn"
)

// Checks understood by Evaluate.
const (
	CheckRealtimeProtection = "realtime_protection_enabled"
	CheckBehaviorMonitoring = "behavior_monitor_enabled"
	CheckIoavProtection     = "ioav_protection_enabled"
	CheckAntivirus          = "antivirus_enabled"
	CheckTamperProtection   = "is_tamper_protected"
	CheckNetworkInspection  = "nis_enabled"
	CheckSignatureAge       = "antivirus_signature_age"
)

type Rule struct {
	Name   string
	Check  string
	Action string
	// MaxDays bounds CheckSignatureAge.
	MaxDays int
}

type Evaluation struct {
	Compliant  bool
	Violations []string
	Warnings   []string
}

// RulesFor derives the rule set implied by a policy's settings. Settings
// that are turned off in the policy produce no rule.
func RulesFor(p *store.DefenderPolicy) []Rule {
	rules := []Rule{
		{Name: "Antivirus disabled", Check: CheckAntivirus, Action: ActionDeny},
		{Name: "Tamper protection off", Check: CheckTamperProtection, Action: ActionWarn},
	}
	if p.RealtimeProtection {
		rules = append(rules, Rule{Name: "Real-time protection disabled", Check: CheckRealtimeProtection, Action: ActionDeny})
	}
	if p.BehaviorMonitoring {
		rules = append(rules, Rule{Name: "Behavior monitoring disabled", Check: CheckBehaviorMonitoring, Action: ActionDeny})
	}
	if p.IoavProtection {
		rules = append(rules, Rule{Name: "Download scanning disabled", Check: CheckIoavProtection, Action: ActionDeny})
	}
	if p.IntrusionPrevention {
		rules = append(rules, Rule{Name: "Network inspection disabled", Check: CheckNetworkInspection, Action: ActionWarn})
	}
	if p.MaxSignatureAgeDays > 0 {
		rules = append(rules, Rule{
			Name:    fmt.Sprintf("Signatures older than %d days", p.MaxSignatureAgeDays),
			Check:   CheckSignatureAge,
			Action:  ActionDeny,
			MaxDays: p.MaxSignatureAgeDays,
		})
	}
	return rules
}

// Evaluate checks a status snapshot against policy. Fields the agent did not
// report never count as violations.
func Evaluate(status *store.EndpointStatus, p *store.DefenderPolicy) *Evaluation {
	eval := &Evaluation{
		Compliant:  true,
		Violations: []string{},
		Warnings:   []string{},
	}
	if status == nil || p == nil {
		return eval
	}

	for _, rule := range RulesFor(p) {
		if checkRule(status, rule) {
			continue
		}
		if rule.Action == ActionWarn {
			eval.Warnings = append(eval.Warnings, rule.Name)
			continue
		}
		eval.Compliant = false
		eval.Violations = append(eval.Violations, rule.Name)
	}

	return eval
}

func checkRule(s *store.EndpointStatus, rule Rule) bool {
	switch rule.Check {
	case CheckRealtimeProtection:
		return enabled(s.RealtimeProtectionEnabled)
	case CheckBehaviorMonitoring:
		return enabled(s.BehaviorMonitorEnabled)
	case CheckIoavProtection:
		return enabled(s.IoavProtectionEnabled)
	case CheckAntivirus:
		return enabled(s.AntivirusEnabled)
	case CheckTamperProtection:
		return enabled(s.IsTamperProtected)
	case CheckNetworkInspection:
		return enabled(s.NisEnabled)
	case CheckSignatureAge:
		if s.AntivirusSignatureAge == nil {
			return true
		}
		return *s.AntivirusSignatureAge <= rule.MaxDays
	default:
		return true
	}
}

func enabled(v *bool) bool {
	return v == nil || *v
}

func (e *Evaluation) String() string {
	if e.Compliant {
		return "compliant"
	}
	return fmt.Sprintf("non-compliant: %v", e.Violations)
}
