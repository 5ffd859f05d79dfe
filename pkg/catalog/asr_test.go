package catalog

import (
	"strings"
	"testing"
)

func TestAsrCatalogShape(t *testing.T) {
	rules := AsrRules()
	if len(rules) != 16 {
		t.Fatalf("expected 16 ASR rules, got %d", len(rules))
	}

	seenGUID := map[string]bool{}
	seenID := map[string]bool{}
	for _, r := range rules {
		if len(r.GUID) != 36 {
			t.Errorf("rule %s has malformed guid %q", r.ID, r.GUID)
		}
		if seenGUID[r.GUID] || seenID[r.ID] {
			t.Errorf("duplicate rule %s", r.ID)
		}
		seenGUID[r.GUID] = true
		seenID[r.ID] = true
		if !r.RecommendedMode.Valid() {
			t.Errorf("rule %s has invalid recommended mode %q", r.ID, r.RecommendedMode)
		}
	}
}

func TestAsrRulesReturnsCopy(t *testing.T) {
	rules := AsrRules()
	rules[0].Name = "mutated"
	if AsrRules()[0].Name == "mutated" {
		t.Fatal("catalog was mutated through returned slice")
	}
}

func TestLookupAsrRuleIgnoresCase(t *testing.T) {
	want := AsrRules()[3]
	got, ok := LookupAsrRule(strings.ToUpper(want.GUID))
	if !ok {
		t.Fatal("expected upper-case guid to resolve")
	}
	if got.Name != want.Name {
		t.Fatalf("got %q, want %q", got.Name, want.Name)
	}
	if AsrRuleName("00000000-0000-0000-0000-000000000000") != UnknownAsrRuleName {
		t.Fatal("expected fallback name for unknown guid")
	}
}

func TestParseAsrAction(t *testing.T) {
	tests := []struct {
		in      string
		want    AsrAction
		wantErr bool
		value   int
	}{
		{in: "enabled", want: AsrEnabled, value: 1},
		{in: " Audit ", want: AsrAudit, value: 2},
		{in: "DISABLED", want: AsrDisabled, value: 0},
		{in: "block", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseAsrAction(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAsrAction(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseAsrAction(%q) = %q, %v", tt.in, got, err)
		}
		if got.DefenderValue() != tt.value {
			t.Errorf("%q DefenderValue = %d, want %d", got, got.DefenderValue(), tt.value)
		}
	}
}

func TestOptionDefaultsAreValid(t *testing.T) {
	if !ValidOption(CloudBlockLevels(), DefaultCloudBlockLevel) {
		t.Error("default cloud block level not in option set")
	}
	if !ValidOption(MapsReportingOptions(), DefaultMapsReporting) {
		t.Error("default MAPS reporting not in option set")
	}
	if !ValidOption(SampleSubmissionOptions(), DefaultSampleSubmission) {
		t.Error("default sample submission not in option set")
	}
	if ValidOption(CloudBlockLevels(), "extreme") {
		t.Error("unexpected option accepted")
	}
}
