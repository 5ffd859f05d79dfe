package catalog

// Toggle is a boolean policy field.
type Toggle struct {
	Key         string `json:"key" yaml:"key"`
	Label       string `json:"label" yaml:"label"`
	Description string `json:"description" yaml:"description"`
	Default     bool   `json:"default" yaml:"default"`
}

// Option is one permitted value of an enumerated policy field.
type Option struct {
	Value       string `json:"value" yaml:"value"`
	Label       string `json:"label" yaml:"label"`
	Description string `json:"description" yaml:"description"`
}

var basicToggles = []Toggle{
	{Key: "realtime_protection", Label: "Real-time protection", Description: "Scan files and processes as they are accessed.", Default: true},
	{Key: "cloud_protection", Label: "Cloud-delivered protection", Description: "Use Microsoft cloud lookups for new threats.", Default: true},
	{Key: "behavior_monitoring", Label: "Behavior monitoring", Description: "Watch process behavior for malicious patterns.", Default: true},
	{Key: "ioav_protection", Label: "Scan downloads and attachments", Description: "Scan files downloaded from the internet.", Default: true},
	{Key: "script_scanning", Label: "Script scanning", Description: "Inspect scripts through AMSI before execution.", Default: true},
	{Key: "pua_protection", Label: "Potentially unwanted app blocking", Description: "Block adware, bundleware and similar software.", Default: true},
}

var advancedToggles = []Toggle{
	{Key: "network_protection", Label: "Network protection", Description: "Block outbound connections to low-reputation hosts.", Default: false},
	{Key: "controlled_folder_access", Label: "Controlled folder access", Description: "Protect well-known folders from untrusted writes.", Default: false},
	{Key: "archive_scanning", Label: "Archive scanning", Description: "Scan inside .zip, .cab and similar archives.", Default: true},
	{Key: "email_scanning", Label: "Email scanning", Description: "Parse mailbox files during scans.", Default: false},
	{Key: "removable_drive_scanning", Label: "Removable drive scanning", Description: "Include USB drives in full scans.", Default: true},
	{Key: "network_file_scanning", Label: "Network file scanning", Description: "Scan files on mapped network drives.", Default: false},
	{Key: "block_at_first_sight", Label: "Block at first sight", Description: "Hold suspicious files until the cloud verdict arrives.", Default: true},
	{Key: "intrusion_prevention", Label: "Network inspection system", Description: "Inspect network traffic for known exploits.", Default: true},
}

var cloudBlockLevels = []Option{
	{Value: "default", Label: "Default", Description: "Default Defender blocking level."},
	{Value: "moderate", Label: "Moderate", Description: "Verdicts only for high-confidence detections."},
	{Value: "high", Label: "High", Description: "Aggressive blocking with client performance in mind."},
	{Value: "high_plus", Label: "High+", Description: "Additional protection measures, may affect performance."},
	{Value: "zero_tolerance", Label: "Zero tolerance", Description: "Block all unknown executables."},
}

var mapsReportingOptions = []Option{
	{Value: "disabled", Label: "Disabled", Description: "Do not join Microsoft MAPS."},
	{Value: "basic", Label: "Basic", Description: "Send basic information about detected software."},
	{Value: "advanced", Label: "Advanced", Description: "Send detailed information including file paths."},
}

var sampleSubmissionOptions = []Option{
	{Value: "always_prompt", Label: "Always prompt", Description: "Ask the user before sending samples."},
	{Value: "send_safe_samples", Label: "Send safe samples", Description: "Automatically send samples without personal data."},
	{Value: "never_send", Label: "Never send", Description: "Never send samples."},
	{Value: "send_all_samples", Label: "Send all samples", Description: "Automatically send every sample."},
}

// Defaults for enumerated fields on new policies.
const (
	DefaultCloudBlockLevel  = "high"
	DefaultMapsReporting    = "advanced"
	DefaultSampleSubmission = "send_safe_samples"
)

func BasicToggles() []Toggle    { return append([]Toggle(nil), basicToggles...) }
func AdvancedToggles() []Toggle { return append([]Toggle(nil), advancedToggles...) }

func CloudBlockLevels() []Option        { return append([]Option(nil), cloudBlockLevels...) }
func MapsReportingOptions() []Option    { return append([]Option(nil), mapsReportingOptions...) }
func SampleSubmissionOptions() []Option { return append([]Option(nil), sampleSubmissionOptions...) }

// ValidOption reports whether value is permitted by options.
func ValidOption(options []Option, value string) bool {
	for _, o := range options {
		if o.Value == value {
			return true
		}
	}
	return false
}

// Catalog bundles every table, for serialisation by the CLI and admin API.
type Catalog struct {
	AsrRules         []AsrRule `json:"asr_rules" yaml:"asr_rules"`
	BasicToggles     []Toggle  `json:"basic_toggles" yaml:"basic_toggles"`
	AdvancedToggles  []Toggle  `json:"advanced_toggles" yaml:"advanced_toggles"`
	CloudBlockLevels []Option  `json:"cloud_block_levels" yaml:"cloud_block_levels"`
	MapsReporting    []Option  `json:"maps_reporting" yaml:"maps_reporting"`
	SampleSubmission []Option  `json:"sample_submission" yaml:"sample_submission"`
}

func Full() Catalog {
	return Catalog{
		AsrRules:         AsrRules(),
		BasicToggles:     BasicToggles(),
		AdvancedToggles:  AdvancedToggles(),
		CloudBlockLevels: CloudBlockLevels(),
		MapsReporting:    MapsReportingOptions(),
		SampleSubmission: SampleSubmissionOptions(),
	}
}
