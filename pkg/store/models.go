package store

import (
	"time"

	"github.com/defenderhub/defenderhub/pkg/catalog"
	"github.com/defenderhub/defenderhub/pkg/credential"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Model is embedded by every table keyed by a random UUID.
type Model struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func (m *Model) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// Organization is a tenant. Its id doubles as the endpoint registration token.
type Organization struct {
	Model
	Name                  string    `gorm:"not null" json:"name"`
	PartnerID             *string   `gorm:"size:36;index" json:"partner_id,omitempty"`
	EventLogRetentionDays *int      `json:"event_log_retention_days,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Endpoint is one enrolled Windows device.
type Endpoint struct {
	Model
	OrganizationID  string `gorm:"size:36;not null;uniqueIndex:idx_endpoints_org_hostname" json:"organization_id"`
	Hostname        string `gorm:"not null;uniqueIndex:idx_endpoints_org_hostname" json:"hostname"`
	OSVersion       string `json:"os_version"`
	OSBuild         string `json:"os_build"`
	DefenderVersion string `json:"defender_version"`

	credential.Credential `gorm:"embedded"`

	PolicyID   *string                     `gorm:"size:36;index" json:"policy_id"`
	LastSeenAt *time.Time                  `json:"last_seen_at"`
	IsOnline   bool                        `json:"is_online"`
	Compliant  *bool                       `json:"compliant"`
	Violations datatypes.JSONSlice[string] `json:"violations"`
	UpdatedAt  time.Time                   `json:"updated_at"`
}

// EndpointStatus is an append-only snapshot of Defender state. Nil fields
// were not reported by the agent.
type EndpointStatus struct {
	Model
	EndpointID                    string         `gorm:"size:36;not null;index" json:"endpoint_id"`
	RealtimeProtectionEnabled     *bool          `json:"realtime_protection_enabled"`
	AntivirusEnabled              *bool          `json:"antivirus_enabled"`
	AntispywareEnabled            *bool          `json:"antispyware_enabled"`
	BehaviorMonitorEnabled        *bool          `json:"behavior_monitor_enabled"`
	IoavProtectionEnabled         *bool          `json:"ioav_protection_enabled"`
	OnAccessProtectionEnabled     *bool          `json:"on_access_protection_enabled"`
	NisEnabled                    *bool          `json:"nis_enabled"`
	IsTamperProtected             *bool          `json:"is_tamper_protected"`
	TamperProtectionSource        *string        `json:"tamper_protection_source"`
	AMRunningMode                 *string        `json:"am_running_mode"`
	AntivirusSignatureVersion     *string        `json:"antivirus_signature_version"`
	AntispywareSignatureVersion   *string        `json:"antispyware_signature_version"`
	AntivirusSignatureLastUpdated *time.Time     `json:"antivirus_signature_last_updated"`
	AntivirusSignatureAge         *int           `json:"antivirus_signature_age"`
	FullScanAge                   *int           `json:"full_scan_age"`
	QuickScanAge                  *int           `json:"quick_scan_age"`
	RawStatus                     datatypes.JSON `json:"raw_status"`
	CollectedAt                   time.Time      `gorm:"not null;index" json:"collected_at"`
}

// Threat is keyed by (endpoint_id, threat_id); the vendor id is not globally unique.
type Threat struct {
	Model
	EndpointID                 string         `gorm:"size:36;not null;uniqueIndex:idx_threats_endpoint_threat" json:"endpoint_id"`
	ThreatID                   string         `gorm:"not null;uniqueIndex:idx_threats_endpoint_threat" json:"threat_id"`
	ThreatName                 string         `json:"threat_name"`
	Severity                   string         `json:"severity"`
	Category                   *string        `json:"category"`
	Status                     string         `json:"status"`
	InitialDetectionTime       *time.Time     `json:"initial_detection_time"`
	LastThreatStatusChangeTime *time.Time     `json:"last_threat_status_change_time"`
	Resources                  datatypes.JSON `json:"resources"`
	RawData                    datatypes.JSON `json:"raw_data"`
	UpdatedAt                  time.Time      `json:"updated_at"`
}

// EventLog is an append-only Windows event reported by an agent.
type EventLog struct {
	Model
	EndpointID  string         `gorm:"size:36;not null;index" json:"endpoint_id"`
	EventID     int            `gorm:"index" json:"event_id"`
	EventSource string         `json:"event_source"`
	Level       string         `json:"level"`
	Message     string         `gorm:"type:text" json:"message"`
	EventTime   *time.Time     `json:"event_time"`
	ThreatName  *string        `json:"threat_name"`
	Path        *string        `json:"path"`
	ProcessName *string        `json:"process_name"`
	UserName    *string        `json:"user_name"`
	AsrRuleID   *string        `json:"asr_rule_id"`
	AsrRuleName *string        `json:"asr_rule_name"`
	ActionTaken *string        `json:"action_taken"`
	Details     datatypes.JSON `json:"details"`
}

// AgentLog is the operational audit trail written by the protocol handlers.
type AgentLog struct {
	Model
	EndpointID *string `gorm:"size:36;index" json:"endpoint_id,omitempty"`
	RouterID   *string `gorm:"size:36;index" json:"router_id,omitempty"`
	Level      string  `json:"level"`
	Message    string  `json:"message"`
}

// DefenderPolicy is a named bag of Defender settings assignable to endpoints.
type DefenderPolicy struct {
	Model
	OrganizationID string `gorm:"size:36;index" json:"organization_id"`
	Name           string `gorm:"not null" json:"name"`
	Description    string `json:"description"`
	Version        int    `json:"version"`

	RealtimeProtection bool `json:"realtime_protection"`
	CloudProtection    bool `json:"cloud_protection"`
	BehaviorMonitoring bool `json:"behavior_monitoring"`
	IoavProtection     bool `json:"ioav_protection"`
	ScriptScanning     bool `json:"script_scanning"`
	PuaProtection      bool `json:"pua_protection"`

	NetworkProtection      bool `json:"network_protection"`
	ControlledFolderAccess bool `json:"controlled_folder_access"`
	ArchiveScanning        bool `json:"archive_scanning"`
	EmailScanning          bool `json:"email_scanning"`
	RemovableDriveScanning bool `json:"removable_drive_scanning"`
	NetworkFileScanning    bool `json:"network_file_scanning"`
	BlockAtFirstSight      bool `json:"block_at_first_sight"`
	IntrusionPrevention    bool `json:"intrusion_prevention"`

	CloudBlockLevel       string `json:"cloud_block_level"`
	CloudExtendedTimeout  int    `json:"cloud_extended_timeout"`
	MapsReporting         string `json:"maps_reporting"`
	SampleSubmission      string `json:"sample_submission"`
	SignatureUpdateHours  int    `json:"signature_update_interval_hours"`
	MaxSignatureAgeDays   int    `json:"max_signature_age_days"`
	ScanScheduleDay       int    `json:"scan_schedule_day"`
	ScanScheduleQuickTime string `json:"scan_schedule_quick_time"`

	AsrRules datatypes.JSONType[map[string]catalog.AsrAction] `json:"asr_rules"`

	ExclusionPaths      datatypes.JSONSlice[string] `json:"exclusion_paths"`
	ExclusionProcesses  datatypes.JSONSlice[string] `json:"exclusion_processes"`
	ExclusionExtensions datatypes.JSONSlice[string] `json:"exclusion_extensions"`

	UpdatedAt time.Time `json:"updated_at"`
}

// AsrAction returns the stored action for a catalog rule id, disabled if unset.
func (p *DefenderPolicy) AsrAction(ruleID string) catalog.AsrAction {
	if a, ok := p.AsrRules.Data()[ruleID]; ok && a.Valid() {
		return a
	}
	return catalog.AsrDisabled
}

// Router is a network device enrolled through a RouterEnrollmentToken.
type Router struct {
	Model
	OrganizationID    string  `gorm:"size:36;not null;index" json:"organization_id"`
	EnrollmentTokenID string  `gorm:"size:36;index" json:"enrollment_token_id"`
	Hostname          string  `json:"hostname"`
	Vendor            string  `json:"vendor"`
	HardwareModel     string  `gorm:"column:model" json:"model"`
	MacAddress        *string `json:"mac_address"`
	LanIP             *string `json:"lan_ip"`
	WanIP             *string `json:"wan_ip"`
	FirmwareVersion   *string `json:"firmware_version"`

	credential.Credential `gorm:"embedded"`

	LastSeenAt *time.Time `json:"last_seen_at"`
	IsOnline   bool       `json:"is_online"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RouterEnrollmentToken authorises router enrollment. Only the HMAC of the
// secret is stored. MaxUses of nil is uncapped.
type RouterEnrollmentToken struct {
	Model
	OrganizationID string     `gorm:"size:36;not null;index" json:"organization_id"`
	Label          string     `json:"label"`
	TokenHash      string     `gorm:"uniqueIndex;not null" json:"-"`
	IsActive       bool       `json:"is_active"`
	ExpiresAt      *time.Time `json:"expires_at"`
	MaxUses        *int       `json:"max_uses"`
	UseCount       int        `json:"use_count"`
}

// EnrollmentCode is the stored form of a human enrollment code.
type EnrollmentCode struct {
	Model
	OrganizationID string          `gorm:"size:36;not null;index" json:"organization_id"`
	Code           string          `gorm:"uniqueIndex;not null" json:"code"`
	Role           credential.Role `json:"role"`
	IsActive       bool            `json:"is_active"`
	ExpiresAt      *time.Time      `json:"expires_at"`
	MaxUses        *int            `json:"max_uses"`
	UseCount       int             `json:"use_count"`
}

func (c EnrollmentCode) Credential() credential.EnrollmentCode {
	return credential.EnrollmentCode{
		Code:      c.Code,
		Role:      c.Role,
		IsActive:  c.IsActive,
		ExpiresAt: c.ExpiresAt,
		MaxUses:   c.MaxUses,
		UseCount:  c.UseCount,
	}
}

// AllModels lists every table for AutoMigrate.
func AllModels() []any {
	return []any{
		&Organization{},
		&Endpoint{},
		&EndpointStatus{},
		&Threat{},
		&EventLog{},
		&AgentLog{},
		&DefenderPolicy{},
		&Router{},
		&RouterEnrollmentToken{},
		&EnrollmentCode{},
	}
}
