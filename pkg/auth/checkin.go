package auth

// Router check-in actions.
const (
	ActionEnroll    = "enroll"
	ActionHeartbeat = "heartbeat"
)

// RouterCheckinRequest is the body of POST /router-checkin. Which fields are
// required depends on Action.
type RouterCheckinRequest struct {
	Action string `json:"action"`

	// enroll
	EnrollmentToken string  `json:"enrollment_token,omitempty"`
	Hostname        string  `json:"hostname,omitempty"`
	Vendor          string  `json:"vendor,omitempty"`
	Model           string  `json:"model,omitempty"`
	MacAddress      *string `json:"mac_address,omitempty"`
	LanIP           *string `json:"lan_ip,omitempty"`

	// heartbeat
	AgentToken string `json:"agent_token,omitempty"`
	IsOnline   *bool  `json:"is_online,omitempty"`

	// both
	WanIP           *string `json:"wan_ip,omitempty"`
	FirmwareVersion *string `json:"firmware_version,omitempty"`
}

type RouterEnrollResponse struct {
	Success        bool   `json:"success"`
	RouterID       string `json:"router_id"`
	OrganizationID string `json:"organization_id"`
	AgentToken     string `json:"agent_token"`
	Message        string `json:"message"`
}

type RouterHeartbeatResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}
