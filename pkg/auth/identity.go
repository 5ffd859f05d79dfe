// Package auth holds the router agent's persisted identity and the router
// check-in wire types shared by the agent and the server.
package auth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Identity is what a router keeps after a successful enrollment.
type Identity struct {
	RouterID       string    `json:"router_id"`
	OrganizationID string    `json:"organization_id"`
	AgentToken     string    `json:"agent_token"`
	ServerURL      string    `json:"server_url"`
	EnrolledAt     time.Time `json:"enrolled_at"`
}

var ErrIncompleteIdentity = errors.New("identity file is missing router id or agent token")

// Save stores the identity to disk with 0600 permissions
func (i *Identity) Save(path string) error {
	jsonData, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	// Write then rename so a crash never leaves a truncated identity.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, jsonData, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadIdentity reads identity from disk
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	if id.RouterID == "" || id.AgentToken == "" {
		return nil, ErrIncompleteIdentity
	}
	return &id, nil
}
