package store

import (
	"context"
	"errors"
	"time"

	"github.com/defenderhub/defenderhub/pkg/credential"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Audit messages written by the endpoint protocol.
const (
	MsgAgentRegistered   = "Agent registered successfully"
	MsgAgentReRegistered = "Agent re-registered"
)

// Registration describes a Register call.
type Registration struct {
	OrganizationID  string
	Hostname        string
	OSVersion       string
	OSBuild         string
	DefenderVersion string
	TokenTTL        time.Duration
}

// RegisterResult reports the stored endpoint and whether it was newly created.
type RegisterResult struct {
	Endpoint Endpoint
	Created  bool
}

// RegisterEndpoint inserts an endpoint or, when (organization, hostname)
// already exists, refreshes it and keeps its existing token. An expired token
// is replaced so the agent can recover by registering again. The upsert runs
// against the unique index so concurrent registrations cannot mint two rows.
func (s *Store) RegisterEndpoint(ctx context.Context, reg Registration) (RegisterResult, error) {
	var org Organization
	if err := s.db.WithContext(ctx).Select("id").First(&org, "id = ?", reg.OrganizationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RegisterResult{}, ErrOrganizationNotFound
		}
		return RegisterResult{}, err
	}

	token, err := credential.NewEndpointToken()
	if err != nil {
		return RegisterResult{}, err
	}
	now := s.Now()

	candidate := Endpoint{
		OrganizationID:  reg.OrganizationID,
		Hostname:        reg.Hostname,
		OSVersion:       reg.OSVersion,
		OSBuild:         reg.OSBuild,
		DefenderVersion: reg.DefenderVersion,
		Credential:      credential.Issue(token, now, reg.TokenTTL),
		LastSeenAt:      &now,
		IsOnline:        true,
	}

	updates := []string{"last_seen_at", "is_online", "updated_at"}
	if reg.OSVersion != "" {
		updates = append(updates, "os_version")
	}
	if reg.OSBuild != "" {
		updates = append(updates, "os_build")
	}
	if reg.DefenderVersion != "" {
		updates = append(updates, "defender_version")
	}

	var result RegisterResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}, {Name: "hostname"}},
			DoUpdates: clause.AssignmentColumns(updates),
		}).Create(&candidate).Error; err != nil {
			return err
		}

		var stored Endpoint
		if err := tx.Where("organization_id = ? AND hostname = ?", reg.OrganizationID, reg.Hostname).
			First(&stored).Error; err != nil {
			return err
		}

		created := stored.Token == token
		if !created && stored.Expired(now) {
			if err := tx.Model(&Endpoint{}).Where("id = ?", stored.ID).Updates(map[string]any{
				"agent_token":      candidate.Token,
				"token_issued_at":  candidate.IssuedAt,
				"token_expires_at": candidate.ExpiresAt,
			}).Error; err != nil {
				return err
			}
			stored.Credential = candidate.Credential
		}

		result = RegisterResult{Endpoint: stored, Created: created}
		msg := MsgAgentReRegistered
		if created {
			msg = MsgAgentRegistered
		}
		return s.writeAgentLog(tx, AgentLog{EndpointID: &stored.ID, Message: msg})
	})
	if err != nil {
		return RegisterResult{}, err
	}
	return result, nil
}

// GetEndpoint loads an endpoint by id.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	var ep Endpoint
	if err := s.db.WithContext(ctx).First(&ep, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &ep, nil
}

// TouchEndpoint records liveness. defenderVersion is only written when set.
func (s *Store) TouchEndpoint(ctx context.Context, id, defenderVersion string) error {
	now := s.Now()
	updates := map[string]any{
		"last_seen_at": now,
		"is_online":    true,
		"updated_at":   now,
	}
	if defenderVersion != "" {
		updates["defender_version"] = defenderVersion
	}
	res := s.db.WithContext(ctx).Model(&Endpoint{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertStatus appends a status snapshot. CollectedAt defaults to now.
func (s *Store) InsertStatus(ctx context.Context, status *EndpointStatus) error {
	if status.CollectedAt.IsZero() {
		status.CollectedAt = s.Now()
	}
	return s.db.WithContext(ctx).Create(status).Error
}

// LatestStatus returns the most recently collected snapshot for an endpoint.
func (s *Store) LatestStatus(ctx context.Context, endpointID string) (*EndpointStatus, error) {
	var st EndpointStatus
	err := s.db.WithContext(ctx).
		Where("endpoint_id = ?", endpointID).
		Order("collected_at desc").
		First(&st).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &st, nil
}

// UpdateCompliance stores the latest policy evaluation on the endpoint row.
func (s *Store) UpdateCompliance(ctx context.Context, id string, compliant bool, violations []string) error {
	return s.db.WithContext(ctx).Model(&Endpoint{}).Where("id = ?", id).Updates(map[string]any{
		"compliant":  compliant,
		"violations": datatypes.JSONSlice[string](violations),
	}).Error
}

// ThreatReport is one entry of a Threats call.
type ThreatReport struct {
	ThreatID                   string
	ThreatName                 string
	Severity                   string
	Category                   *string
	Status                     string
	InitialDetectionTime       *time.Time
	LastThreatStatusChangeTime *time.Time
	Resources                  datatypes.JSON
	RawData                    datatypes.JSON
}

// Threat defaults for first sightings.
const (
	DefaultThreatSeverity = "Unknown"
	DefaultThreatStatus   = "Active"
)

// UpsertThreat records a threat for an endpoint, keyed by (endpoint_id,
// threat_id). A first sighting inserts the full row and an audit entry;
// repeats only refresh status, timestamps and raw payloads. A repeat without
// a status keeps the stored one.
func (s *Store) UpsertThreat(ctx context.Context, endpointID string, r ThreatReport) (created bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		severity := r.Severity
		if severity == "" {
			severity = DefaultThreatSeverity
		}
		status := r.Status
		if status == "" {
			status = DefaultThreatStatus
		}
		row := Threat{
			EndpointID:                 endpointID,
			ThreatID:                   r.ThreatID,
			ThreatName:                 r.ThreatName,
			Severity:                   severity,
			Category:                   r.Category,
			Status:                     status,
			InitialDetectionTime:       r.InitialDetectionTime,
			LastThreatStatusChangeTime: r.LastThreatStatusChangeTime,
			Resources:                  r.Resources,
			RawData:                    r.RawData,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint_id"}, {Name: "threat_id"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 1 {
			created = true
			name := r.ThreatName
			if name == "" {
				name = r.ThreatID
			}
			return s.writeAgentLog(tx, AgentLog{
				EndpointID: &endpointID,
				Level:      "warning",
				Message:    "Threat detected: " + name,
			})
		}

		updates := map[string]any{"updated_at": s.Now()}
		if r.Status != "" {
			updates["status"] = r.Status
		}
		if r.LastThreatStatusChangeTime != nil {
			updates["last_threat_status_change_time"] = *r.LastThreatStatusChangeTime
		}
		if len(r.RawData) > 0 {
			updates["raw_data"] = r.RawData
		}
		if len(r.Resources) > 0 {
			updates["resources"] = r.Resources
		}
		return tx.Model(&Threat{}).
			Where("endpoint_id = ? AND threat_id = ?", endpointID, r.ThreatID).
			Updates(updates).Error
	})
	return created, err
}

// InsertEventLogs appends logs in one transaction; on error nothing is kept.
func (s *Store) InsertEventLogs(ctx context.Context, logs []EventLog) error {
	if len(logs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(logs, 200).Error
	})
}

// PolicyForEndpoint returns the endpoint's assigned policy, or nil when none
// is assigned.
func (s *Store) PolicyForEndpoint(ctx context.Context, endpointID string) (*DefenderPolicy, error) {
	ep, err := s.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if ep.PolicyID == nil || *ep.PolicyID == "" {
		return nil, nil
	}
	return s.GetPolicy(ctx, *ep.PolicyID)
}

// GetPolicy loads a policy by id.
func (s *Store) GetPolicy(ctx context.Context, id string) (*DefenderPolicy, error) {
	var p DefenderPolicy
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}
