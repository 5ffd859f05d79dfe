package store

import (
	"context"
	"errors"
	"time"

	"github.com/defenderhub/defenderhub/pkg/credential"
	"gorm.io/gorm"
)

// Enrollment token failure modes, each reported to the router distinctly.
var (
	ErrEnrollmentTokenNotFound  = errors.New("invalid enrollment token")
	ErrEnrollmentTokenInactive  = errors.New("enrollment token is inactive")
	ErrEnrollmentTokenExpired   = errors.New("enrollment token has expired")
	ErrEnrollmentTokenExhausted = errors.New("enrollment token has reached its maximum uses")
)

// RouterEnrollment describes an enroll call.
type RouterEnrollment struct {
	TokenHash       string
	Hostname        string
	Vendor          string
	Model           string
	MacAddress      *string
	LanIP           *string
	WanIP           *string
	FirmwareVersion *string
	TokenTTL        time.Duration
}

// CheckEnrollmentToken applies the three token conditions in order.
func CheckEnrollmentToken(t RouterEnrollmentToken, now time.Time) error {
	if !t.IsActive {
		return ErrEnrollmentTokenInactive
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return ErrEnrollmentTokenExpired
	}
	if t.MaxUses != nil && t.UseCount >= *t.MaxUses {
		return ErrEnrollmentTokenExhausted
	}
	return nil
}

// EnrollRouter consumes one use of the enrollment token and creates a new
// router with a fresh agent token. Routers are never deduplicated by
// hostname: every successful call inserts a row.
func (s *Store) EnrollRouter(ctx context.Context, e RouterEnrollment) (*Router, error) {
	now := s.Now()
	var router Router

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tok RouterEnrollmentToken
		if err := tx.Where("token_hash = ?", e.TokenHash).First(&tok).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEnrollmentTokenNotFound
			}
			return err
		}
		if err := CheckEnrollmentToken(tok, now); err != nil {
			return err
		}

		// Conditional increment so two racing enrollments cannot both take
		// the last use.
		res := tx.Model(&RouterEnrollmentToken{}).
			Where("id = ? AND (max_uses IS NULL OR use_count < max_uses)", tok.ID).
			UpdateColumn("use_count", gorm.Expr("use_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrEnrollmentTokenExhausted
		}

		router = Router{
			OrganizationID:    tok.OrganizationID,
			EnrollmentTokenID: tok.ID,
			Hostname:          e.Hostname,
			Vendor:            e.Vendor,
			HardwareModel:     e.Model,
			MacAddress:        e.MacAddress,
			LanIP:             e.LanIP,
			WanIP:             e.WanIP,
			FirmwareVersion:   e.FirmwareVersion,
			Credential:        credential.Issue(credential.NewRouterToken(), now, e.TokenTTL),
			LastSeenAt:        &now,
			IsOnline:          true,
		}
		if err := tx.Create(&router).Error; err != nil {
			return err
		}
		return s.writeAgentLog(tx, AgentLog{RouterID: &router.ID, Message: "Router enrolled: " + e.Hostname})
	})
	if err != nil {
		return nil, err
	}
	return &router, nil
}

// RouterHeartbeat carries the optional fields of a router heartbeat.
type RouterHeartbeat struct {
	IsOnline        *bool
	WanIP           *string
	FirmwareVersion *string
}

// TouchRouter records router liveness. IsOnline defaults to true.
func (s *Store) TouchRouter(ctx context.Context, id string, hb RouterHeartbeat) error {
	now := s.Now()
	online := true
	if hb.IsOnline != nil {
		online = *hb.IsOnline
	}
	updates := map[string]any{
		"last_seen_at": now,
		"is_online":    online,
		"updated_at":   now,
	}
	if hb.WanIP != nil && *hb.WanIP != "" {
		updates["wan_ip"] = *hb.WanIP
	}
	if hb.FirmwareVersion != nil && *hb.FirmwareVersion != "" {
		updates["firmware_version"] = *hb.FirmwareVersion
	}
	res := s.db.WithContext(ctx).Model(&Router{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRouter loads a router by id.
func (s *Store) GetRouter(ctx context.Context, id string) (*Router, error) {
	var r Router
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}
