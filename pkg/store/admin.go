package store

import (
	"context"
	"errors"

	"github.com/defenderhub/defenderhub/pkg/credential"
	"gorm.io/gorm"
)

func (s *Store) CreateOrganization(ctx context.Context, org *Organization) error {
	return s.db.WithContext(ctx).Create(org).Error
}

func (s *Store) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	if err := s.db.WithContext(ctx).First(&org, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &org, nil
}

// ListEndpoints returns endpoints ordered by hostname, optionally for one org.
func (s *Store) ListEndpoints(ctx context.Context, organizationID string) ([]Endpoint, error) {
	q := s.db.WithContext(ctx).Order("hostname asc")
	if organizationID != "" {
		q = q.Where("organization_id = ?", organizationID)
	}
	var eps []Endpoint
	if err := q.Find(&eps).Error; err != nil {
		return nil, err
	}
	return eps, nil
}

func (s *Store) CreatePolicy(ctx context.Context, p *DefenderPolicy) error {
	if p.Version == 0 {
		p.Version = 1
	}
	return s.db.WithContext(ctx).Create(p).Error
}

// AssignPolicy points an endpoint at policyID, or clears it when nil.
func (s *Store) AssignPolicy(ctx context.Context, endpointID string, policyID *string) error {
	if policyID != nil {
		if _, err := s.GetPolicy(ctx, *policyID); err != nil {
			return err
		}
	}
	res := s.db.WithContext(ctx).Model(&Endpoint{}).Where("id = ?", endpointID).Update("policy_id", policyID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePolicy removes a policy and clears every endpoint reference to it.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Endpoint{}).Where("policy_id = ?", id).Update("policy_id", nil).Error; err != nil {
			return err
		}
		res := tx.Delete(&DefenderPolicy{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) CreateRouterEnrollmentToken(ctx context.Context, t *RouterEnrollmentToken) error {
	if _, err := s.GetOrganization(ctx, t.OrganizationID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrOrganizationNotFound
		}
		return err
	}
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *Store) ListRouterEnrollmentTokens(ctx context.Context, organizationID string) ([]RouterEnrollmentToken, error) {
	q := s.db.WithContext(ctx).Order("created_at desc")
	if organizationID != "" {
		q = q.Where("organization_id = ?", organizationID)
	}
	var tokens []RouterEnrollmentToken
	if err := q.Find(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

// DeactivateRouterEnrollmentToken clears the active flag; the row is kept so
// routers enrolled with it still reference it.
func (s *Store) DeactivateRouterEnrollmentToken(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&RouterEnrollmentToken{}).Where("id = ?", id).Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreateEnrollmentCode(ctx context.Context, c *EnrollmentCode) error {
	c.Code = credential.NormalizeEnrollmentCode(c.Code)
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *Store) GetEnrollmentCode(ctx context.Context, code string) (*EnrollmentCode, error) {
	var c EnrollmentCode
	err := s.db.WithContext(ctx).First(&c, "code = ?", credential.NormalizeEnrollmentCode(code)).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// RedeemEnrollmentCode validates the code and consumes one use.
func (s *Store) RedeemEnrollmentCode(ctx context.Context, code string) (*EnrollmentCode, credential.CodeVerdict, error) {
	var (
		out     EnrollmentCode
		verdict credential.CodeVerdict
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, "code = ?", credential.NormalizeEnrollmentCode(code)).Error; err != nil {
			return notFound(err)
		}
		verdict = credential.ValidateEnrollmentCode(out.Credential(), s.Now())
		if !verdict.Valid {
			return nil
		}
		res := tx.Model(&EnrollmentCode{}).
			Where("id = ? AND (max_uses IS NULL OR use_count < max_uses)", out.ID).
			UpdateColumn("use_count", gorm.Expr("use_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			verdict = credential.CodeVerdict{Reason: credential.ReasonExhausted}
			return nil
		}
		out.UseCount++
		return nil
	})
	if err != nil {
		return nil, credential.CodeVerdict{}, err
	}
	return &out, verdict, nil
}
