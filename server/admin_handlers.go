package main

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/defenderhub/defenderhub/pkg/catalog"
	"github.com/defenderhub/defenderhub/pkg/credential"
	"github.com/defenderhub/defenderhub/pkg/store"
	"github.com/gin-gonic/gin"
)

// registerAdminRoutes mounts the operator API. It is left unmounted when no
// admin token is configured.
func (s *Server) registerAdminRoutes(r *gin.Engine) {
	if s.cfg.AdminToken == "" {
		return
	}
	admin := r.Group("/admin", s.requireAdmin)
	admin.POST("/organizations", s.handleCreateOrganization)
	admin.GET("/endpoints", s.handleListEndpoints)
	admin.PUT("/endpoints/:id/policy", s.handleAssignPolicy)

	admin.POST("/policies", s.handleCreatePolicy)
	admin.GET("/policies/:id", s.handleGetPolicy)
	admin.DELETE("/policies/:id", s.handleDeletePolicy)

	admin.POST("/router-tokens", s.handleIssueRouterToken)
	admin.GET("/router-tokens", s.handleListRouterTokens)
	admin.DELETE("/router-tokens/:id", s.handleRevokeRouterToken)

	admin.POST("/enrollment-codes", s.handleCreateEnrollmentCode)
	admin.GET("/enrollment-codes/:code", s.handleValidateEnrollmentCode)
	admin.POST("/enrollment-codes/:code/redeem", s.handleRedeemEnrollmentCode)

	admin.POST("/retention/sweep", s.handleRetentionSweep)
}

func (s *Server) requireAdmin(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		s.fail(c, authError("missing bearer token"))
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
		s.fail(c, authError("invalid bearer token"))
		return
	}
	c.Next()
}

// handleCatalog serves the static settings catalog. It needs no credentials.
func (s *Server) handleCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, catalog.Full())
}

func (s *Server) handleCreateOrganization(c *gin.Context) {
	var req struct {
		Name                  string  `json:"name"`
		PartnerID             *string `json:"partner_id"`
		EventLogRetentionDays *int    `json:"event_log_retention_days"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, validationError("invalid request body: "+err.Error()))
		return
	}
	if req.Name == "" {
		s.fail(c, validationError("name is required"))
		return
	}
	if req.EventLogRetentionDays != nil && *req.EventLogRetentionDays <= 0 {
		s.fail(c, validationError("event_log_retention_days must be positive"))
		return
	}

	org := store.Organization{
		Name:                  req.Name,
		PartnerID:             req.PartnerID,
		EventLogRetentionDays: req.EventLogRetentionDays,
	}
	if err := s.store.CreateOrganization(c.Request.Context(), &org); err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, gin.H{"organization": org})
}

func (s *Server) handleListEndpoints(c *gin.Context) {
	endpoints, err := s.store.ListEndpoints(c.Request.Context(), c.Query("organization_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"endpoints": endpoints})
}

func (s *Server) handleAssignPolicy(c *gin.Context) {
	var req struct {
		PolicyID *string `json:"policy_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, validationError("invalid request body: "+err.Error()))
		return
	}
	if req.PolicyID != nil && *req.PolicyID == "" {
		req.PolicyID = nil
	}
	if err := s.store.AssignPolicy(c.Request.Context(), c.Param("id"), req.PolicyID); err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"endpoint_id": c.Param("id"), "policy_id": req.PolicyID})
}

func (s *Server) handleCreatePolicy(c *gin.Context) {
	var p store.DefenderPolicy
	if err := c.ShouldBindJSON(&p); err != nil {
		s.fail(c, validationError("invalid request body: "+err.Error()))
		return
	}
	p.Model = store.Model{}
	p.Version = 0
	applyPolicyDefaults(&p)
	if err := validatePolicy(&p); err != nil {
		s.fail(c, err)
		return
	}

	ctx := c.Request.Context()
	if p.OrganizationID != "" {
		if _, err := s.store.GetOrganization(ctx, p.OrganizationID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				err = validationError("unknown organization_id")
			}
			s.fail(c, err)
			return
		}
	}
	if err := s.store.CreatePolicy(ctx, &p); err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, gin.H{"policy": p})
}

func applyPolicyDefaults(p *store.DefenderPolicy) {
	if p.CloudBlockLevel == "" {
		p.CloudBlockLevel = catalog.DefaultCloudBlockLevel
	}
	if p.MapsReporting == "" {
		p.MapsReporting = catalog.DefaultMapsReporting
	}
	if p.SampleSubmission == "" {
		p.SampleSubmission = catalog.DefaultSampleSubmission
	}
}

// validatePolicy checks enumerated fields and ASR rule ids against the catalog.
func validatePolicy(p *store.DefenderPolicy) error {
	if p.Name == "" {
		return validationError("name is required")
	}
	if !catalog.ValidOption(catalog.CloudBlockLevels(), p.CloudBlockLevel) {
		return validationError("invalid cloud_block_level " + p.CloudBlockLevel)
	}
	if !catalog.ValidOption(catalog.MapsReportingOptions(), p.MapsReporting) {
		return validationError("invalid maps_reporting " + p.MapsReporting)
	}
	if !catalog.ValidOption(catalog.SampleSubmissionOptions(), p.SampleSubmission) {
		return validationError("invalid sample_submission " + p.SampleSubmission)
	}
	if p.MaxSignatureAgeDays < 0 || p.SignatureUpdateHours < 0 || p.CloudExtendedTimeout < 0 {
		return validationError("numeric settings must not be negative")
	}
	for id, action := range p.AsrRules.Data() {
		if _, ok := catalog.LookupAsrRuleByID(id); !ok {
			return validationError("unknown ASR rule " + id)
		}
		if !action.Valid() {
			return validationError("invalid action " + string(action) + " for ASR rule " + id)
		}
	}
	return nil
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	p, err := s.store.GetPolicy(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"policy": p})
}

func (s *Server) handleDeletePolicy(c *gin.Context) {
	if err := s.store.DeletePolicy(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleIssueRouterToken(c *gin.Context) {
	var req struct {
		OrganizationID   string `json:"organization_id"`
		Label            string `json:"label"`
		ExpiresInSeconds int64  `json:"expires_in_seconds"`
		MaxUses          *int   `json:"max_uses"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, validationError("invalid request body: "+err.Error()))
		return
	}
	if req.OrganizationID == "" {
		s.fail(c, validationError("organization_id is required"))
		return
	}
	if req.MaxUses != nil && *req.MaxUses <= 0 {
		s.fail(c, validationError("max_uses must be positive"))
		return
	}

	raw, err := generateEnrollmentSecret()
	if err != nil {
		s.fail(c, err)
		return
	}

	record := store.RouterEnrollmentToken{
		OrganizationID: req.OrganizationID,
		Label:          req.Label,
		TokenHash:      s.tokenHasher.HashString(raw),
		IsActive:       true,
		MaxUses:        req.MaxUses,
	}
	if req.ExpiresInSeconds > 0 {
		exp := s.store.Now().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
		record.ExpiresAt = &exp
	}
	if err := s.store.CreateRouterEnrollmentToken(c.Request.Context(), &record); err != nil {
		if errors.Is(err, store.ErrOrganizationNotFound) {
			err = validationError("unknown organization_id")
		}
		s.fail(c, err)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("token_id", record.ID).
		Str("organization_id", record.OrganizationID).
		Msg("router enrollment token issued")
	respondSuccess(c, http.StatusCreated, gin.H{
		"id":         record.ID,
		"token":      raw,
		"label":      record.Label,
		"expires_at": record.ExpiresAt,
		"max_uses":   record.MaxUses,
	})
}

func (s *Server) handleListRouterTokens(c *gin.Context) {
	tokens, err := s.store.ListRouterEnrollmentTokens(c.Request.Context(), c.Query("organization_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"tokens": tokens})
}

func (s *Server) handleRevokeRouterToken(c *gin.Context) {
	if err := s.store.DeactivateRouterEnrollmentToken(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCreateEnrollmentCode(c *gin.Context) {
	var req struct {
		OrganizationID   string          `json:"organization_id"`
		Role             credential.Role `json:"role"`
		ExpiresInSeconds int64           `json:"expires_in_seconds"`
		MaxUses          *int            `json:"max_uses"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, validationError("invalid request body: "+err.Error()))
		return
	}
	if req.OrganizationID == "" {
		s.fail(c, validationError("organization_id is required"))
		return
	}
	if req.Role == "" {
		req.Role = credential.RoleMember
	}
	if !req.Role.Valid() {
		s.fail(c, validationError("invalid role "+string(req.Role)))
		return
	}
	if req.MaxUses != nil && *req.MaxUses <= 0 {
		s.fail(c, validationError("max_uses must be positive"))
		return
	}

	ctx := c.Request.Context()
	if _, err := s.store.GetOrganization(ctx, req.OrganizationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = validationError("unknown organization_id")
		}
		s.fail(c, err)
		return
	}

	code, err := credential.NewEnrollmentCode()
	if err != nil {
		s.fail(c, err)
		return
	}
	record := store.EnrollmentCode{
		OrganizationID: req.OrganizationID,
		Code:           code,
		Role:           req.Role,
		IsActive:       true,
		MaxUses:        req.MaxUses,
	}
	if req.ExpiresInSeconds > 0 {
		exp := s.store.Now().Add(time.Duration(req.ExpiresInSeconds) * time.Second)
		record.ExpiresAt = &exp
	}
	if err := s.store.CreateEnrollmentCode(ctx, &record); err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, gin.H{"enrollment_code": record})
}

func (s *Server) handleValidateEnrollmentCode(c *gin.Context) {
	code, err := s.store.GetEnrollmentCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		s.fail(c, err)
		return
	}
	verdict := credential.ValidateEnrollmentCode(code.Credential(), s.store.Now())
	respondSuccess(c, http.StatusOK, gin.H{
		"valid":           verdict.Valid,
		"reason":          verdict.Reason,
		"organization_id": code.OrganizationID,
		"role":            code.Role,
	})
}

func (s *Server) handleRedeemEnrollmentCode(c *gin.Context) {
	code, verdict, err := s.store.RedeemEnrollmentCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !verdict.Valid {
		s.fail(c, validationError(verdict.Reason))
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"organization_id": code.OrganizationID,
		"role":            code.Role,
		"use_count":       code.UseCount,
	})
}

func (s *Server) handleRetentionSweep(c *gin.Context) {
	report, err := s.sweeper.Run(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.recordSweep(report)
	respondSuccess(c, http.StatusOK, gin.H{"report": report})
}
