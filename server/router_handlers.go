package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/defenderhub/defenderhub/pkg/auth"
	"github.com/defenderhub/defenderhub/pkg/credential"
	"github.com/defenderhub/defenderhub/pkg/store"
	"github.com/gin-gonic/gin"
)

// Router enrollment outcomes recorded in metrics.
const (
	enrollSucceeded = "enrolled"
	enrollRejected  = "rejected"
	enrollFailed    = "failed"
)

func (s *Server) registerRouterRoutes(r *gin.Engine) {
	r.POST("/router-checkin", s.handleRouterCheckin)
}

func (s *Server) handleRouterCheckin(c *gin.Context) {
	var req auth.RouterCheckinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, validationError("invalid request body: "+err.Error()))
		return
	}

	switch req.Action {
	case auth.ActionEnroll:
		if !s.allow(c, "enroll:"+clientIP(c), s.cfg.RateLimit.EnrollPerMinute, time.Minute) {
			return
		}
		s.handleRouterEnroll(c, req)
	case auth.ActionHeartbeat:
		s.handleRouterHeartbeat(c, req)
	default:
		s.fail(c, validationError("Invalid action"))
	}
}

// handleRouterEnroll consumes one use of the enrollment token. Every call that
// passes the token checks creates a new router.
func (s *Server) handleRouterEnroll(c *gin.Context, req auth.RouterCheckinRequest) {
	if req.EnrollmentToken == "" || req.Hostname == "" || req.Vendor == "" {
		s.fail(c, validationError("enrollment_token, hostname and vendor are required"))
		return
	}

	router, err := s.store.EnrollRouter(c.Request.Context(), store.RouterEnrollment{
		TokenHash:       s.tokenHasher.HashString(req.EnrollmentToken),
		Hostname:        req.Hostname,
		Vendor:          req.Vendor,
		Model:           req.Model,
		MacAddress:      req.MacAddress,
		LanIP:           req.LanIP,
		WanIP:           req.WanIP,
		FirmwareVersion: req.FirmwareVersion,
		TokenTTL:        s.cfg.RouterTokenTTL,
	})
	if err != nil {
		s.recordEnrollment(err)
		s.fail(c, err)
		return
	}
	s.recordEnrollment(nil)

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("router_id", router.ID).
		Str("organization_id", router.OrganizationID).
		Str("hostname", router.Hostname).
		Str("vendor", router.Vendor).
		Msg("router enrolled")

	c.JSON(http.StatusOK, auth.RouterEnrollResponse{
		Success:        true,
		RouterID:       router.ID,
		OrganizationID: router.OrganizationID,
		AgentToken:     router.Token,
		Message:        "Router enrolled successfully",
	})
}

func (s *Server) handleRouterHeartbeat(c *gin.Context, req auth.RouterCheckinRequest) {
	if req.AgentToken == "" {
		s.fail(c, authError("agent_token is required"))
		return
	}
	ctx := c.Request.Context()

	p, err := s.store.Authenticate(ctx, credential.KindRouter, req.AgentToken)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.setPrincipal(c, p)

	if err := s.store.TouchRouter(ctx, p.ID, store.RouterHeartbeat{
		IsOnline:        req.IsOnline,
		WanIP:           req.WanIP,
		FirmwareVersion: req.FirmwareVersion,
	}); err != nil {
		s.fail(c, err)
		return
	}

	s.checkIn("router_heartbeat")
	c.JSON(http.StatusOK, auth.RouterHeartbeatResponse{Success: true, Message: "Heartbeat received"})
}

func (s *Server) recordEnrollment(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.metrics.RouterEnrollment(enrollSucceeded)
	case errors.Is(err, store.ErrEnrollmentTokenNotFound),
		errors.Is(err, store.ErrEnrollmentTokenInactive),
		errors.Is(err, store.ErrEnrollmentTokenExpired),
		errors.Is(err, store.ErrEnrollmentTokenExhausted):
		s.metrics.RouterEnrollment(enrollRejected)
	default:
		s.metrics.RouterEnrollment(enrollFailed)
	}
}
