package main

import (
	"errors"
	"net/http"

	"github.com/defenderhub/defenderhub/pkg/credential"
	"github.com/defenderhub/defenderhub/pkg/script"
	"github.com/defenderhub/defenderhub/pkg/store"
	"github.com/gin-gonic/gin"
)

func (s *Server) registerScriptRoutes(r *gin.Engine) {
	r.GET("/agent-script", s.handleAgentScript)
}

// handleAgentScript serves the control script. First installs pass ?org=;
// self-updating agents present their token and get it embedded in the body.
// The token wins when both are supplied.
func (s *Server) handleAgentScript(c *gin.Context) {
	ctx := c.Request.Context()
	params := script.Params{BaseURL: s.cfg.PublicBaseURL}

	if token := c.GetHeader(agentTokenHeader); token != "" {
		p, err := s.store.Authenticate(ctx, credential.KindEndpoint, token)
		if err != nil {
			s.fail(c, err)
			return
		}
		s.setPrincipal(c, p)
		params.OrganizationID = p.OrganizationID
		params.AgentToken = token
	} else {
		orgID := c.Query("org")
		if orgID == "" {
			s.fail(c, validationError("org parameter or agent token is required"))
			return
		}
		if _, err := s.store.GetOrganization(ctx, orgID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				err = store.ErrOrganizationNotFound
			}
			s.fail(c, err)
			return
		}
		params.OrganizationID = orgID
	}

	body, err := script.Render(params)
	if err != nil {
		s.fail(c, err)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("organization_id", params.OrganizationID).
		Bool("self_update", params.AgentToken != "").
		Msg("agent script served")
	c.Header("Content-Disposition", `attachment; filename="`+script.FileName+`"`)
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, script.ContentType, body)
}
