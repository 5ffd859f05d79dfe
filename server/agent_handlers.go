package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Masterminds/semver"
	"github.com/defenderhub/defenderhub/pkg/asr"
	"github.com/defenderhub/defenderhub/pkg/catalog"
	"github.com/defenderhub/defenderhub/pkg/credential"
	"github.com/defenderhub/defenderhub/pkg/policy"
	"github.com/defenderhub/defenderhub/pkg/script"
	"github.com/defenderhub/defenderhub/pkg/store"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
)

const (
	agentTokenHeader    = "x-agent-token"
	principalContextKey = "principal"
)

func (s *Server) registerAgentRoutes(r *gin.Engine) {
	api := r.Group("/agent-api")
	api.POST("/register", s.rateLimited("register", s.cfg.RateLimit.RegisterPerMinute, time.Minute, clientIP, s.handleRegister))

	authed := api.Group("", s.requireAgentToken(credential.KindEndpoint))
	authed.POST("/heartbeat", s.handleHeartbeat)
	authed.POST("/threats", s.handleThreats)
	authed.POST("/logs", s.handleLogs)
	authed.GET("/policy", s.handlePolicy)
	authed.GET("/update-check", s.handleUpdateCheck)
}

// requireAgentToken resolves the x-agent-token header to a principal of kind.
func (s *Server) requireAgentToken(kind credential.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.store.Authenticate(c.Request.Context(), kind, c.GetHeader(agentTokenHeader))
		if err != nil {
			s.fail(c, err)
			return
		}
		s.setPrincipal(c, p)
		c.Next()
	}
}

func (s *Server) setPrincipal(c *gin.Context, p credential.Principal) {
	c.Set(principalContextKey, p)
	logger := requestLogger(c, s.logger).With().
		Str("principal_kind", string(p.Kind)).
		Str("principal_id", p.ID).
		Logger()
	c.Set(requestLoggerContextKey, logger)
	trace.SpanFromContext(c.Request.Context()).SetAttributes(
		attribute.String("principal.kind", string(p.Kind)),
		attribute.String("principal.id", p.ID),
		attribute.String("organization.id", p.OrganizationID),
	)
}

func principal(c *gin.Context) credential.Principal {
	return c.MustGet(principalContextKey).(credential.Principal)
}

func (s *Server) checkIn(operation string) {
	if s.metrics != nil {
		s.metrics.CheckIn(operation)
	}
}

type registerRequest struct {
	OrganizationToken string     `json:"organization_token"`
	Hostname          string     `json:"hostname"`
	OSVersion         string     `json:"os_version"`
	OSBuild           flexString `json:"os_build"`
	DefenderVersion   string     `json:"defender_version"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, validationError("invalid request body: "+err.Error()))
		return
	}
	if req.OrganizationToken == "" || req.Hostname == "" {
		s.fail(c, validationError("organization_token and hostname are required"))
		return
	}

	res, err := s.store.RegisterEndpoint(c.Request.Context(), store.Registration{
		OrganizationID:  req.OrganizationToken,
		Hostname:        req.Hostname,
		OSVersion:       req.OSVersion,
		OSBuild:         req.OSBuild.String(),
		DefenderVersion: req.DefenderVersion,
		TokenTTL:        s.cfg.EndpointTokenTTL,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	message := store.MsgAgentRegistered
	if !res.Created {
		message = store.MsgAgentReRegistered
	}
	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("endpoint_id", res.Endpoint.ID).
		Str("hostname", req.Hostname).
		Bool("created", res.Created).
		Msg(message)
	s.checkIn("register")

	respondSuccess(c, http.StatusOK, gin.H{
		"endpoint_id": res.Endpoint.ID,
		"agent_token": res.Endpoint.Token,
		"message":     message,
	})
}

type heartbeatRequest struct {
	DefenderVersion               string     `json:"defender_version"`
	RealtimeProtectionEnabled     *bool      `json:"realtime_protection_enabled"`
	AntivirusEnabled              *bool      `json:"antivirus_enabled"`
	AntispywareEnabled            *bool      `json:"antispyware_enabled"`
	BehaviorMonitorEnabled        *bool      `json:"behavior_monitor_enabled"`
	IoavProtectionEnabled         *bool      `json:"ioav_protection_enabled"`
	OnAccessProtectionEnabled     *bool      `json:"on_access_protection_enabled"`
	NisEnabled                    *bool      `json:"nis_enabled"`
	IsTamperProtected             *bool      `json:"is_tamper_protected"`
	TamperProtectionSource        *string    `json:"tamper_protection_source"`
	AMRunningMode                 *string    `json:"am_running_mode"`
	AntivirusSignatureVersion     *string    `json:"antivirus_signature_version"`
	AntispywareSignatureVersion   *string    `json:"antispyware_signature_version"`
	AntivirusSignatureLastUpdated *time.Time `json:"antivirus_signature_last_updated"`
	AntivirusSignatureAge         *int       `json:"antivirus_signature_age"`
	FullScanAge                   *int       `json:"full_scan_age"`
	QuickScanAge                  *int       `json:"quick_scan_age"`
}

func (r heartbeatRequest) status(endpointID string, raw []byte) *store.EndpointStatus {
	return &store.EndpointStatus{
		EndpointID:                    endpointID,
		RealtimeProtectionEnabled:     r.RealtimeProtectionEnabled,
		AntivirusEnabled:              r.AntivirusEnabled,
		AntispywareEnabled:            r.AntispywareEnabled,
		BehaviorMonitorEnabled:        r.BehaviorMonitorEnabled,
		IoavProtectionEnabled:         r.IoavProtectionEnabled,
		OnAccessProtectionEnabled:     r.OnAccessProtectionEnabled,
		NisEnabled:                    r.NisEnabled,
		IsTamperProtected:             r.IsTamperProtected,
		TamperProtectionSource:        r.TamperProtectionSource,
		AMRunningMode:                 r.AMRunningMode,
		AntivirusSignatureVersion:     r.AntivirusSignatureVersion,
		AntispywareSignatureVersion:   r.AntispywareSignatureVersion,
		AntivirusSignatureLastUpdated: r.AntivirusSignatureLastUpdated,
		AntivirusSignatureAge:         r.AntivirusSignatureAge,
		FullScanAge:                   r.FullScanAge,
		QuickScanAge:                  r.QuickScanAge,
		RawStatus:                     datatypes.JSON(raw),
	}
}

// handleHeartbeat acknowledges liveness even when the status snapshot cannot
// be stored; only the liveness update is allowed to fail the call.
func (s *Server) handleHeartbeat(c *gin.Context) {
	p := principal(c)
	ctx := c.Request.Context()
	logger := requestLogger(c, s.logger)

	raw, err := c.GetRawData()
	if err != nil {
		s.fail(c, validationError("failed to read body"))
		return
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var req heartbeatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.fail(c, validationError("invalid request body: "+err.Error()))
		return
	}

	if err := s.store.TouchEndpoint(ctx, p.ID, req.DefenderVersion); err != nil {
		s.fail(c, err)
		return
	}

	status := req.status(p.ID, raw)
	if err := s.store.InsertStatus(ctx, status); err != nil {
		logger.Error().Err(err).Str("endpoint_id", p.ID).Msg("failed to store endpoint status")
		if s.metrics != nil {
			s.metrics.StatusInsertFailed()
		}
	} else {
		s.evaluateCompliance(ctx, p.ID, status, c)
	}

	s.checkIn("heartbeat")
	respondSuccess(c, http.StatusOK, gin.H{"message": "Heartbeat received"})
}

// evaluateCompliance records the policy verdict for a stored snapshot.
// Failures are logged only.
func (s *Server) evaluateCompliance(ctx context.Context, endpointID string, status *store.EndpointStatus, c *gin.Context) {
	logger := requestLogger(c, s.logger)
	pol, err := s.store.PolicyForEndpoint(ctx, endpointID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load policy for compliance")
		return
	}
	if pol == nil {
		return
	}
	eval := policy.Evaluate(status, pol)
	if err := s.store.UpdateCompliance(ctx, endpointID, eval.Compliant, eval.Violations); err != nil {
		logger.Warn().Err(err).Msg("failed to store compliance")
		return
	}
	if !eval.Compliant {
		logger.Info().Strs("violations", eval.Violations).Msg("endpoint non-compliant")
	}
}

type threatItem struct {
	ThreatID                   flexString      `json:"threat_id"`
	ThreatName                 string          `json:"threat_name"`
	Severity                   flexString      `json:"severity"`
	Category                   *flexString     `json:"category"`
	Status                     flexString      `json:"status"`
	InitialDetectionTime       *time.Time      `json:"initial_detection_time"`
	LastThreatStatusChangeTime *time.Time      `json:"last_threat_status_change_time"`
	Resources                  json.RawMessage `json:"resources"`
	RawData                    json.RawMessage `json:"raw_data"`
}

type threatResult struct {
	ThreatID string `json:"threat_id"`
	Result   string `json:"result"`
	Error    string `json:"error,omitempty"`
}

// Threat outcomes reported per item.
const (
	threatCreated = "created"
	threatUpdated = "updated"
	threatInvalid = "invalid"
	threatFailed  = "failed"
)

// handleThreats upserts each reported threat in array order. Every item gets a
// result; a store failure on any item fails the call.
func (s *Server) handleThreats(c *gin.Context) {
	p := principal(c)
	ctx := c.Request.Context()
	logger := requestLogger(c, s.logger)

	var req struct {
		Threats []json.RawMessage `json:"threats"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, validationError("invalid request body: "+err.Error()))
		return
	}
	if req.Threats == nil {
		s.fail(c, validationError("threats array is required"))
		return
	}
	s.touch(ctx, c, p.ID)

	results := make([]threatResult, 0, len(req.Threats))
	failed := 0
	for _, raw := range req.Threats {
		result := s.upsertThreat(ctx, p.ID, raw)
		if result.Result == threatFailed {
			failed++
			logger.Error().Str("threat_id", result.ThreatID).Str("error", result.Error).Msg("failed to store threat")
		}
		if s.metrics != nil {
			s.metrics.ThreatIngested(result.Result)
		}
		results = append(results, result)
	}

	if failed > 0 {
		message := "failed to store " + itoa(failed) + " of " + itoa(len(results)) + " threats"
		if s.cfg.RedactInternalErrors {
			for i := range results {
				if results[i].Result == threatFailed {
					results[i].Error = redactedMessage
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success":    false,
			"error":      message,
			"request_id": requestID(c),
			"results":    results,
		})
		return
	}

	s.checkIn("threats")
	respondSuccess(c, http.StatusOK, gin.H{
		"message": "Processed " + itoa(len(results)) + " threats",
		"results": results,
	})
}

func (s *Server) upsertThreat(ctx context.Context, endpointID string, raw json.RawMessage) threatResult {
	var item threatItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return threatResult{Result: threatInvalid, Error: err.Error()}
	}
	if item.ThreatID == "" {
		return threatResult{Result: threatInvalid, Error: "threat_id is required"}
	}

	rawData := item.RawData
	if len(rawData) == 0 || string(rawData) == "null" {
		rawData = raw
	}
	var resources datatypes.JSON
	if len(item.Resources) > 0 && string(item.Resources) != "null" {
		resources = datatypes.JSON(item.Resources)
	}

	created, err := s.store.UpsertThreat(ctx, endpointID, store.ThreatReport{
		ThreatID:                   item.ThreatID.String(),
		ThreatName:                 item.ThreatName,
		Severity:                   item.Severity.String(),
		Category:                   item.Category.ptr(),
		Status:                     item.Status.String(),
		InitialDetectionTime:       item.InitialDetectionTime,
		LastThreatStatusChangeTime: item.LastThreatStatusChangeTime,
		Resources:                  resources,
		RawData:                    datatypes.JSON(rawData),
	})
	if err != nil {
		return threatResult{ThreatID: item.ThreatID.String(), Result: threatFailed, Error: err.Error()}
	}
	if created {
		return threatResult{ThreatID: item.ThreatID.String(), Result: threatCreated}
	}
	return threatResult{ThreatID: item.ThreatID.String(), Result: threatUpdated}
}

type logEntry struct {
	EventID     int             `json:"event_id"`
	EventSource string          `json:"event_source"`
	Level       flexString      `json:"level"`
	Message     string          `json:"message"`
	EventTime   *time.Time      `json:"event_time"`
	Details     json.RawMessage `json:"details"`
}

type logDetails struct {
	ThreatName  *string `json:"threat_name"`
	Path        *string `json:"path"`
	ProcessName *string `json:"process_name"`
	User        *string `json:"user"`
	AsrRuleID   *string `json:"asr_rule_id"`
	AsrRuleName *string `json:"asr_rule_name"`
	ActionTaken *string `json:"action_taken"`
}

// handleLogs stores the batch atomically; a store failure keeps nothing.
func (s *Server) handleLogs(c *gin.Context) {
	p := principal(c)
	ctx := c.Request.Context()

	var req struct {
		Logs []logEntry `json:"logs"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, validationError("invalid request body: "+err.Error()))
		return
	}
	if len(req.Logs) == 0 {
		respondSuccess(c, http.StatusOK, gin.H{"message": "No logs to process"})
		return
	}
	s.touch(ctx, c, p.ID)

	rows := make([]store.EventLog, 0, len(req.Logs))
	for _, entry := range req.Logs {
		rows = append(rows, s.eventLogRow(p.ID, entry))
	}
	if err := s.store.InsertEventLogs(ctx, rows); err != nil {
		s.fail(c, err)
		return
	}

	if s.metrics != nil {
		s.metrics.EventLogsIngested(len(rows))
	}
	s.checkIn("logs")
	respondSuccess(c, http.StatusOK, gin.H{"message": "Inserted " + itoa(len(rows)) + " logs"})
}

// eventLogRow maps an entry onto the stored shape. ASR events missing
// structured details are enriched by parsing the message.
func (s *Server) eventLogRow(endpointID string, e logEntry) store.EventLog {
	row := store.EventLog{
		EndpointID:  endpointID,
		EventID:     e.EventID,
		EventSource: e.EventSource,
		Level:       e.Level.String(),
		Message:     e.Message,
		EventTime:   e.EventTime,
	}

	var d logDetails
	if len(e.Details) > 0 && string(e.Details) != "null" {
		if err := json.Unmarshal(e.Details, &d); err == nil {
			row.Details = datatypes.JSON(e.Details)
		}
	}
	row.ThreatName = d.ThreatName
	row.Path = d.Path
	row.ProcessName = d.ProcessName
	row.UserName = d.User
	row.AsrRuleID = d.AsrRuleID
	row.AsrRuleName = d.AsrRuleName
	row.ActionTaken = d.ActionTaken

	if !asr.IsAsrEvent(e.EventID) {
		return row
	}
	if row.AsrRuleID == nil {
		ev, ok := asr.ParseMessage(e.Message)
		if !ok {
			return row
		}
		row.AsrRuleID = strPtr(ev.RuleGUID)
		row.AsrRuleName = strPtr(ev.RuleName)
		if row.Path == nil {
			row.Path = strPtr(ev.Path)
		}
		if row.ProcessName == nil {
			name := ev.ProcessName
			if name == "" {
				name = asr.ProcessNameFromPath(ev.Path)
			}
			row.ProcessName = strPtr(name)
		}
		if row.UserName == nil {
			row.UserName = strPtr(ev.User)
		}
		if row.Details == nil {
			if b, err := json.Marshal(ev); err == nil {
				row.Details = datatypes.JSON(b)
			}
		}
	}
	if row.AsrRuleName == nil {
		row.AsrRuleName = strPtr(catalog.AsrRuleName(*row.AsrRuleID))
	}
	if row.ActionTaken == nil {
		row.ActionTaken = strPtr(asr.Action(e.EventID))
	}
	if s.metrics != nil {
		s.metrics.AsrEvent(*row.ActionTaken)
	}
	return row
}

func (s *Server) handlePolicy(c *gin.Context) {
	p := principal(c)
	pol, err := s.store.PolicyForEndpoint(c.Request.Context(), p.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.checkIn("policy")
	respondSuccess(c, http.StatusOK, gin.H{"policy": pol})
}

func (s *Server) handleUpdateCheck(c *gin.Context) {
	raw := c.Query("version")
	if raw == "" {
		s.fail(c, validationError("version is required"))
		return
	}
	current, err := semver.NewVersion(raw)
	if err != nil {
		s.fail(c, validationError("invalid version: "+err.Error()))
		return
	}
	latest := semver.MustParse(script.AgentVersion)

	s.checkIn("update_check")
	respondSuccess(c, http.StatusOK, gin.H{
		"current_version":  current.String(),
		"latest_version":   latest.String(),
		"update_available": current.LessThan(latest),
		"download_url":     s.cfg.PublicBaseURL + "/agent-script",
	})
}

// touch refreshes endpoint liveness for ingestion calls. Failures are logged.
func (s *Server) touch(ctx context.Context, c *gin.Context, endpointID string) {
	if err := s.store.TouchEndpoint(ctx, endpointID, ""); err != nil {
		logger := requestLogger(c, s.logger)
		logger.Warn().Err(err).Msg("failed to refresh endpoint liveness")
	}
}
