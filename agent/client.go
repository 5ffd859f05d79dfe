package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/defenderhub/defenderhub/pkg/auth"
	"github.com/defenderhub/defenderhub/pkg/config"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/defenderhub/defenderhub/agent"

// checkinError is a non-retryable failure reported by the server.
type checkinError struct {
	Status  int
	Message string
}

func (e *checkinError) Error() string {
	return fmt.Sprintf("check-in rejected: %d %s", e.Status, e.Message)
}

// Unauthorized reports whether the server refused the presented credential.
func (e *checkinError) Unauthorized() bool { return e.Status == http.StatusUnauthorized }

type Agent struct {
	config   *config.AgentConfig
	identity *auth.Identity
	client   *http.Client
	retrier  *retrier
	tracer   trace.Tracer
	device   device
}

func newAgent(cfg *config.AgentConfig, dev device) *Agent {
	return &Agent{
		config: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
		},
		retrier: newRetrier(cfg.Server),
		tracer:  otel.Tracer(tracerName),
		device:  dev,
	}
}

// loadOrEnroll reuses a saved identity or enrolls with the configured token.
func (a *Agent) loadOrEnroll(ctx context.Context) error {
	identity, err := auth.LoadIdentity(a.config.Identity.Path)
	if err == nil {
		if identity.ServerURL != "" && identity.ServerURL != a.config.Server.URL {
			log.Warn().Str("enrolled_with", identity.ServerURL).Str("configured", a.config.Server.URL).
				Msg("Identity was issued by a different server")
		}
		a.identity = identity
		log.Info().Str("router_id", identity.RouterID).Msg("Loaded existing identity")
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, auth.ErrIncompleteIdentity) {
		return fmt.Errorf("load identity: %w", err)
	}

	token, err := a.config.EnrollmentToken()
	if err != nil {
		return fmt.Errorf("no existing identity: %w", err)
	}
	log.Info().Msg("Enrolling router")
	return a.enroll(ctx, token)
}

func (a *Agent) enroll(ctx context.Context, token string) error {
	d := a.device
	req := auth.RouterCheckinRequest{
		Action:          auth.ActionEnroll,
		EnrollmentToken: token,
		Hostname:        d.Hostname,
		Vendor:          d.Vendor,
		Model:           d.Model,
		MacAddress:      optional(d.MacAddress),
		LanIP:           optional(d.LanIP),
		WanIP:           optional(d.WanIP),
		FirmwareVersion: optional(d.FirmwareVersion),
	}

	var resp auth.RouterEnrollResponse
	if err := a.checkin(ctx, req, &resp); err != nil {
		return fmt.Errorf("enroll: %w", err)
	}
	if resp.RouterID == "" || resp.AgentToken == "" {
		return errors.New("enroll: server response is missing router id or agent token")
	}

	identity := &auth.Identity{
		RouterID:       resp.RouterID,
		OrganizationID: resp.OrganizationID,
		AgentToken:     resp.AgentToken,
		ServerURL:      a.config.Server.URL,
		EnrolledAt:     time.Now().UTC(),
	}
	if err := identity.Save(a.config.Identity.Path); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	a.identity = identity
	log.Info().Str("router_id", identity.RouterID).Str("organization_id", identity.OrganizationID).Msg("Enrollment successful")
	return nil
}

func (a *Agent) heartbeat(ctx context.Context) error {
	online := true
	req := auth.RouterCheckinRequest{
		Action:          auth.ActionHeartbeat,
		AgentToken:      a.identity.AgentToken,
		IsOnline:        &online,
		WanIP:           optional(a.device.WanIP),
		FirmwareVersion: optional(a.device.FirmwareVersion),
	}
	var resp auth.RouterHeartbeatResponse
	if err := a.checkin(ctx, req, &resp); err != nil {
		return err
	}
	log.Debug().Str("router_id", a.identity.RouterID).Msg("Heartbeat accepted")
	return nil
}

// checkin posts body to the router endpoint, retrying transient failures.
func (a *Agent) checkin(ctx context.Context, body auth.RouterCheckinRequest, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	ctx, span := a.tracer.Start(ctx, "router.checkin", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("router.action", body.Action))

	err = a.retrier.do(ctx, body.Action, func() error {
		return a.post(ctx, data, out)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (a *Agent) post(ctx context.Context, data []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Server.URL+"/router-checkin", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := transientStatus(resp); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var failure auth.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		return &checkinError{Status: resp.StatusCode, Message: failure.Error}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
