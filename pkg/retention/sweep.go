// Package retention deletes expired telemetry in bounded batches.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/defenderhub/defenderhub/pkg/store"
	"github.com/rs/zerolog"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultStatusWindow     = 24 * time.Hour
	DefaultAgentLogWindow   = 7 * 24 * time.Hour
	DefaultEventLogDays     = 30
	DefaultStatusBatch      = 500
	DefaultEventLogBatch    = 1000
	DefaultAgentLogBatch    = 1000
	DefaultMaxStatusBatches = 20
)

type Options struct {
	StatusWindow        time.Duration
	AgentLogWindow      time.Duration
	DefaultEventLogDays int
	StatusBatch         int
	EventLogBatch       int
	AgentLogBatch       int
	// MaxStatusBatches caps status deletes per run; the next run continues.
	MaxStatusBatches int
}

func (o Options) withDefaults() Options {
	if o.StatusWindow <= 0 {
		o.StatusWindow = DefaultStatusWindow
	}
	if o.AgentLogWindow <= 0 {
		o.AgentLogWindow = DefaultAgentLogWindow
	}
	if o.DefaultEventLogDays <= 0 {
		o.DefaultEventLogDays = DefaultEventLogDays
	}
	if o.StatusBatch <= 0 {
		o.StatusBatch = DefaultStatusBatch
	}
	if o.EventLogBatch <= 0 {
		o.EventLogBatch = DefaultEventLogBatch
	}
	if o.AgentLogBatch <= 0 {
		o.AgentLogBatch = DefaultAgentLogBatch
	}
	if o.MaxStatusBatches <= 0 {
		o.MaxStatusBatches = DefaultMaxStatusBatches
	}
	return o
}

// Report summarizes one sweep. Batch failures land in Errors; they never
// abort the other passes.
type Report struct {
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration_ns"`
	StatusesDeleted   int64         `json:"statuses_deleted"`
	EventLogsDeleted  int64         `json:"event_logs_deleted"`
	AgentLogsDeleted  int64         `json:"agent_logs_deleted"`
	OrganizationsSeen int           `json:"organizations_seen"`
	Errors            []string      `json:"errors"`
}

func (r *Report) addError(pass string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", pass, err))
}

type Sweeper struct {
	store  *store.Store
	opts   Options
	logger zerolog.Logger
}

func NewSweeper(s *store.Store, opts Options, logger zerolog.Logger) *Sweeper {
	return &Sweeper{store: s, opts: opts.withDefaults(), logger: logger}
}

// Run executes the three passes once. It only returns an error when the
// database is unreachable; everything else is reported.
func (w *Sweeper) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{StartedAt: w.store.Now(), Errors: []string{}}
	if err := w.store.Ping(ctx); err != nil {
		return report, fmt.Errorf("retention: database unavailable: %w", err)
	}

	w.sweepStatuses(ctx, &report)
	w.sweepEventLogs(ctx, &report)
	w.sweepAgentLogs(ctx, &report)

	report.Duration = time.Since(start)
	w.logger.Info().
		Int64("statuses", report.StatusesDeleted).
		Int64("event_logs", report.EventLogsDeleted).
		Int64("agent_logs", report.AgentLogsDeleted).
		Int("errors", len(report.Errors)).
		Dur("duration", report.Duration).
		Msg("Retention sweep finished")
	return report, nil
}

// sweepStatuses deletes status rows older than the window, except the newest
// row of each endpoint.
func (w *Sweeper) sweepStatuses(ctx context.Context, r *Report) {
	cutoff := w.store.Now().Add(-w.opts.StatusWindow)
	db := w.store.DB().WithContext(ctx)

	for i := 0; i < w.opts.MaxStatusBatches; i++ {
		var ids []string
		err := db.Raw(`SELECT es.id FROM endpoint_statuses es
			WHERE es.collected_at < ?
			AND EXISTS (
				SELECT 1 FROM endpoint_statuses newer
				WHERE newer.endpoint_id = es.endpoint_id
				AND (newer.collected_at > es.collected_at
					OR (newer.collected_at = es.collected_at AND newer.id > es.id))
			)
			LIMIT ?`, cutoff, w.opts.StatusBatch).Scan(&ids).Error
		if err != nil {
			r.addError("endpoint_statuses", err)
			return
		}
		if len(ids) == 0 {
			return
		}
		res := db.Where("id IN ?", ids).Delete(&store.EndpointStatus{})
		if res.Error != nil {
			r.addError("endpoint_statuses", res.Error)
			return
		}
		r.StatusesDeleted += res.RowsAffected
		if len(ids) < w.opts.StatusBatch {
			return
		}
	}
}

type orgRetention struct {
	ID                    string
	EventLogRetentionDays *int
}

// sweepEventLogs applies each organization's retention to its endpoints' logs,
// one bounded batch per organization.
func (w *Sweeper) sweepEventLogs(ctx context.Context, r *Report) {
	db := w.store.DB().WithContext(ctx)
	var orgs []orgRetention
	if err := db.Model(&store.Organization{}).Select("id", "event_log_retention_days").Scan(&orgs).Error; err != nil {
		r.addError("event_logs", err)
		return
	}
	r.OrganizationsSeen = len(orgs)

	now := w.store.Now()
	for _, org := range orgs {
		days := w.opts.DefaultEventLogDays
		if org.EventLogRetentionDays != nil && *org.EventLogRetentionDays > 0 {
			days = *org.EventLogRetentionDays
		}
		cutoff := now.AddDate(0, 0, -days)

		var ids []string
		err := db.Model(&store.EventLog{}).
			Where("created_at < ?", cutoff).
			Where("endpoint_id IN (?)", db.Model(&store.Endpoint{}).Select("id").Where("organization_id = ?", org.ID)).
			Limit(w.opts.EventLogBatch).
			Pluck("id", &ids).Error
		if err != nil {
			r.addError("event_logs org "+org.ID, err)
			continue
		}
		if len(ids) == 0 {
			continue
		}
		res := db.Where("id IN ?", ids).Delete(&store.EventLog{})
		if res.Error != nil {
			r.addError("event_logs org "+org.ID, res.Error)
			continue
		}
		r.EventLogsDeleted += res.RowsAffected
	}
}

func (w *Sweeper) sweepAgentLogs(ctx context.Context, r *Report) {
	db := w.store.DB().WithContext(ctx)
	cutoff := w.store.Now().Add(-w.opts.AgentLogWindow)

	var ids []string
	err := db.Model(&store.AgentLog{}).
		Where("created_at < ?", cutoff).
		Limit(w.opts.AgentLogBatch).
		Pluck("id", &ids).Error
	if err != nil {
		r.addError("agent_logs", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	res := db.Where("id IN ?", ids).Delete(&store.AgentLog{})
	if res.Error != nil {
		r.addError("agent_logs", res.Error)
		return
	}
	r.AgentLogsDeleted = res.RowsAffected
}
