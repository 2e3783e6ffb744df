// Taskrelay is a multi-tenant task dispatch substrate for coordinating hosted agent workers.
// Copyright (C) 2026 The Taskrelay Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package notify implements the notification courier: it claims
// pending per-channel (email/webhook) deliveries on completed task
// runs, attempts delivery, and records the outcome back to the store
// via the claim_for_send/mark_sent/mark_failed protocol.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"taskrelay/internal/domain"
	"taskrelay/internal/metrics"
	"taskrelay/internal/store"
)

// Store defines the store operations the courier needs.
type Store interface {
	GetPendingNotificationRetries(ctx context.Context, limit int) ([]store.NotificationRetryCandidate, error)
	ClaimForSend(ctx context.Context, runID string, channel domain.NotificationChannel, maxAttempts int) (bool, error)
	MarkSent(ctx context.Context, runID string, channel domain.NotificationChannel) error
	MarkFailed(ctx context.Context, runID string, channel domain.NotificationChannel, errMsg string, attempts, maxAttempts int, backoff time.Duration) error
	GetRun(ctx context.Context, runID string) (*domain.TaskRun, error)
}

// EmailSender delivers an email notification. Binaries wire in a
// concrete SMTP or transactional-email-provider implementation; tests
// use a fake.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// WebhookPayload is the structured body posted to a run's notify_webhook_url.
type WebhookPayload struct {
	Event     string          `json:"event"`
	RunID     string          `json:"run_id"`
	TaskID    string          `json:"task_id"`
	Status    string          `json:"status"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Full      json.RawMessage `json:"full,omitempty"`
}

// Config controls retry and concurrency behaviour.
type Config struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	SweepLimit   int
	SweepEvery   time.Duration
	HTTPTimeout  time.Duration
}

// Courier drives the claim/send/settle cycle for both channels.
type Courier struct {
	store       Store
	email       EmailSender
	http        *resty.Client
	cfg         Config
	logger      *slog.Logger
}

// New builds a Courier, defaulting Config's zero fields.
func New(store Store, email EmailSender, cfg Config, logger *slog.Logger) *Courier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Minute
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 50
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 15 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New()
	client.SetTimeout(cfg.HTTPTimeout)
	client.SetRetryCount(0) // the courier owns retry scheduling, not resty

	return &Courier{store: store, email: email, http: client, cfg: cfg, logger: logger}
}

// nextBackoff computes min(2^attempts * base_delay, cap) using an
// exponential backoff policy seeded at base_delay, matching the
// courier's documented retry schedule.
func (c *Courier) nextBackoff(attempts int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.BaseDelay
	eb.Multiplier = 2
	eb.MaxInterval = c.cfg.MaxDelay
	eb.RandomizationFactor = 0
	eb.Reset()

	d := eb.InitialInterval
	for i := 0; i < attempts; i++ {
		d = time.Duration(float64(d) * eb.Multiplier)
		if d > eb.MaxInterval {
			d = eb.MaxInterval
			break
		}
	}
	return d
}

// Run sweeps for claimable notifications on a ticker until ctx is
// canceled.
func (c *Courier) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		c.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep claims and attempts delivery of every currently-due notification.
func (c *Courier) Sweep(ctx context.Context) {
	pending, err := c.store.GetPendingNotificationRetries(ctx, c.cfg.SweepLimit)
	if err != nil {
		c.logger.Error("list pending notifications failed", "error", err)
		return
	}
	for _, p := range pending {
		c.deliver(ctx, p)
	}
}

func (c *Courier) deliver(ctx context.Context, p store.NotificationRetryCandidate) {
	claimed, err := c.store.ClaimForSend(ctx, p.RunID, p.Channel, c.cfg.MaxAttempts)
	if err != nil {
		c.logger.Error("claim_for_send failed", "run_id", p.RunID, "channel", p.Channel, "error", err)
		return
	}
	if !claimed {
		return
	}

	run, err := c.store.GetRun(ctx, p.RunID)
	if err != nil {
		c.markFailed(ctx, p, fmt.Sprintf("load run: %v", err))
		return
	}

	var sendErr error
	switch p.Channel {
	case domain.ChannelEmail:
		sendErr = c.sendEmail(ctx, run)
	case domain.ChannelWebhook:
		sendErr = c.sendWebhook(ctx, run)
	default:
		sendErr = fmt.Errorf("unknown channel %q", p.Channel)
	}

	if sendErr != nil {
		c.markFailed(ctx, p, sendErr.Error())
		return
	}

	if err := c.store.MarkSent(ctx, p.RunID, p.Channel); err != nil {
		c.logger.Error("mark_sent failed", "run_id", p.RunID, "channel", p.Channel, "error", err)
		return
	}
	metrics.IncNotificationOutcome(string(p.Channel), metrics.OutcomeSent)
}

func (c *Courier) markFailed(ctx context.Context, p store.NotificationRetryCandidate, errMsg string) {
	backoffDur := c.nextBackoff(p.Attempts)
	if err := c.store.MarkFailed(ctx, p.RunID, p.Channel, errMsg, p.Attempts, c.cfg.MaxAttempts, backoffDur); err != nil {
		c.logger.Error("mark_failed failed", "run_id", p.RunID, "channel", p.Channel, "error", err)
	}
	metrics.IncNotificationOutcome(string(p.Channel), metrics.OutcomeFailed)
	c.logger.Warn("notification delivery failed", "run_id", p.RunID, "channel", p.Channel, "attempts", p.Attempts, "error", errMsg, "retry_in", backoffDur)
}

func (c *Courier) sendEmail(ctx context.Context, run *domain.TaskRun) error {
	if c.email == nil {
		return fmt.Errorf("no email sender configured")
	}
	if run.NotifyEmail == "" {
		return nil
	}
	subject := fmt.Sprintf("task %s %s", run.TaskID, run.Status)
	body := run.ResultSummary
	if run.LastError != "" {
		body = run.LastError
	}
	return c.email.SendEmail(ctx, run.NotifyEmail, subject, body)
}

func (c *Courier) sendWebhook(ctx context.Context, run *domain.TaskRun) error {
	if run.NotifyWebhookURL == "" {
		return nil
	}
	payload := WebhookPayload{
		Event:     webhookEvent(run.Status),
		RunID:     run.ID,
		TaskID:    run.TaskID,
		Status:    string(run.Status),
		Result:    run.ResultSummary,
		Error:     run.LastError,
		Full:      run.ResultFull,
		Timestamp: time.Now().UTC(),
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(run.NotifyWebhookURL)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// webhookEvent maps a terminal run status to its webhook discriminator.
func webhookEvent(status domain.RunStatus) string {
	switch status {
	case domain.RunCompleted:
		return "task.completed"
	case domain.RunFailed:
		return "task.failed"
	case domain.RunCancelled:
		return "task.cancelled"
	default:
		return "task." + string(status)
	}
}
