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

// Package config builds the runtime Config shared by the dispatch
// controller and hosted worker binaries from environment variables and
// flags, flags taking precedence.
package config

import (
	"flag"
	"log/slog"
	"os"
	"strconv"
	"time"

	"taskrelay/internal/redact"
)

// Config holds every tunable the dispatch substrate needs at boot.
type Config struct {
	HTTPAddr      string // HTTP_ADDR
	DBPath        string // DB_PATH
	AuthMode      string // AUTH_MODE: bearer|none
	AuthToken     string // AUTH_TOKEN (do not log value)
	AuthTokenHash string // AUTH_TOKEN_HASH: bcrypt hash, takes precedence over AuthToken
	LogLevel      string // LOG_LEVEL: info|debug

	PollInterval            time.Duration // POLL_INTERVAL
	LeaseDuration           time.Duration // LEASE_DURATION
	HeartbeatInterval       time.Duration // HEARTBEAT_INTERVAL
	MaxConcurrentTasks      int           // MAX_CONCURRENT_TASKS
	StuckTimeout            time.Duration // STUCK_TIMEOUT
	ReaperInterval          time.Duration // REAPER_INTERVAL
	MaxAttempts             int           // MAX_ATTEMPTS
	NotificationMaxAttempts int           // NOTIFICATION_MAX_ATTEMPTS

	RateLimitPerMinute int // RATE_LIMIT_PER_MINUTE
	RateLimitBurst     int // RATE_LIMIT_BURST

	WorkerID       string   // WORKER_ID
	WorkerAgent    string   // WORKER_AGENT_NAME
	WorkerCaps     []string // WORKER_CAPABILITIES (comma-separated)
	ControllerURL  string   // CONTROLLER_URL (hosted worker's dial target)
}

// Default returns the baseline configuration before env/flag overrides.
func Default() Config {
	return Config{
		HTTPAddr:                ":8080",
		DBPath:                  "./taskrelay.db",
		AuthMode:                "none",
		AuthToken:               "",
		AuthTokenHash:           "",
		LogLevel:                "info",
		PollInterval:            2 * time.Second,
		LeaseDuration:           10 * time.Minute,
		HeartbeatInterval:       time.Minute,
		MaxConcurrentTasks:      2,
		StuckTimeout:            5 * time.Minute,
		ReaperInterval:          time.Minute,
		MaxAttempts:             3,
		NotificationMaxAttempts: 3,
		RateLimitPerMinute:      120,
		RateLimitBurst:          20,
		WorkerID:                "",
		WorkerAgent:             "default",
		ControllerURL:           "http://127.0.0.1:8080",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Parse builds a Config from the environment, then overlays flags
// registered against fs (flag.CommandLine when nil), parsing args.
func Parse(fs *flag.FlagSet, args []string) Config {
	if fs == nil {
		fs = flag.CommandLine
	}
	def := Default()

	cfg := Config{
		HTTPAddr:                getenv("HTTP_ADDR", def.HTTPAddr),
		DBPath:                  getenv("DB_PATH", def.DBPath),
		AuthMode:                getenv("AUTH_MODE", def.AuthMode),
		AuthToken:               getenv("AUTH_TOKEN", def.AuthToken),
		AuthTokenHash:           getenv("AUTH_TOKEN_HASH", def.AuthTokenHash),
		LogLevel:                getenv("LOG_LEVEL", def.LogLevel),
		PollInterval:            getenvDuration("POLL_INTERVAL", def.PollInterval),
		LeaseDuration:           getenvDuration("LEASE_DURATION", def.LeaseDuration),
		HeartbeatInterval:       getenvDuration("HEARTBEAT_INTERVAL", def.HeartbeatInterval),
		MaxConcurrentTasks:      getenvInt("MAX_CONCURRENT_TASKS", def.MaxConcurrentTasks),
		StuckTimeout:            getenvDuration("STUCK_TIMEOUT", def.StuckTimeout),
		ReaperInterval:          getenvDuration("REAPER_INTERVAL", def.ReaperInterval),
		MaxAttempts:             getenvInt("MAX_ATTEMPTS", def.MaxAttempts),
		NotificationMaxAttempts: getenvInt("NOTIFICATION_MAX_ATTEMPTS", def.NotificationMaxAttempts),
		RateLimitPerMinute:      getenvInt("RATE_LIMIT_PER_MINUTE", def.RateLimitPerMinute),
		RateLimitBurst:          getenvInt("RATE_LIMIT_BURST", def.RateLimitBurst),
		WorkerID:                getenv("WORKER_ID", def.WorkerID),
		WorkerAgent:             getenv("WORKER_AGENT_NAME", def.WorkerAgent),
		WorkerCaps:              getenvList("WORKER_CAPABILITIES", nil),
		ControllerURL:           getenv("CONTROLLER_URL", def.ControllerURL),
	}

	fs.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env HTTP_ADDR)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path (env DB_PATH)")
	fs.StringVar(&cfg.AuthMode, "auth-mode", cfg.AuthMode, "Auth mode: bearer|none (env AUTH_MODE)")
	fs.StringVar(&cfg.AuthToken, "auth-token", cfg.AuthToken, "Bearer auth token (env AUTH_TOKEN)")
	fs.StringVar(&cfg.AuthTokenHash, "auth-token-hash", cfg.AuthTokenHash, "Bcrypt hash of the bearer auth token, overrides -auth-token (env AUTH_TOKEN_HASH)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: info|debug (env LOG_LEVEL)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Hosted worker poll interval (env POLL_INTERVAL)")
	fs.DurationVar(&cfg.LeaseDuration, "lease-duration", cfg.LeaseDuration, "Task run lease duration (env LEASE_DURATION)")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Worker heartbeat interval (env HEARTBEAT_INTERVAL)")
	fs.IntVar(&cfg.MaxConcurrentTasks, "max-concurrent-tasks", cfg.MaxConcurrentTasks, "Per-worker concurrency (env MAX_CONCURRENT_TASKS)")
	fs.DurationVar(&cfg.StuckTimeout, "stuck-timeout", cfg.StuckTimeout, "Stale worker heartbeat timeout (env STUCK_TIMEOUT)")
	fs.DurationVar(&cfg.ReaperInterval, "reaper-interval", cfg.ReaperInterval, "Reaper reclaim scan interval (env REAPER_INTERVAL)")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Task run max attempts (env MAX_ATTEMPTS)")
	fs.IntVar(&cfg.NotificationMaxAttempts, "notification-max-attempts", cfg.NotificationMaxAttempts, "Notification max attempts (env NOTIFICATION_MAX_ATTEMPTS)")
	fs.IntVar(&cfg.RateLimitPerMinute, "rate-limit-per-minute", cfg.RateLimitPerMinute, "Per-client rate limit (env RATE_LIMIT_PER_MINUTE)")
	fs.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", cfg.RateLimitBurst, "Per-client rate limit burst (env RATE_LIMIT_BURST)")
	fs.StringVar(&cfg.WorkerID, "worker-id", cfg.WorkerID, "Hosted worker id (env WORKER_ID)")
	fs.StringVar(&cfg.WorkerAgent, "worker-agent-name", cfg.WorkerAgent, "Hosted worker agent name (env WORKER_AGENT_NAME)")
	fs.StringVar(&cfg.ControllerURL, "controller-url", cfg.ControllerURL, "Dispatch controller base URL (env CONTROLLER_URL)")

	_ = fs.Parse(args)
	return cfg
}

// Log emits the resolved configuration at info level, redacting the
// auth token so it never reaches a log line verbatim.
func (c Config) Log(logger *slog.Logger) {
	logger.Info("configuration",
		"addr", c.HTTPAddr,
		"db", c.DBPath,
		"auth_mode", c.AuthMode,
		"auth_token", redact.RedactSecret(c.AuthToken),
		"auth_token_hash_configured", c.AuthTokenHash != "",
		"log_level", c.LogLevel,
		"poll_interval", c.PollInterval,
		"lease_duration", c.LeaseDuration,
		"heartbeat_interval", c.HeartbeatInterval,
		"max_concurrent_tasks", c.MaxConcurrentTasks,
		"stuck_timeout", c.StuckTimeout,
		"reaper_interval", c.ReaperInterval,
		"max_attempts", c.MaxAttempts,
		"notification_max_attempts", c.NotificationMaxAttempts,
		"rate_limit_per_minute", c.RateLimitPerMinute,
		"rate_limit_burst", c.RateLimitBurst,
	)
}
