// Package config holds the root configuration, loaded from a JSON5 file
// with environment-variable overlays. Secrets (DSNs, tokens, API keys) are
// env-only and never persist in the config file.
package config

import (
	"sync"
	"time"
)

// Config is the root configuration for backline.
type Config struct {
	Pipeline  PipelineConfig  `json:"pipeline"`
	Worker    WorkerConfig    `json:"worker"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Agent     AgentConfig     `json:"agent"`
	Tools     ToolsConfig     `json:"tools,omitempty"`
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Identity  IdentityConfig  `json:"identity,omitempty"`
	Chat      ChatConfig      `json:"chat,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// PipelineConfig tunes the orchestrator and retry policy.
type PipelineConfig struct {
	// Tenant is the scope injected into every record read and write.
	Tenant string `json:"tenant"`

	// Confidence thresholds, evaluated at the approval step.
	AutoApproveConfidence  float64 `json:"auto_approve_confidence"`  // >= : eligible for auto-approve
	ManualReviewConfidence float64 `json:"manual_review_confidence"` // >= : routed to human review
	QuarantineConfidence   float64 `json:"quarantine_confidence"`    // <  : dead-lettered for inspection

	MaxRetries  int      `json:"max_retries"`
	RetryDelays []string `json:"retry_delays,omitempty"` // Go durations, e.g. ["1s","4s","16s"]

	StepTimeout  string `json:"step_timeout"`  // per-step wall clock
	TotalTimeout string `json:"total_timeout"` // whole-pipeline wall clock
}

// RetrySchedule parses the configured delays, falling back on bad input.
func (p PipelineConfig) RetrySchedule() []time.Duration {
	var out []time.Duration
	for _, s := range p.RetryDelays {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil
		}
		out = append(out, d)
	}
	return out
}

// WorkerConfig tunes the scheduled worker.
type WorkerConfig struct {
	Schedule        string `json:"schedule"`          // cron expression, default "* * * * *"
	BatchSize       int    `json:"batch_size"`        // max items claimed per tick
	MaxConcurrency  int    `json:"max_concurrency"`   // parallel items per tick
	StaleClaimAfter string `json:"stale_claim_after"` // release claims older than this
}

// ProvidersConfig holds LLM provider credentials and the defaults.
type ProvidersConfig struct {
	Default   string         `json:"default"` // "anthropic" or "openai"
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
	Classify  ClassifyConfig `json:"classify,omitempty"`
}

// ProviderConfig is one provider's settings.
type ProviderConfig struct {
	APIKey  string `json:"-"` // env only
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ClassifyConfig tunes the intent classifier.
type ClassifyConfig struct {
	Model   string `json:"model,omitempty"`   // override, defaults to provider model
	Timeout string `json:"timeout,omitempty"` // default "3s"
}

// AgentConfig tunes the tool-calling loop.
type AgentConfig struct {
	Provider   string `json:"provider,omitempty"` // override, defaults to providers.default
	Model      string `json:"model,omitempty"`
	MaxSteps   int    `json:"max_steps"`   // iteration cap, default 7
	TimeBudget string `json:"time_budget"` // wall clock cap, default "50s"
	MaxTokens  int    `json:"max_tokens"`
}

// ToolsConfig bounds the tool surface exposed to the agent loop. The kind
// lists are closed whitelists; writes are the stricter subset.
type ToolsConfig struct {
	ReadKinds      []string `json:"read_kinds,omitempty"`       // record kinds tools may read
	WriteKinds     []string `json:"write_kinds,omitempty"`      // record kinds records_write may touch
	MaxResults     int      `json:"max_results,omitempty"`      // per-query row cap, default 25
	MaxResultBytes int      `json:"max_result_bytes,omitempty"` // serialized result cap, default 8192
}

// ServerConfig configures the HTTP surface (webhooks + review API).
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Token        string `json:"-"` // review API bearer token, env BACKLINE_SERVER_TOKEN only
	RateLimitRPM int    `json:"rate_limit_rpm"`
	MaxBodyBytes int64  `json:"max_body_bytes"`
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the config file, only from env
// BACKLINE_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// IsManagedMode reports whether the pipeline runs against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// IdentityConfig configures the operator roster and its cache.
type IdentityConfig struct {
	RosterPath string `json:"roster_path,omitempty"` // optional JSON roster file, hot-reloaded
	CacheTTL   string `json:"cache_ttl,omitempty"`   // default "5m"
}

// ChatConfig bounds the agent loop's conversation buffer.
type ChatConfig struct {
	MaxTurns int    `json:"max_turns,omitempty"` // default 20
	TTL      string `json:"ttl,omitempty"`       // default "6h"
}

// TelemetryConfig configures OpenTelemetry export for pipeline traces.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS (local dev)
	ServiceName string            `json:"service_name,omitempty"` // default "backline"
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener for the review
// surface. Requires building with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env BACKLINE_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pipeline = src.Pipeline
	c.Worker = src.Worker
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Agent = src.Agent
	c.Tools = src.Tools
	c.Server = src.Server
	c.Database = src.Database
	c.Identity = src.Identity
	c.Chat = src.Chat
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// ParseDuration parses s, returning fallback on empty or invalid input.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
