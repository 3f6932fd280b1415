package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Tenant:                 "default",
			AutoApproveConfidence:  0.8,
			ManualReviewConfidence: 0.5,
			QuarantineConfidence:   0.25,
			MaxRetries:             3,
			RetryDelays:            []string{"1s", "4s", "16s"},
			StepTimeout:            "10s",
			TotalTimeout:           "60s",
		},
		Worker: WorkerConfig{
			Schedule:        "* * * * *",
			BatchSize:       10,
			MaxConcurrency:  3,
			StaleClaimAfter: "5m",
		},
		Channels: ChannelsConfig{
			Lark: LarkConfig{
				Mode:   "webhook",
				Domain: "feishu",
			},
		},
		Providers: ProvidersConfig{
			Default: "anthropic",
			Anthropic: ProviderConfig{
				Model: "claude-sonnet-4-5-20250929",
			},
			OpenAI: ProviderConfig{
				Model: "gpt-4o-mini",
			},
			Classify: ClassifyConfig{
				Timeout: "3s",
			},
		},
		Agent: AgentConfig{
			MaxSteps:   7,
			TimeBudget: "50s",
			MaxTokens:  1024,
		},
		Tools: ToolsConfig{
			ReadKinds:      []string{"booking", "slot", "faq", "customer", "note"},
			WriteKinds:     []string{"booking", "note"},
			MaxResults:     25,
			MaxResultBytes: 8 * 1024,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8787,
			RateLimitRPM: 120,
			MaxBodyBytes: 1 << 20,
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: "~/.backline/backline.db",
		},
		Identity: IdentityConfig{
			CacheTTL: "5m",
		},
		Chat: ChatConfig{
			MaxTurns: 20,
			TTL:      "6h",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Provider API keys
	envStr("BACKLINE_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("BACKLINE_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)

	// Review API token
	envStr("BACKLINE_SERVER_TOKEN", &c.Server.Token)

	// Channel secrets
	envStr("BACKLINE_EMAIL_API_KEY", &c.Channels.Email.APIKey)
	envStr("BACKLINE_EMAIL_WEBHOOK_SECRET", &c.Channels.Email.WebhookSecret)
	envStr("BACKLINE_SMS_ACCOUNT_SID", &c.Channels.SMS.AccountSID)
	envStr("BACKLINE_SMS_AUTH_TOKEN", &c.Channels.SMS.AuthToken)
	envStr("BACKLINE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("BACKLINE_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("BACKLINE_LARK_APP_ID", &c.Channels.Lark.AppID)
	envStr("BACKLINE_LARK_APP_SECRET", &c.Channels.Lark.AppSecret)
	envStr("BACKLINE_LARK_VERIFICATION_TOKEN", &c.Channels.Lark.VerificationToken)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.Lark.AppID != "" && c.Channels.Lark.AppSecret != "" {
		c.Channels.Lark.Enabled = true
	}
	if c.Channels.SMS.AccountSID != "" && c.Channels.SMS.AuthToken != "" {
		c.Channels.SMS.Enabled = true
	}
	if c.Channels.Email.WebhookSecret != "" {
		c.Channels.Email.Enabled = true
	}

	// Allow overriding default provider/model
	envStr("BACKLINE_PROVIDER", &c.Providers.Default)
	envStr("BACKLINE_MODEL", &c.Agent.Model)

	// Pipeline scope
	envStr("BACKLINE_TENANT", &c.Pipeline.Tenant)

	// Server host/port
	envStr("BACKLINE_HOST", &c.Server.Host)
	if v := os.Getenv("BACKLINE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	// Database
	envStr("BACKLINE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("BACKLINE_MODE", &c.Database.Mode)
	envStr("BACKLINE_SQLITE_PATH", &c.Database.SQLitePath)

	// Identity roster
	envStr("BACKLINE_ROSTER_PATH", &c.Identity.RosterPath)

	// Telemetry
	envStr("BACKLINE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("BACKLINE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("BACKLINE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("BACKLINE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BACKLINE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("BACKLINE_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("BACKLINE_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("BACKLINE_TSNET_DIR", &c.Tailscale.StateDir)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file. Callers should StripSecrets first;
// secret fields are json:"-" so they never serialize regardless.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by doctor output so secrets never leave the process.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip. Secret fields are json:"-", so the copy
	// starts without them; re-mask from the live values.
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	cp.Providers.Anthropic.APIKey = maskOf(c.Providers.Anthropic.APIKey)
	cp.Providers.OpenAI.APIKey = maskOf(c.Providers.OpenAI.APIKey)
	cp.Server.Token = maskOf(c.Server.Token)
	cp.Database.PostgresDSN = maskOf(c.Database.PostgresDSN)
	cp.Channels.Email.APIKey = maskOf(c.Channels.Email.APIKey)
	cp.Channels.Email.WebhookSecret = maskOf(c.Channels.Email.WebhookSecret)
	cp.Channels.SMS.AuthToken = maskOf(c.Channels.SMS.AuthToken)
	cp.Channels.Telegram.Token = maskOf(c.Channels.Telegram.Token)
	cp.Channels.Discord.Token = maskOf(c.Channels.Discord.Token)
	cp.Channels.Lark.AppSecret = maskOf(c.Channels.Lark.AppSecret)
	cp.Channels.Lark.VerificationToken = maskOf(c.Channels.Lark.VerificationToken)
	cp.Tailscale.AuthKey = maskOf(c.Tailscale.AuthKey)

	return cp
}

// StripSecrets zeros out all secret fields in the config.
// Used before saving to disk to ensure secrets never persist in config.json.
func (c *Config) StripSecrets() {
	c.Providers.Anthropic.APIKey = ""
	c.Providers.OpenAI.APIKey = ""
	c.Server.Token = ""
	c.Database.PostgresDSN = ""
	c.Channels.Email.APIKey = ""
	c.Channels.Email.WebhookSecret = ""
	c.Channels.SMS.AuthToken = ""
	c.Channels.Telegram.Token = ""
	c.Channels.Discord.Token = ""
	c.Channels.Lark.AppSecret = ""
	c.Channels.Lark.VerificationToken = ""
	c.Tailscale.AuthKey = ""
}

func maskOf(s string) string {
	if s == "" {
		return ""
	}
	return secretMask
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
