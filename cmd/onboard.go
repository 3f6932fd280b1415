package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/backlinehq/backline/internal/bootstrap"
	"github.com/backlinehq/backline/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Long: "Walks through storage mode, tenant, provider, channels, and the first " +
			"operator, then writes config.json. Secrets are never written: API keys, " +
			"tokens, and the Postgres DSN come from environment variables at runtime.",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runOnboard()
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Println("onboarding cancelled")
				return nil
			}
			return err
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		var overwrite bool
		err := huh.NewConfirm().
			Title("Config file already exists").
			Description(cfgPath + "\nOverwrite it?").
			Value(&overwrite).
			Run()
		if err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("keeping existing config")
			return nil
		}
	}

	cfg := config.Default()

	// --- storage + pipeline basics ---
	mode := cfg.Database.Mode
	tenant := cfg.Pipeline.Tenant
	port := strconv.Itoa(cfg.Server.Port)
	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Storage mode").
			Description("standalone: local SQLite file. managed: Postgres, DSN from BACKLINE_POSTGRES_DSN").
			Options(huh.NewOptions("standalone", "managed")...).
			Value(&mode),
		huh.NewInput().
			Title("Tenant").
			Description("Scope stamped on every record read and write").
			Validate(required("tenant")).
			Value(&tenant),
		huh.NewInput().
			Title("HTTP port").
			Description("Webhooks and the review API listen here").
			Validate(validatePort).
			Value(&port),
	)).Run()
	if err != nil {
		return err
	}
	cfg.Database.Mode = mode
	cfg.Pipeline.Tenant = strings.TrimSpace(tenant)
	cfg.Server.Port, _ = strconv.Atoi(strings.TrimSpace(port))

	if mode == "standalone" {
		sqlitePath := cfg.Database.SQLitePath
		err := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("SQLite path").
				Description("The queue, records, and audit trail live in this file").
				Validate(required("path")).
				Value(&sqlitePath),
		)).Run()
		if err != nil {
			return err
		}
		cfg.Database.SQLitePath = strings.TrimSpace(sqlitePath)
	}

	// --- LLM provider ---
	provider := cfg.Providers.Default
	err = huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Default LLM provider").
			Description("Used by the classifier and the agent loop; the API key comes from env").
			Options(huh.NewOptions("anthropic", "openai")...).
			Value(&provider),
	)).Run()
	if err != nil {
		return err
	}
	cfg.Providers.Default = provider

	// --- channels ---
	telegramOn := cfg.Channels.Telegram.Enabled
	discordOn := cfg.Channels.Discord.Enabled
	emailOn := cfg.Channels.Email.Enabled
	smsOn := cfg.Channels.SMS.Enabled
	larkOn := cfg.Channels.Lark.Enabled
	inappOn := true
	err = huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title("Enable Telegram?").Value(&telegramOn),
		huh.NewConfirm().Title("Enable Discord?").Value(&discordOn),
		huh.NewConfirm().Title("Enable email (inbound-parse webhook)?").Value(&emailOn),
		huh.NewConfirm().Title("Enable SMS?").Value(&smsOn),
		huh.NewConfirm().Title("Enable Lark/Feishu?").Value(&larkOn),
		huh.NewConfirm().Title("Enable the in-app channel?").Value(&inappOn),
	)).Run()
	if err != nil {
		return err
	}
	cfg.Channels.Telegram.Enabled = telegramOn
	cfg.Channels.Discord.Enabled = discordOn
	cfg.Channels.Email.Enabled = emailOn
	cfg.Channels.SMS.Enabled = smsOn
	cfg.Channels.Lark.Enabled = larkOn
	cfg.Channels.InApp.Enabled = inappOn

	// --- first operator ---
	var opID, opChannel, opValue string
	err = huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("First operator id").
			Description("Messages from this person run with operator privileges; leave empty to skip").
			Value(&opID),
		huh.NewSelect[string]().
			Title("Operator channel").
			Options(huh.NewOptions("telegram", "discord", "email", "sms", "lark", "inapp")...).
			Value(&opChannel),
		huh.NewInput().
			Title("Operator address on that channel").
			Description("Chat id, user id, or email address").
			Value(&opValue),
	)).Run()
	if err != nil {
		return err
	}
	opID = strings.TrimSpace(opID)
	opValue = strings.TrimSpace(opValue)
	if opID != "" && opValue != "" {
		rosterPath := cfg.Identity.RosterPath
		if rosterPath == "" {
			rosterPath = "~/.backline/roster.json"
			cfg.Identity.RosterPath = rosterPath
		}
		if err := writeRoster(config.ExpandHome(rosterPath), opID, opChannel, opValue); err != nil {
			return fmt.Errorf("write roster: %w", err)
		}
		fmt.Printf("operator roster written to %s\n", rosterPath)
	}

	// Secrets come from env at runtime; config.json never carries them.
	cfg.StripSecrets()
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("config written to %s\n", cfgPath)

	// Sample data gives the faq and schedule modules something to answer
	// from. Managed mode skips this: the DSN and migrations come first.
	if cfg.Database.Mode == "standalone" {
		var seed bool
		err := huh.NewConfirm().
			Title("Seed sample data?").
			Description("A few knowledge-base entries and open appointment slots to try the pipeline against").
			Value(&seed).
			Run()
		if err != nil {
			return err
		}
		if seed {
			if err := seedSampleData(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "seeding failed: %v\n", err)
			}
		}
	}

	fmt.Println()
	printEnvReminders(cfg)
	return nil
}

func seedSampleData(cfg *config.Config) error {
	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	created, err := bootstrap.SeedRecords(ctx, stores.Records, cfg.Pipeline.Tenant, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(created) == 0 {
		fmt.Println("sample data already present, nothing seeded")
		return nil
	}
	fmt.Printf("seeded %d sample records\n", len(created))
	return nil
}

// writeRoster creates (or overwrites) the roster file with one operator.
func writeRoster(path, id, channel, value string) error {
	roster := map[string]any{
		"operators": []map[string]any{
			{
				"id":       id,
				"display":  id,
				"channels": map[string][]string{channel: {value}},
			},
		},
	}
	data, err := json.MarshalIndent(roster, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// printEnvReminders lists the env vars the chosen setup needs at runtime.
func printEnvReminders(cfg *config.Config) {
	fmt.Println("set these environment variables before `backline serve`:")
	switch cfg.Providers.Default {
	case "openai":
		fmt.Println("  export BACKLINE_OPENAI_API_KEY=...")
	default:
		fmt.Println("  export BACKLINE_ANTHROPIC_API_KEY=...")
	}
	fmt.Println("  export BACKLINE_SERVER_TOKEN=...        # review API auth")
	if cfg.Database.Mode == "managed" {
		fmt.Println("  export BACKLINE_POSTGRES_DSN=postgres://...")
		fmt.Println("  (then run `backline migrate up`)")
	}
	if cfg.Channels.Telegram.Enabled {
		fmt.Println("  export BACKLINE_TELEGRAM_TOKEN=...")
	}
	if cfg.Channels.Discord.Enabled {
		fmt.Println("  export BACKLINE_DISCORD_TOKEN=...")
	}
	if cfg.Channels.Email.Enabled {
		fmt.Println("  export BACKLINE_EMAIL_API_KEY=...")
		fmt.Println("  export BACKLINE_EMAIL_WEBHOOK_SECRET=...")
	}
	if cfg.Channels.SMS.Enabled {
		fmt.Println("  export BACKLINE_SMS_ACCOUNT_SID=...")
		fmt.Println("  export BACKLINE_SMS_AUTH_TOKEN=...")
	}
	if cfg.Channels.Lark.Enabled {
		fmt.Println("  export BACKLINE_LARK_APP_ID=...")
		fmt.Println("  export BACKLINE_LARK_APP_SECRET=...")
		fmt.Println("  export BACKLINE_LARK_VERIFICATION_TOKEN=...")
	}
}

// required rejects blank input.
func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func validatePort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port must be 1-65535")
	}
	return nil
}
