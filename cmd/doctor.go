package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/backlinehq/backline/internal/config"
	"github.com/backlinehq/backline/internal/providers"
	"github.com/backlinehq/backline/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(live)
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "send a test request to each configured provider")
	return cmd
}

func runDoctor(live bool) {
	fmt.Println("backline doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Database
	fmt.Println()
	fmt.Println("  Database:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-12s managed\n", "Mode:")
		checkPostgres(cfg.Database.PostgresDSN)
	} else {
		fmt.Printf("    %-12s standalone\n", "Mode:")
		path := config.ExpandHome(cfg.Database.SQLitePath)
		fmt.Printf("    %-12s %s", "SQLite:", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (not created yet)")
		} else {
			fmt.Println(" (OK)")
		}
		if cfg.Database.Mode == "managed" {
			fmt.Printf("    %-12s managed mode requested but BACKLINE_POSTGRES_DSN is not set\n", "Warning:")
		}
	}

	// Providers
	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.Providers.Anthropic.APIKey)
	checkProvider("OpenAI", cfg.Providers.OpenAI.APIKey)
	fmt.Printf("    %-12s %s\n", "Default:", cfg.Providers.Default)

	// Worker
	fmt.Println()
	fmt.Println("  Worker:")
	schedule := cfg.Worker.Schedule
	if schedule == "" {
		schedule = "* * * * *"
	}
	if gronx.New().IsValid(schedule) {
		fmt.Printf("    %-12s %s (valid)\n", "Schedule:", schedule)
	} else {
		fmt.Printf("    %-12s %s (INVALID cron expression)\n", "Schedule:", schedule)
	}

	// Channels
	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("Email", cfg.Channels.Email.Enabled, cfg.Channels.Email.APIKey != "")
	checkChannel("SMS", cfg.Channels.SMS.Enabled, cfg.Channels.SMS.AccountSID != "" && cfg.Channels.SMS.AuthToken != "")
	checkChannel("Lark", cfg.Channels.Lark.Enabled, cfg.Channels.Lark.AppID != "" && cfg.Channels.Lark.AppSecret != "")
	checkChannel("In-app", cfg.Channels.InApp.Enabled, true)

	if live {
		fmt.Println()
		fmt.Println("  Live checks:")
		verifyProviders(cfg)
	}

	// Operator roster
	fmt.Println()
	if cfg.Identity.RosterPath == "" {
		fmt.Println("  Roster:   (not configured — every sender is treated as a customer)")
	} else {
		path := config.ExpandHome(cfg.Identity.RosterPath)
		fmt.Printf("  Roster:   %s", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (NOT FOUND)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkPostgres pings the database and reports the migration version from
// golang-migrate's schema_migrations table.
func checkPostgres(dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s connected\n", "Status:")

	var version int64
	var dirty bool
	err = db.QueryRow("SELECT version, dirty FROM schema_migrations").Scan(&version, &dirty)
	switch {
	case err != nil:
		fmt.Printf("    %-12s none (run: backline migrate up)\n", "Schema:")
	case dirty:
		fmt.Printf("    %-12s v%d (DIRTY — run: backline migrate force %d)\n", "Schema:", version, version-1)
	default:
		fmt.Printf("    %-12s v%d\n", "Schema:", version)
	}
}

// verifyProviders sends a one-token request to each configured provider so
// a bad key fails here instead of on the first customer message.
func verifyProviders(cfg *config.Config) {
	reg, err := providers.New(cfg.Providers)
	if err != nil {
		fmt.Printf("    %-12s %s\n", "Providers:", err)
		return
	}
	for _, name := range reg.Names() {
		p, err := reg.Get(name)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_, err = p.Chat(ctx, providers.ChatRequest{
			Messages: []providers.Message{{Role: "user", Content: "ping"}},
			Options:  map[string]interface{}{providers.OptMaxTokens: 1},
		})
		cancel()
		if err != nil {
			fmt.Printf("    %-12s FAILED (%v)\n", name+":", err)
			continue
		}
		fmt.Printf("    %-12s OK\n", name+":")
	}
}

func checkProvider(name, apiKey string) {
	if apiKey == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := "(set)"
	if len(apiKey) > 8 {
		masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}
