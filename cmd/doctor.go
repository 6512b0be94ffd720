package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/adhocore/gronx"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goconcierge/internal/config"
	"github.com/nextlevelbuilder/goconcierge/internal/upgrade"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, credentials and storage",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("goconcierge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config:   INVALID (%s)\n", err)
	}

	fmt.Println()
	fmt.Println("  Assistant:")
	checkSecret("API key", cfg.Assistant.APIKey)
	checkValue("Assistant", cfg.Assistant.AssistantID)
	checkValue("Ops asst.", cfg.Operations.AssistantID)
	checkValue("Base URL", cfg.Assistant.BaseURL)

	fmt.Println()
	fmt.Println("  WhatsApp:")
	if cfg.WhatsApp.BridgeURL != "" {
		fmt.Printf("    %-12s bridge %s\n", "Transport:", cfg.WhatsApp.BridgeURL)
	} else {
		fmt.Printf("    %-12s http %s\n", "Transport:", cfg.WhatsApp.APIURL)
		checkSecret("Token", cfg.WhatsApp.Token)
	}
	fmt.Printf("    %-12s %v\n", "Manual sync:", cfg.WhatsApp.ManualAgentSync)
	if cfg.Operations.Enabled() {
		fmt.Printf("    %-12s chat=%s bot=%s\n", "Operations:", orDash(cfg.Operations.ChatID), orDash(cfg.Operations.BotNumber))
	} else {
		fmt.Printf("    %-12s disabled\n", "Operations:")
	}

	fmt.Println()
	fmt.Println("  Sessions:")
	dir := cfg.SessionsDir()
	fmt.Printf("    %-12s %s", "Dir:", dir)
	if _, err := os.Stat(filepath.Join(dir, "threads.json")); err != nil {
		fmt.Println(" (no snapshot yet)")
	} else {
		fmt.Println(" (OK)")
	}
	if backups, err := filepath.Glob(filepath.Join(dir, "backups", "*")); err == nil {
		fmt.Printf("    %-12s %d (keep %d)\n", "Backups:", len(backups), cfg.Sessions.BackupKeep)
	}

	fmt.Println()
	fmt.Println("  Client store:")
	switch cfg.Database.Driver {
	case "postgres":
		fmt.Printf("    %-12s postgres\n", "Driver:")
		checkPostgres(cfg.Database.PostgresDSN)
	default:
		fmt.Printf("    %-12s sqlite %s\n", "Driver:", cfg.SQLitePath())
	}

	fmt.Println()
	fmt.Println("  Schedules:")
	checkCron("Sweep", cfg.Sessions.SweepSchedule)
	checkCron("Orphans", cfg.Assistant.OrphanSchedule)

	fmt.Println()
	fmt.Println("  Telemetry:")
	if cfg.Telemetry.Enabled {
		fmt.Printf("    %-12s %s (%s)\n", "OTLP:", cfg.Telemetry.Endpoint, orDash(cfg.Telemetry.Protocol))
	} else {
		fmt.Printf("    %-12s disabled\n", "OTLP:")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkPostgres(dsn string) {
	if dsn == "" {
		fmt.Printf("    %-12s GOCONCIERGE_POSTGRES_DSN not set\n", "Status:")
		return
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	if err := db.PingContext(context.Background()); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}

	s, err := upgrade.CheckSchema(db)
	if err != nil {
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		return
	}
	fmt.Printf("    %-12s %s\n", "Schema:", s)
	if !s.Compatible {
		for _, line := range strings.Split(strings.TrimSpace(upgrade.FormatError(s)), "\n") {
			fmt.Printf("    %-12s %s\n", "", line)
		}
	}

	if pending, err := upgrade.PendingHooks(context.Background(), db); err == nil {
		fmt.Printf("    %-12s %d pending\n", "Data hooks:", len(pending))
	}
}

func checkCron(name, expr string) {
	if expr == "" {
		fmt.Printf("    %-12s disabled\n", name+":")
		return
	}
	if err := validCron(expr); err != nil {
		fmt.Printf("    %-12s %q INVALID\n", name+":", expr)
		return
	}
	next, err := gronx.NextTick(expr, false)
	if err != nil {
		fmt.Printf("    %-12s %s\n", name+":", expr)
		return
	}
	fmt.Printf("    %-12s %s (next %s)\n", name+":", expr, next.Format("2006-01-02 15:04"))
}

func checkSecret(name, v string) {
	if v == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	fmt.Printf("    %-12s %s\n", name+":", maskSecret(v))
}

func checkValue(name, v string) {
	fmt.Printf("    %-12s %s\n", name+":", orDash(v))
}

func maskSecret(v string) string {
	if len(v) <= 8 {
		return strings.Repeat("*", len(v))
	}
	return v[:4] + strings.Repeat("*", len(v)-8) + v[len(v)-4:]
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
