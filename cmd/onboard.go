package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goconcierge/internal/config"
)

func onboardCmd() *cobra.Command {
	var nonInteractive bool
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a config file for this deployment",
		Long: "Collects the assistant, WhatsApp and storage settings and writes them to the config file.\n" +
			"Secrets are never written; export them as GOCONCIERGE_* environment variables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if !nonInteractive {
				if err := runOnboardForm(cfg); err != nil {
					return err
				}
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Config written to %s\n\n", cfgPath)
			printSecretHints(cfg)
			fmt.Println("\nRun `goconcierge doctor` to verify, then `goconcierge` to start.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&nonInteractive, "yes", false, "skip prompts and write defaults plus environment overrides")
	return cmd
}

// onboardAnswers mirrors the editable fields as strings for the form.
type onboardAnswers struct {
	assistantID string
	transport   string
	apiURL      string
	bridgeURL   string
	opsChat     string
	botNumber   string
	opsAsst     string
	timezone    string
	driver      string
	sqlitePath  string
	port        string
}

func answersFrom(cfg *config.Config) onboardAnswers {
	a := onboardAnswers{
		assistantID: cfg.Assistant.AssistantID,
		transport:   "api",
		apiURL:      cfg.WhatsApp.APIURL,
		bridgeURL:   cfg.WhatsApp.BridgeURL,
		opsChat:     cfg.Operations.ChatID,
		botNumber:   cfg.Operations.BotNumber,
		opsAsst:     cfg.Operations.AssistantID,
		timezone:    cfg.Context.Timezone,
		driver:      cfg.Database.Driver,
		sqlitePath:  cfg.Database.SQLitePath,
		port:        fmt.Sprint(cfg.Gateway.Port),
	}
	if a.bridgeURL != "" {
		a.transport = "bridge"
	}
	if a.driver == "" {
		a.driver = "sqlite"
	}
	return a
}

// apply copies the answers back. Validation already ran in the form.
func (a onboardAnswers) apply(cfg *config.Config) {
	cfg.Assistant.AssistantID = strings.TrimSpace(a.assistantID)
	if a.transport == "bridge" {
		cfg.WhatsApp.BridgeURL = strings.TrimSpace(a.bridgeURL)
	} else {
		cfg.WhatsApp.BridgeURL = ""
		cfg.WhatsApp.APIURL = strings.TrimSpace(a.apiURL)
	}
	cfg.Operations.ChatID = strings.TrimSpace(a.opsChat)
	cfg.Operations.BotNumber = strings.TrimSpace(a.botNumber)
	cfg.Operations.AssistantID = strings.TrimSpace(a.opsAsst)
	cfg.Context.Timezone = strings.TrimSpace(a.timezone)
	cfg.Database.Driver = a.driver
	cfg.Database.SQLitePath = strings.TrimSpace(a.sqlitePath)
	fmt.Sscan(a.port, &cfg.Gateway.Port)
}

func runOnboardForm(cfg *config.Config) error {
	a := answersFrom(cfg)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant ID").
				Description("OpenAI assistant that answers clients (asst_...)").
				Value(&a.assistantID).
				Validate(required("assistant id")),
			huh.NewInput().
				Title("Webhook port").
				Value(&a.port).
				Validate(validPort),
			huh.NewInput().
				Title("Timezone").
				Description("IANA name used for dates in the injected context").
				Value(&a.timezone).
				Validate(validTimezone),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("WhatsApp transport").
				Options(
					huh.NewOption("Whapi HTTP API", "api"),
					huh.NewOption("WebSocket bridge", "bridge"),
				).
				Value(&a.transport),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Whapi API URL").
				Value(&a.apiURL).
				Validate(required("api url")),
		).WithHideFunc(func() bool { return a.transport != "api" }),
		huh.NewGroup(
			huh.NewInput().
				Title("Bridge URL").
				Description("ws://host:port of the WhatsApp bridge").
				Value(&a.bridgeURL).
				Validate(required("bridge url")),
		).WithHideFunc(func() bool { return a.transport != "bridge" }),
		huh.NewGroup(
			huh.NewInput().
				Title("Operations group chat ID").
				Description("Leave empty to disable the operations processor").
				Value(&a.opsChat),
			huh.NewInput().
				Title("Bot phone number").
				Description("Digits only; used to detect mentions in groups").
				Value(&a.botNumber),
			huh.NewInput().
				Title("Operations assistant ID").
				Description("Optional; defaults to the main assistant").
				Value(&a.opsAsst),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Client store").
				Options(
					huh.NewOption("SQLite (single instance)", "sqlite"),
					huh.NewOption("PostgreSQL", "postgres"),
				).
				Value(&a.driver),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("SQLite path").
				Description("Empty keeps clients.db next to the session snapshot").
				Value(&a.sqlitePath),
		).WithHideFunc(func() bool { return a.driver != "sqlite" }),
	).WithTheme(huh.ThemeCharm())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return fmt.Errorf("onboard aborted")
		}
		return err
	}
	a.apply(cfg)
	return nil
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validPort(s string) error {
	var p int
	if _, err := fmt.Sscan(s, &p); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("port must be 1-65535")
	}
	return nil
}

func validTimezone(s string) error {
	if _, err := time.LoadLocation(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("unknown timezone %q", s)
	}
	return nil
}

func validCron(expr string) error {
	if expr != "" && !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q", expr)
	}
	return nil
}

func printSecretHints(cfg *config.Config) {
	fmt.Println("Export these secrets before starting the gateway:")
	hint := func(env, current string) {
		state := "missing"
		if os.Getenv(env) != "" || current != "" {
			state = "set"
		}
		fmt.Printf("  %-30s %s\n", env, state)
	}
	hint("GOCONCIERGE_OPENAI_API_KEY", cfg.Assistant.APIKey)
	if cfg.WhatsApp.BridgeURL == "" {
		hint("GOCONCIERGE_WHAPI_TOKEN", cfg.WhatsApp.Token)
	}
	if cfg.Database.Driver == "postgres" {
		hint("GOCONCIERGE_POSTGRES_DSN", cfg.Database.PostgresDSN)
	}
	if err := validCron(cfg.Sessions.SweepSchedule); err != nil {
		fmt.Printf("  warning: sessions.%s\n", err)
	}
	if err := validCron(cfg.Assistant.OrphanSchedule); err != nil {
		fmt.Printf("  warning: assistant.%s\n", err)
	}
}
