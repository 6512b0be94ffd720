package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
	"github.com/nextlevelbuilder/goconcierge/internal/config"
	"github.com/nextlevelbuilder/goconcierge/internal/webhook"
)

// TestRunSchedules_RunsDueJobs checks a every-minute job fires on the next
// tick while a disabled job never does.
func TestRunSchedules_RunsDueJobs(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC))
	ran := make(chan string, 4)
	jobs := []schedule{
		{name: "every-minute", expr: "* * * * *", run: func(context.Context) { ran <- "every-minute" }},
		{name: "off", expr: "", run: func(context.Context) { ran <- "off" }},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runSchedules(ctx, clk, jobs) }()

	clk.WaitForTimers(1)
	clk.Advance(time.Minute)

	select {
	case name := <-ran:
		if name != "every-minute" {
			t.Fatalf("ran %q, want every-minute", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("due job did not run")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("runSchedules: %v", err)
	}
	select {
	case name := <-ran:
		t.Fatalf("unexpected extra run of %q", name)
	default:
	}
}

// TestRunSchedules_RejectsInvalidExpression fails fast on a bad cron expression.
func TestRunSchedules_RejectsInvalidExpression(t *testing.T) {
	clk := clock.Fake(time.Now())
	err := runSchedules(context.Background(), clk, []schedule{
		{name: "broken", expr: "every tuesday", run: func(context.Context) {}},
	})
	if err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

// TestRunSchedules_NoActiveJobsReturns does not block when every job is
// disabled.
func TestRunSchedules_NoActiveJobsReturns(t *testing.T) {
	clk := clock.Fake(time.Now())
	if err := runSchedules(context.Background(), clk, []schedule{{name: "off"}}); err != nil {
		t.Fatalf("runSchedules: %v", err)
	}
	if n := clk.PendingCount(); n != 0 {
		t.Fatalf("pending timers = %d, want 0", n)
	}
}

func TestProcessorPolicies(t *testing.T) {
	cfg := config.Default()
	cfg.WhatsApp.TrackPresence = true
	cfg.WhatsApp.ResponseDelay = config.Duration(7 * time.Second)
	cfg.Operations.AssistantID = "asst_ops"

	main, ops := processorPolicies(cfg)
	if !main.TrackPresence || main.ResponseDelay != 7*time.Second {
		t.Errorf("main policy = %+v", main)
	}
	if main.CompactLogs {
		t.Error("main policy should log verbosely")
	}
	if !ops.CompactLogs || ops.TrackPresence {
		t.Errorf("ops policy = %+v", ops)
	}
	if ops.AssistantID != "asst_ops" {
		t.Errorf("ops assistant = %q", ops.AssistantID)
	}

	lp := loopPolicy(ops)
	if lp.AssistantID != "asst_ops" {
		t.Errorf("loop policy assistant = %q", lp.AssistantID)
	}
}

// TestBufferConfig_TextWindows checks both text windows reach the buffer,
// the operations one keyed by processor name.
func TestBufferConfig_TextWindows(t *testing.T) {
	cfg := config.Default()
	cfg.Buffer.TextWindow = config.Duration(4 * time.Second)
	cfg.Buffer.OperationsTextWindow = config.Duration(1500 * time.Millisecond)

	bc := bufferConfig(cfg.Buffer)
	if bc.TextWindow != 4*time.Second {
		t.Errorf("TextWindow = %v", bc.TextWindow)
	}
	if got := bc.TextWindows[webhook.OperationsName]; got != 1500*time.Millisecond {
		t.Errorf("operations text window = %v", got)
	}
	if _, ok := bc.TextWindows[webhook.MainName]; ok {
		t.Error("main processor should use TextWindow")
	}
}

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"short":            "*****",
		"sk-abcdefghij123": "sk-a********j123",
	}
	for in, want := range cases {
		if got := maskSecret(in); got != want {
			t.Errorf("maskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidCron(t *testing.T) {
	for _, ok := range []string{"", "@hourly", "*/15 * * * *"} {
		if err := validCron(ok); err != nil {
			t.Errorf("validCron(%q) = %v", ok, err)
		}
	}
	if err := validCron("nope"); err == nil {
		t.Error("validCron accepted garbage")
	}
}

// TestOnboardAnswers_Apply switches to the bridge transport and back.
func TestOnboardAnswers_Apply(t *testing.T) {
	cfg := config.Default()
	a := answersFrom(cfg)
	if a.transport != "api" || a.driver != "sqlite" {
		t.Fatalf("defaults = %+v", a)
	}

	a.transport = "bridge"
	a.bridgeURL = " ws://localhost:3001 "
	a.assistantID = "asst_main"
	a.port = "9090"
	a.opsChat = "120363@g.us"
	a.apply(cfg)

	if cfg.WhatsApp.BridgeURL != "ws://localhost:3001" {
		t.Errorf("bridge url = %q", cfg.WhatsApp.BridgeURL)
	}
	if cfg.Gateway.Port != 9090 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Operations.ChatID != "120363@g.us" || cfg.Assistant.AssistantID != "asst_main" {
		t.Errorf("operations/assistant not applied: %q %q", cfg.Operations.ChatID, cfg.Assistant.AssistantID)
	}

	b := answersFrom(cfg)
	if b.transport != "bridge" {
		t.Fatalf("transport = %q after bridge apply", b.transport)
	}
	b.transport = "api"
	b.apply(cfg)
	if cfg.WhatsApp.BridgeURL != "" {
		t.Errorf("bridge url kept after switching to api: %q", cfg.WhatsApp.BridgeURL)
	}
}

func TestValidPortAndTimezone(t *testing.T) {
	if validPort("8080") != nil || validPort("0") == nil || validPort("x") == nil {
		t.Error("validPort mismatch")
	}
	if validTimezone("America/Bogota") != nil || validTimezone("Mars/Olympus") == nil {
		t.Error("validTimezone mismatch")
	}
}
