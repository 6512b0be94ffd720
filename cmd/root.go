package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is stamped at build time:
//
//	go build -ldflags "-X github.com/nextlevelbuilder/goconcierge/cmd.Version=v1.2.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "goconcierge",
		Short: "WhatsApp assistant gateway",
		Long: "goconcierge receives WhatsApp webhooks, debounces each client's messages into one turn,\n" +
			"runs the turn on an OpenAI assistant thread and delivers the reply.\n\n" +
			"Run without a subcommand to start the gateway.",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $GOCONCIERGE_CONFIG, else ./config.json)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		versionCmd(),
		onboardCmd(),
		doctorCmd(),
		sessionsCmd(),
		migrateCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("goconcierge %s %s %s/%s\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func resolveConfigPath() string {
	switch {
	case cfgFile != "":
		return cfgFile
	case os.Getenv("GOCONCIERGE_CONFIG") != "":
		return os.Getenv("GOCONCIERGE_CONFIG")
	}
	return "config.json"
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
