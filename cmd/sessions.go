package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goconcierge/internal/channels"
	"github.com/nextlevelbuilder/goconcierge/internal/config"
	"github.com/nextlevelbuilder/goconcierge/internal/sessions"
)

// openSessions opens the snapshot store offline. Changes made while the
// gateway runs are overwritten by its next autosave.
func openSessions() (*sessions.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return sessions.Open(sessions.Options{
		Dir:             cfg.SessionsDir(),
		BackupKeep:      cfg.Sessions.BackupKeep,
		Retention:       cfg.Sessions.Retention.D(),
		ActiveWindow:    cfg.Sessions.ActiveWindow.D(),
		CompressBackups: cfg.Sessions.CompressBackups,
	})
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and maintain the conversation thread store",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsStatsCmd())
	cmd.AddCommand(sessionsSweepCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	cmd.AddCommand(clientsCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSessions()
			if err != nil {
				return err
			}
			var infos []sessions.Info
			for _, key := range s.Keys() {
				if info, ok := s.Info(key); ok {
					infos = append(infos, info)
				}
			}
			sort.Slice(infos, func(i, j int) bool {
				return infos[i].LastActivity.After(infos[j].LastActivity)
			})
			if limit > 0 && len(infos) > limit {
				infos = infos[:limit]
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(infos)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tNAME\tTHREAD\tLAST ACTIVITY\tACTIVE\tROTATIONS")
			for _, in := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%d\n",
					in.Key, channels.Truncate(in.UserName, 24), in.ThreadID,
					in.LastActivity.Local().Format(time.DateTime), in.IsActive, len(in.PreviousThreads))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "max rows (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key|chat-id>",
		Short: "Show one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSessions()
			if err != nil {
				return err
			}
			info, ok := s.Info(sessions.ConversationKey(args[0]))
			if !ok {
				return fmt.Errorf("no session for %s", args[0])
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
}

func sessionsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show session counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSessions()
			if err != nil {
				return err
			}
			st := s.Stats()
			fmt.Printf("  Total:   %d\n", st.Total)
			fmt.Printf("  Active:  %d\n", st.Active)
			fmt.Printf("  Idle:    %d\n", st.Total-st.Active)
			return nil
		},
	}
}

func sessionsSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge conversations idle longer than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSessions()
			if err != nil {
				return err
			}
			n := s.Sweep()
			if err := s.Close(); err != nil {
				return fmt.Errorf("save: %w", err)
			}
			fmt.Printf("Purged %d idle session(s).\n", n)
			return nil
		},
	}
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key|chat-id>",
		Short: "Forget a conversation so the next message starts a new thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSessions()
			if err != nil {
				return err
			}
			key := sessions.ConversationKey(args[0])
			if !s.Delete(key) {
				return fmt.Errorf("no session for %s", args[0])
			}
			if err := s.Close(); err != nil {
				return fmt.Errorf("save: %w", err)
			}
			fmt.Printf("Deleted session %s.\n", key)
			return nil
		},
	}
}

func clientsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "List stored clients with their labels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.Background()
			cs, err := openClientStore(ctx, storeConfig(cfg))
			if err != nil {
				return err
			}
			defer cs.Close()

			list, err := cs.ListClients(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tNAME\tLABELS\tLAST SEEN")
			for _, c := range list {
				seen := "-"
				if !c.LastSeen.IsZero() {
					seen = c.LastSeen.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", c.Key, channels.Truncate(c.Name, 24), c.Labels, seen)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "max rows")
	return cmd
}
