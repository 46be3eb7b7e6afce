package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/session"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

func withSessionManager(fn func(ctx context.Context, m *session.Manager) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return fn(context.Background(), session.NewManager(st))
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage conversation sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	cmd.AddCommand(sessionsSweepCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var platform string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest activity first",
		Run: func(cmd *cobra.Command, args []string) {
			err := withSessionManager(func(ctx context.Context, m *session.Manager) error {
				sessions, err := m.List(ctx, platform)
				if err != nil {
					return err
				}
				printSessions(sessions)
				return nil
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "filter by platform (slack, teams)")
	return cmd
}

func printSessions(sessions []*store.Session) {
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tCHANNEL\tTHREAD\tAGENT SESSION\tLAST ACTIVITY\tEXPIRES")
	now := time.Now()
	for _, s := range sessions {
		expires := s.ExpiresAt.Sub(now).Round(time.Minute).String()
		if s.ExpiresAt.Before(now) {
			expires = "expired"
		}
		thread := s.ThreadID
		if thread == "" {
			thread = "-"
		}
		agentID := s.AgentSessionID
		if agentID == "" {
			agentID = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Platform, s.ChannelID, thread, agentID,
			s.LastActivity.Format(time.RFC3339), expires)
	}
	w.Flush()
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its message log",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			err := withSessionManager(func(ctx context.Context, m *session.Manager) error {
				sess, err := m.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if sess == nil {
					return fmt.Errorf("session %s not found", args[0])
				}
				if err := m.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted session %s\n", args[0])
				return nil
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
}

func sessionsSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired sessions now",
		Run: func(cmd *cobra.Command, args []string) {
			err := withSessionManager(func(ctx context.Context, m *session.Manager) error {
				n, err := m.ExpireSweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("swept %d expired sessions\n", n)
				return nil
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
}
