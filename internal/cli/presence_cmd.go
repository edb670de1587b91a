package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPresenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "Inspect supervising-agent presence (requires a running daemon)",
	}
	cmd.AddCommand(newPresenceShowCmd())
	cmd.AddCommand(newPresenceConnectCmd())
	cmd.AddCommand(newPresenceDisconnectCmd())
	return cmd
}

func newPresenceShowCmd() *cobra.Command {
	var addr, scope string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective presence for a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scope == "" {
				return fmt.Errorf("--scope is required")
			}
			p, err := apiClient(addr).GetPresence(cmd.Context(), scope)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "scope:     %s\n", p.Scope)
			_, _ = fmt.Fprintf(out, "status:    %s (effective %s)\n", p.Status, p.EffectiveStatus)
			if p.LastHeartbeatAt != nil {
				_, _ = fmt.Fprintf(out, "heartbeat: %s\n", p.LastHeartbeatAt.Format("2006-01-02 15:04:05"))
			}
			if p.CurrentTodoID != "" {
				_, _ = fmt.Fprintf(out, "working:   %s (%s)\n", p.CurrentTodoID, p.CurrentTitle)
			}
			_, _ = fmt.Fprintf(out, "active:    %d todos\n", p.ActiveTodoCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address")
	cmd.Flags().StringVar(&scope, "scope", "", "Presence scope (e.g. workspace path)")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func newPresenceConnectCmd() *cobra.Command {
	var addr, scope string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Mark a scope online",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scope == "" {
				return fmt.Errorf("--scope is required")
			}
			p, err := apiClient(addr).Connect(cmd.Context(), scope)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", p.Scope, p.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address")
	cmd.Flags().StringVar(&scope, "scope", "", "Presence scope")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func newPresenceDisconnectCmd() *cobra.Command {
	var addr, scope string

	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Mark a scope offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scope == "" {
				return fmt.Errorf("--scope is required")
			}
			p, err := apiClient(addr).Disconnect(cmd.Context(), scope)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", p.Scope, p.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address")
	cmd.Flags().StringVar(&scope, "scope", "", "Presence scope")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}
