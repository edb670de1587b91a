package cli

import (
	"fmt"
	"os"

	"github.com/mgrt/missiond/pkg/client"
	"github.com/spf13/cobra"
)

// apiClient builds a client for the running daemon. Session and presence
// commands go through the HTTP API because the tmux orchestrator lives in the
// daemon process.
func apiClient(addr string) *client.Client {
	if addr == "" {
		addr = os.Getenv("MISSIOND_ADDR")
	}
	if addr == "" {
		addr = "http://localhost:7600"
	}
	return client.New(addr, os.Getenv("MISSIOND_API_KEY"))
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Control agent sessions (requires a running daemon)",
	}
	cmd.AddCommand(newSessionStartCmd())
	cmd.AddCommand(newSessionStopCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionKeysCmd())
	cmd.AddCommand(newSessionScreenCmd())
	return cmd
}

func newSessionStartCmd() *cobra.Command {
	var addr, todoID, workDir string
	var noBootstrap bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start (or return) the agent session for a todo",
		RunE: func(cmd *cobra.Command, args []string) error {
			if todoID == "" {
				return fmt.Errorf("--todo is required")
			}
			handle, err := apiClient(addr).StartSession(cmd.Context(), todoID, workDir, !noBootstrap)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Session %s\n", handle)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address (default http://localhost:7600, env: MISSIOND_ADDR)")
	cmd.Flags().StringVar(&todoID, "todo", "", "Todo ID")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "Working directory for the session")
	cmd.Flags().BoolVar(&noBootstrap, "no-bootstrap", false, "Create the tmux session without running the bootstrap sequence")
	_ = cmd.MarkFlagRequired("todo")
	return cmd
}

func newSessionStopCmd() *cobra.Command {
	var addr, todoID string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the agent session for a todo",
		RunE: func(cmd *cobra.Command, args []string) error {
			if todoID == "" {
				return fmt.Errorf("--todo is required")
			}
			if err := apiClient(addr).StopSession(cmd.Context(), todoID); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address")
	cmd.Flags().StringVar(&todoID, "todo", "", "Todo ID")
	_ = cmd.MarkFlagRequired("todo")
	return cmd
}

func newSessionShowCmd() *cobra.Command {
	var addr, todoID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the session mapping for a todo (handle, traces, usage)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if todoID == "" {
				return fmt.Errorf("--todo is required")
			}
			m, err := apiClient(addr).GetSession(cmd.Context(), todoID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "todo:         %s\n", m.TodoID)
			_, _ = fmt.Fprintf(out, "handle:       %s\n", m.SessionHandle)
			_, _ = fmt.Fprintf(out, "status:       %s\n", m.Status)
			if m.ConversationID != "" {
				_, _ = fmt.Fprintf(out, "conversation: %s\n", m.ConversationID)
			}
			if m.CurrentStep != "" {
				_, _ = fmt.Fprintf(out, "current step: %s\n", m.CurrentStep)
			}
			if len(m.TraceIDs) > 0 {
				_, _ = fmt.Fprintf(out, "traces:       %v\n", m.TraceIDs)
			}
			_, _ = fmt.Fprintf(out, "tokens:       in=%d out=%d\n", m.InputTokens, m.OutputTokens)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address")
	cmd.Flags().StringVar(&todoID, "todo", "", "Todo ID")
	_ = cmd.MarkFlagRequired("todo")
	return cmd
}

func newSessionKeysCmd() *cobra.Command {
	var addr, todoID, content string
	var noSubmit bool

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Send literal keystrokes to a todo's session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if todoID == "" || content == "" {
				return fmt.Errorf("--todo and --content are required")
			}
			if err := apiClient(addr).SendKeys(cmd.Context(), todoID, content, !noSubmit); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Sent")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address")
	cmd.Flags().StringVar(&todoID, "todo", "", "Todo ID")
	cmd.Flags().StringVar(&content, "content", "", "Content to inject")
	cmd.Flags().BoolVar(&noSubmit, "no-submit", false, "Do not press Enter after the content")
	_ = cmd.MarkFlagRequired("todo")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func newSessionScreenCmd() *cobra.Command {
	var addr, todoID string

	cmd := &cobra.Command{
		Use:   "screen",
		Short: "Capture the terminal contents of a todo's session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if todoID == "" {
				return fmt.Errorf("--todo is required")
			}
			screen, err := apiClient(addr).CaptureScreen(cmd.Context(), todoID)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), screen)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Daemon address")
	cmd.Flags().StringVar(&todoID, "todo", "", "Todo ID")
	_ = cmd.MarkFlagRequired("todo")
	return cmd
}
