package cli

import (
	"fmt"
	"time"

	"github.com/mgrt/missiond/internal/config"
	"github.com/mgrt/missiond/internal/identity"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/internal/workflow"
	"github.com/spf13/cobra"
)

func newTodoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "todo",
		Short: "Manage todos and their dependencies",
	}
	cmd.AddCommand(newTodoListCmd())
	cmd.AddCommand(newTodoAddCmd())
	cmd.AddCommand(newTodoShowCmd())
	cmd.AddCommand(newTodoStatusCmd())
	cmd.AddCommand(newTodoDependCmd())
	return cmd
}

func newTodoListCmd() *cobra.Command {
	var missionID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List todos in a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			if missionID == "" {
				return fmt.Errorf("--mission is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			todos, err := st.ListTodos(cmd.Context(), missionID, 0)
			if err != nil {
				return err
			}
			if len(todos) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No todos")
				return nil
			}
			for _, t := range todos {
				deps := ""
				if len(t.DependsOn) > 0 {
					deps = fmt.Sprintf("  deps=%v", t.DependsOn)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s %s%s\n", t.TodoID, t.Status, t.Title, deps)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "Mission ID")
	_ = cmd.MarkFlagRequired("mission")
	return cmd
}

func newTodoAddCmd() *cobra.Command {
	var missionID, title string
	var position int

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a todo (its six steps are created with it)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if missionID == "" || title == "" {
				return fmt.Errorf("--mission and --title are required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			t, err := st.CreateTodo(cmd.Context(), missionID, title, position)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created todo %s\n", t.TodoID)
			return nil
		},
	}
	cmd.Flags().StringVar(&missionID, "mission", "", "Mission ID")
	cmd.Flags().StringVar(&title, "title", "", "Todo title")
	cmd.Flags().IntVar(&position, "position", 0, "Ordering position within the mission")
	_ = cmd.MarkFlagRequired("mission")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newTodoShowCmd() *cobra.Command {
	var todoID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a todo with its steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			if todoID == "" {
				return fmt.Errorf("--id is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			t, err := st.GetTodo(cmd.Context(), todoID)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  [%s]\n", t.TodoID, t.Title, t.Status)
			for _, s := range t.Steps {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  %-15s %s\n", s.Kind, s.Status)
			}
			if len(t.DependsOn) > 0 {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  depends on: %v\n", t.DependsOn)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&todoID, "id", "", "Todo ID")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newTodoStatusCmd() *cobra.Command {
	var todoID, status string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Request a todo status change (activation is dependency-gated)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if todoID == "" || status == "" {
				return fmt.Errorf("--id and --status are required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			eng := &workflow.Engine{Store: st}
			t, err := eng.RequestTodoStatus(cmd.Context(), todoID, status)
			if err != nil {
				return err
			}

			// Attribute the manual override in the audit trail.
			op := identity.Resolve(cmd.Context(), config.MustHomeFrom(cmd.Context()))
			_ = st.AppendAudit(cmd.Context(), store.AuditRecord{
				TodoID:    t.TodoID,
				Detail:    "status set to " + t.Status + " by " + op.Name,
				CreatedAt: time.Now().UTC(),
			})

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Todo %s is now %s\n", t.TodoID, t.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&todoID, "id", "", "Todo ID")
	cmd.Flags().StringVar(&status, "status", "", "Target status (active, done, failed)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newTodoDependCmd() *cobra.Command {
	var todoID, dependsOn string

	cmd := &cobra.Command{
		Use:   "depend",
		Short: "Make one todo depend on another (cycles are rejected)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if todoID == "" || dependsOn == "" {
				return fmt.Errorf("--id and --on are required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			eng := &workflow.Engine{Store: st}
			if err := eng.AttachDependency(cmd.Context(), todoID, dependsOn); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Todo %s now depends on %s\n", todoID, dependsOn)
			return nil
		},
	}
	cmd.Flags().StringVar(&todoID, "id", "", "Todo ID")
	cmd.Flags().StringVar(&dependsOn, "on", "", "Todo ID it should depend on")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("on")
	return cmd
}
