package cli

import (
	"fmt"

	"github.com/mgrt/missiond/internal/config"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/internal/workflow"
	"github.com/spf13/cobra"
)

func newMissionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
	}
	cmd.AddCommand(newMissionListCmd())
	cmd.AddCommand(newMissionCreateCmd())
	cmd.AddCommand(newMissionStatusCmd())
	cmd.AddCommand(newMissionDeleteCmd())
	return cmd
}

func openStore(cmd *cobra.Command) (store.Store, error) {
	home := config.MustHomeFrom(cmd.Context())
	return store.Open(home)
}

func newMissionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions with derived progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			missions, err := st.ListMissions(cmd.Context())
			if err != nil {
				return err
			}
			if len(missions) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No missions")
				return nil
			}
			for _, m := range missions {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s %3d%%  %d todos  %s\n",
					m.MissionID, m.Status, m.Progress, m.TodoCount, m.Title)
			}
			return nil
		},
	}
	return cmd
}

func newMissionCreateCmd() *cobra.Command {
	var title string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			m, err := st.CreateMission(cmd.Context(), title)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created mission %s\n", m.MissionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Mission title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newMissionStatusCmd() *cobra.Command {
	var missionID, status string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Request a mission status change (activation, done, archive, drop)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if missionID == "" || status == "" {
				return fmt.Errorf("--id and --status are required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			eng := &workflow.Engine{Store: st}
			m, err := eng.RequestMissionStatus(cmd.Context(), missionID, status)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Mission %s is now %s\n", m.MissionID, m.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&missionID, "id", "", "Mission ID")
	cmd.Flags().StringVar(&status, "status", "", "Target status (active, done, archived, dropped)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newMissionDeleteCmd() *cobra.Command {
	var missionID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a mission and all its todos",
		RunE: func(cmd *cobra.Command, args []string) error {
			if missionID == "" {
				return fmt.Errorf("--id is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.DeleteMission(cmd.Context(), missionID); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted mission %s\n", missionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&missionID, "id", "", "Mission ID")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
