package cli

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/mgrt/missiond/internal/config"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())

			var problems []string

			// tmux hosts every agent session.
			if _, err := exec.LookPath("tmux"); err != nil {
				problems = append(problems, "missing dependency: tmux (not found on PATH)")
			}

			settings, err := config.Load(home)
			if err != nil {
				problems = append(problems, fmt.Sprintf("config: %v", err))
			} else if settings.AgentCommand != "" {
				if _, err := exec.LookPath(settings.AgentCommand); err != nil {
					problems = append(problems, fmt.Sprintf("agent command %q not found on PATH", settings.AgentCommand))
				}
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}
