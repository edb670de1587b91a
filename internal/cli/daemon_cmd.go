package cli

import (
	"github.com/mgrt/missiond/internal/config"
	"github.com/mgrt/missiond/internal/daemon"
	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	var (
		port          int
		intervalSec   float64
		sweepSec      float64
		maxConcurrent int
		dev           bool
		pprofAddr     string
		dbDriver      string
		dbURL         string
		agentCmd      string
		tmuxSocket    string
		autoStart     bool
		enableOtel    bool
	)

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:             home,
				Port:             port,
				IntervalSec:      intervalSec,
				SweepIntervalSec: sweepSec,
				MaxConcurrent:    maxConcurrent,
				Dev:              dev,
				PprofAddr:        pprofAddr,
				DBDriver:         dbDriver,
				DBURL:            dbURL,
				AgentCommand:     agentCmd,
				TmuxSocket:       tmuxSocket,
				AutoStart:        autoStart,
				EnableOtel:       enableOtel,
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", 7600, "Port for the HTTP API")
	cmd.Flags().Float64Var(&intervalSec, "interval", 0, "Dependency scheduler tick (seconds; 0 uses config)")
	cmd.Flags().Float64Var(&sweepSec, "sweep-interval", 0, "Presence sweep tick (seconds; 0 uses config)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Max concurrent session starts (0 uses config)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "DB connection string (for postgres)")
	cmd.Flags().StringVar(&agentCmd, "agent-cmd", "", "Command that launches the interactive agent in tmux")
	cmd.Flags().StringVar(&tmuxSocket, "tmux-socket", "", "tmux socket name override")
	cmd.Flags().BoolVar(&autoStart, "auto-start", false, "Scheduler starts sessions for dependency-ready todos")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics")

	return cmd
}
