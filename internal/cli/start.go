package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mgrt/missiond/internal/config"
	"github.com/mgrt/missiond/internal/daemon"
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	var (
		port          int
		foreground    bool
		intervalSec   float64
		sweepSec      float64
		maxConcurrent int
		dev           bool
		pprofAddr     string
		envFile       string
		dbDriver      string
		dbURL         string
		agentCmd      string
		tmuxSocket    string
		autoStart     bool
		enableOtel    bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the missiond daemon (HTTP API + scheduler + presence sweep)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := loadEnvFile(envFile); err != nil {
					return err
				}
			}
			home := config.MustHomeFrom(cmd.Context())

			opts := daemon.StartOptions{
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
			}

			if foreground {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting missiond in foreground on port %d\n", port)
				return daemon.StartForeground(cmd.Context(), opts)
			}

			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "missiond started (pid %d)\n", pid)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "API: http://localhost:%d\n", port)
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 7600, "Port for the HTTP API")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (do not daemonize)")
	cmd.Flags().Float64Var(&intervalSec, "interval", 0, "Dependency scheduler tick (seconds; 0 uses config)")
	cmd.Flags().Float64Var(&sweepSec, "sweep-interval", 0, "Presence sweep tick (seconds; 0 uses config)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Max concurrent session starts (0 uses config)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode (CORS)")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Load env vars from file (KEY=VALUE per line) before starting")
	cmd.Flags().StringVar(&dbDriver, "db-driver", "", "Store driver: sqlite or postgres (default from config)")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "DB connection string (for postgres; or set DATABASE_URL)")
	cmd.Flags().StringVar(&agentCmd, "agent-cmd", "", "Command that launches the interactive agent in tmux (default from config)")
	cmd.Flags().StringVar(&tmuxSocket, "tmux-socket", "", "tmux socket name override")
	cmd.Flags().BoolVar(&autoStart, "auto-start", false, "Scheduler starts sessions for dependency-ready todos")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter, HTTP/SSE instrumentation)")

	return cmd
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if key != "" {
			_ = os.Setenv(key, value)
		}
	}
	return sc.Err()
}
