package daemon

// StartOptions configures the daemon (home, port, scheduler, DB, tmux, otel).
type StartOptions struct {
	Home             string
	Port             int
	IntervalSec      float64 // dependency scheduler tick
	SweepIntervalSec float64 // presence sweep tick
	MaxConcurrent    int     // bound on concurrent session starts
	Dev              bool
	PprofAddr        string
	DBDriver         string // "sqlite" (default) or "postgres"
	DBURL            string // for postgres: connection string (or DATABASE_URL env)
	AgentCommand     string // command that launches the interactive agent in tmux
	TmuxSocket       string // tmux socket name override
	AutoStart        bool   // scheduler starts sessions for gate-ready todos
	EnableOtel       bool   // enable OpenTelemetry metrics (Prometheus exporter + HTTP/SSE instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
