package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mgrt/missiond/internal/correlate"
	"github.com/mgrt/missiond/internal/fault"
	"github.com/mgrt/missiond/internal/ingest"
	"github.com/mgrt/missiond/internal/journal"
	"github.com/mgrt/missiond/internal/presence"
	"github.com/mgrt/missiond/internal/session"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/internal/store/postgres"
	"github.com/mgrt/missiond/internal/tmuxctl"
	"github.com/mgrt/missiond/internal/workflow"
	"github.com/mgrt/missiond/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
// Call this for requests that have a body (e.g. POST, PUT, PATCH) before decoding JSON.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (dashboards on a different origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server (home dir, listen addr, API key, DB, metrics).
type ServerOptions struct {
	Home             string
	Addr             string
	Dev              bool
	APIKey           string        // if set, require X-API-Key header or query api_key
	DBDriver         string        // "sqlite" (default) or "postgres"
	DBURL            string        // for postgres: connection string (or set DATABASE_URL env)
	MetricsHandler   http.Handler  // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP      bool          // if true, wrap handler with otelhttp for request metrics
	AgentCommand     string        // command that launches the interactive agent; "" uses the default
	TmuxSocket       string        // tmux socket name override
	SettleDelay      time.Duration // bootstrap stage settle override
	HeartbeatTimeout time.Duration // presence staleness override
}

// App holds the HTTP server, SSE hub, store, and the coordination components
// the daemon loops also drive (engine, processor, orchestrator, tracker).
type App struct {
	Server    *http.Server
	Hub       *SSEHub
	Store     store.Store
	Engine    *workflow.Engine
	Processor *ingest.Processor
	Registry  *correlate.Registry
	Tracker   *presence.Tracker
	Sessions  *session.Orchestrator
	Home      string
}

// NewApp creates the HTTP app (server, hub, store, coordination components) and
// registers all routes.
func NewApp(opts ServerOptions) (*App, error) {
	hub := NewSSEHub()
	mux := http.NewServeMux()

	var st store.Store
	var err error
	if opts.DBDriver == "postgres" {
		st, err = postgres.Open(opts.DBURL)
	} else {
		st, err = store.Open(opts.Home)
	}
	if err != nil {
		return nil, err
	}

	engine := &workflow.Engine{Store: st}
	registry := &correlate.Registry{Store: st}
	proc := &ingest.Processor{Store: st, Engine: engine, Registry: registry, Notifier: hub, Journal: &journal.Book{Home: opts.Home}}
	tracker := &presence.Tracker{Store: st, Timeout: opts.HeartbeatTimeout}
	sessions := session.New(&tmuxctl.Tmux{Socket: opts.TmuxSocket}, st, registry, proc)
	if opts.AgentCommand != "" {
		sessions.AgentCommand = opts.AgentCommand
	}
	if opts.SettleDelay > 0 {
		sessions.Settle = opts.SettleDelay
	}

	a := &api{
		st:       st,
		engine:   engine,
		proc:     proc,
		registry: registry,
		tracker:  tracker,
		sessions: sessions,
		hub:      hub,
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			missions, _ := st.ListMissions(r.Context())
			var pending, active, done, failed int64
			for _, m := range missions {
				todos, _ := st.ListTodos(r.Context(), m.MissionID, 0)
				for _, t := range todos {
					switch t.Status {
					case models.TodoPending:
						pending++
					case models.TodoActive:
						active++
					case models.TodoDone:
						done++
					case models.TodoFailed:
						failed++
					}
				}
			}
			_, _ = fmt.Fprintf(w, "# TYPE missiond_todos_total gauge\n")
			_, _ = fmt.Fprintf(w, "missiond_todos_total{status=\"pending\"} %d\n", pending)
			_, _ = fmt.Fprintf(w, "missiond_todos_total{status=\"active\"} %d\n", active)
			_, _ = fmt.Fprintf(w, "missiond_todos_total{status=\"done\"} %d\n", done)
			_, _ = fmt.Fprintf(w, "missiond_todos_total{status=\"failed\"} %d\n", failed)
		})
	}

	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.Config{Home: opts.Home})
	})

	mux.HandleFunc("/stream", hub.Handler())

	mux.HandleFunc("/webhooks/step", a.handleStepWebhook)
	mux.HandleFunc("/webhooks/heartbeat", a.handleHeartbeatWebhook)
	mux.HandleFunc("/webhooks/session", a.handleSessionWebhook)
	mux.HandleFunc("/webhooks/ack", a.handleAckWebhook)

	mux.HandleFunc("/sessions", a.handleSessions)

	mux.HandleFunc("/missions", a.handleMissions)
	mux.HandleFunc("/missions/", a.handleMission)
	mux.HandleFunc("/todos/", a.handleTodo)
	mux.HandleFunc("/presence/", a.handlePresence)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "missiond")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		_ = st.Close()
	})

	return &App{
		Server:    srv,
		Hub:       hub,
		Store:     st,
		Engine:    engine,
		Processor: proc,
		Registry:  registry,
		Tracker:   tracker,
		Sessions:  sessions,
		Home:      opts.Home,
	}, nil
}

// api carries the handler dependencies; one instance per App.
type api struct {
	st       store.Store
	engine   *workflow.Engine
	proc     *ingest.Processor
	registry *correlate.Registry
	tracker  *presence.Tracker
	sessions *session.Orchestrator
	hub      *SSEHub
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

// writeError maps an error to its HTTP status via the fault kind and sends
// {"error": message, "kind": kind}.
func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]any{"error": err.Error(), "kind": string(kind)})
}
