package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mgrt/missiond/internal/fault"
	"github.com/mgrt/missiond/internal/store"
	"github.com/mgrt/missiond/pkg/models"
)

// Timestamps are stored as unix milliseconds, same encoding the SQLite store
// uses, so webhook-provided epoch-ms values stay lossless.

func msOf(t time.Time) int64 { return t.UTC().UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func timeFromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := timeFromMs(n.Int64)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Missions ---

func (s *Store) CreateMission(ctx context.Context, title string) (store.Mission, error) {
	if title == "" {
		return store.Mission{}, fault.BadRequest("mission title required")
	}
	m := store.Mission{
		MissionID: uuid.NewString(),
		Title:     title,
		Status:    models.MissionPlanned,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO missions(mission_id, title, status, progress, created_at) VALUES($1, $2, $3, 0, $4)`,
		m.MissionID, m.Title, m.Status, msOf(m.CreatedAt))
	if err != nil {
		return store.Mission{}, err
	}
	return m, nil
}

func (s *Store) GetMission(ctx context.Context, missionID string) (store.Mission, error) {
	row := s.Pool.QueryRow(ctx, `
SELECT m.mission_id, m.title, m.status, m.progress, m.created_at, m.started_at, m.completed_at,
  (SELECT COUNT(*) FROM todos t WHERE t.mission_id = m.mission_id) AS todo_count
FROM missions m WHERE m.mission_id = $1`, missionID)
	return scanMission(row)
}

func scanMission(row rowScanner) (store.Mission, error) {
	var (
		m                    store.Mission
		createdAt            int64
		startedAt, completed sql.NullInt64
	)
	err := row.Scan(&m.MissionID, &m.Title, &m.Status, &m.Progress, &createdAt, &startedAt, &completed, &m.TodoCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Mission{}, fault.NotFound("mission not found")
		}
		return store.Mission{}, err
	}
	m.CreatedAt = timeFromMs(createdAt)
	m.StartedAt = timePtr(startedAt)
	m.CompletedAt = timePtr(completed)
	return m, nil
}

func (s *Store) ListMissions(ctx context.Context) ([]store.Mission, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT m.mission_id, m.title, m.status, m.progress, m.created_at, m.started_at, m.completed_at,
  (SELECT COUNT(*) FROM todos t WHERE t.mission_id = m.mission_id) AS todo_count
FROM missions m ORDER BY m.created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SetMissionStatus(ctx context.Context, missionID, status string, startedAt, completedAt *time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE missions SET status = $1, started_at = COALESCE($2, started_at), completed_at = COALESCE($3, completed_at) WHERE mission_id = $4`,
		status, msPtr(startedAt), msPtr(completedAt), missionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFound("mission not found")
	}
	return nil
}

func (s *Store) SetMissionProgress(ctx context.Context, missionID string, progress int) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE missions SET progress = $1 WHERE mission_id = $2`, progress, missionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFound("mission not found")
	}
	return nil
}

func (s *Store) DeleteMission(ctx context.Context, missionID string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM missions WHERE mission_id = $1`, missionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFound("mission not found")
	}
	return nil
}

// --- Todos ---

func (s *Store) CreateTodo(ctx context.Context, missionID, title string, position int) (store.Todo, error) {
	if title == "" {
		return store.Todo{}, fault.BadRequest("todo title required")
	}
	if _, err := s.GetMission(ctx, missionID); err != nil {
		return store.Todo{}, err
	}

	t := store.Todo{
		TodoID:    uuid.NewString(),
		MissionID: missionID,
		Title:     title,
		Status:    models.TodoPending,
		Position:  position,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return store.Todo{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO todos(todo_id, mission_id, title, status, position, created_at) VALUES($1, $2, $3, $4, $5, $6)`,
		t.TodoID, t.MissionID, t.Title, t.Status, t.Position, msOf(t.CreatedAt)); err != nil {
		return store.Todo{}, err
	}
	// The six steps are created atomically with the todo, one per kind, in
	// canonical order.
	for i, kind := range models.StepKinds {
		if _, err := tx.Exec(ctx,
			`INSERT INTO steps(todo_id, kind, position, status) VALUES($1, $2, $3, $4)`,
			t.TodoID, kind, i, models.StepPending); err != nil {
			return store.Todo{}, err
		}
		t.Steps = append(t.Steps, store.Step{TodoID: t.TodoID, Kind: kind, Status: models.StepPending})
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Todo{}, err
	}
	return t, nil
}

const todoCols = `todo_id, mission_id, title, status, position, created_at, started_at, completed_at, actual_duration`

func (s *Store) GetTodo(ctx context.Context, todoID string) (store.Todo, error) {
	var (
		t                    store.Todo
		createdAt            int64
		startedAt, completed sql.NullInt64
	)
	err := s.Pool.QueryRow(ctx, `SELECT `+todoCols+` FROM todos WHERE todo_id = $1`, todoID).Scan(
		&t.TodoID, &t.MissionID, &t.Title, &t.Status, &t.Position,
		&createdAt, &startedAt, &completed, &t.ActualDuration)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Todo{}, fault.NotFound("todo not found: %s", todoID)
		}
		return store.Todo{}, err
	}
	t.CreatedAt = timeFromMs(createdAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completed)

	if t.Steps, err = s.ListSteps(ctx, todoID); err != nil {
		return store.Todo{}, err
	}
	if t.DependsOn, err = s.listDependencies(ctx, todoID); err != nil {
		return store.Todo{}, err
	}
	return t, nil
}

func (s *Store) listDependencies(ctx context.Context, todoID string) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT depends_on FROM todo_dependencies WHERE todo_id = $1 ORDER BY depends_on`, todoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ListTodos(ctx context.Context, missionID string, limit int) ([]store.Todo, error) {
	if limit <= 0 {
		limit = models.DefaultTodoListLimit
	}
	rows, err := s.Pool.Query(ctx, `
SELECT `+todoCols+` FROM todos WHERE mission_id = $1 ORDER BY position ASC, created_at ASC LIMIT $2`, missionID, limit)
	if err != nil {
		return nil, err
	}
	return s.collectTodos(ctx, rows)
}

func (s *Store) ListPendingTodos(ctx context.Context) ([]store.Todo, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT `+todoCols+` FROM todos WHERE status = $1 ORDER BY created_at ASC`, models.TodoPending)
	if err != nil {
		return nil, err
	}
	return s.collectTodos(ctx, rows)
}

func (s *Store) collectTodos(ctx context.Context, rows pgx.Rows) ([]store.Todo, error) {
	defer rows.Close()

	var out []store.Todo
	for rows.Next() {
		var (
			t                    store.Todo
			createdAt            int64
			startedAt, completed sql.NullInt64
		)
		if err := rows.Scan(&t.TodoID, &t.MissionID, &t.Title, &t.Status, &t.Position,
			&createdAt, &startedAt, &completed, &t.ActualDuration); err != nil {
			return nil, err
		}
		t.CreatedAt = timeFromMs(createdAt)
		t.StartedAt = timePtr(startedAt)
		t.CompletedAt = timePtr(completed)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		deps, err := s.listDependencies(ctx, out[i].TodoID)
		if err != nil {
			return nil, err
		}
		out[i].DependsOn = deps
	}
	return out, nil
}

func (s *Store) SetTodoStatus(ctx context.Context, todoID, status string, startedAt, completedAt *time.Time, actualDuration int64) error {
	tag, err := s.Pool.Exec(ctx, `
UPDATE todos SET status = $1, started_at = COALESCE($2, started_at), completed_at = COALESCE($3, completed_at),
  actual_duration = CASE WHEN $4::bigint > 0 THEN $4::bigint ELSE actual_duration END
WHERE todo_id = $5`,
		status, msPtr(startedAt), msPtr(completedAt), actualDuration, todoID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFound("todo not found")
	}
	return nil
}

func (s *Store) AddTodoDependency(ctx context.Context, todoID, dependsOnID string) error {
	if todoID == dependsOnID {
		return fault.BadRequest("todo cannot depend on itself")
	}
	if _, err := s.GetTodo(ctx, todoID); err != nil {
		return err
	}
	if _, err := s.GetTodo(ctx, dependsOnID); err != nil {
		return err
	}
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO todo_dependencies(todo_id, depends_on) VALUES($1, $2) ON CONFLICT DO NOTHING`, todoID, dependsOnID)
	return err
}

func (s *Store) ListDependencyEdges(ctx context.Context) (map[string][]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT todo_id, depends_on FROM todo_dependencies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		out[from] = append(out[from], to)
	}
	return out, rows.Err()
}

// --- Steps ---

const stepCols = `todo_id, kind, status, output, started_at, completed_at`

func (s *Store) GetStep(ctx context.Context, todoID, kind string) (store.Step, error) {
	return scanStep(s.Pool.QueryRow(ctx,
		`SELECT `+stepCols+` FROM steps WHERE todo_id = $1 AND kind = $2`, todoID, kind))
}

func scanStep(row rowScanner) (store.Step, error) {
	var (
		st                   store.Step
		startedAt, completed sql.NullInt64
	)
	err := row.Scan(&st.TodoID, &st.Kind, &st.Status, &st.Output, &startedAt, &completed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Step{}, fault.NotFound("step not found")
		}
		return store.Step{}, err
	}
	st.StartedAt = timePtr(startedAt)
	st.CompletedAt = timePtr(completed)
	return st, nil
}

func (s *Store) ListSteps(ctx context.Context, todoID string) ([]store.Step, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+stepCols+` FROM steps WHERE todo_id = $1 ORDER BY position ASC`, todoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) SaveStep(ctx context.Context, step store.Step) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE steps SET status = $1, output = $2, started_at = $3, completed_at = $4 WHERE todo_id = $5 AND kind = $6`,
		step.Status, step.Output, msPtr(step.StartedAt), msPtr(step.CompletedAt), step.TodoID, step.Kind)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFound("step not found")
	}
	return nil
}

// --- Session mappings ---

const sessionCols = `todo_id, session_handle, conversation_id, status, current_step, input_tokens, output_tokens, last_activity_at`

func (s *Store) CreateSession(ctx context.Context, m store.SessionMapping) error {
	if m.TodoID == "" || m.SessionHandle == "" {
		return fault.BadRequest("todo id and session handle required")
	}
	if m.Status == "" {
		m.Status = models.SessionActive
	}
	if m.LastActivityAt.IsZero() {
		m.LastActivityAt = time.Now().UTC()
	}
	_, err := s.Pool.Exec(ctx, `
INSERT INTO session_mappings(todo_id, session_handle, conversation_id, status, current_step, input_tokens, output_tokens, last_activity_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT(todo_id) DO UPDATE SET session_handle=excluded.session_handle, status=excluded.status, last_activity_at=excluded.last_activity_at`,
		m.TodoID, m.SessionHandle, nullStr(m.ConversationID), m.Status, m.CurrentStep,
		m.InputTokens, m.OutputTokens, msOf(m.LastActivityAt))
	return err
}

func (s *Store) GetSessionByTodo(ctx context.Context, todoID string) (store.SessionMapping, error) {
	m, err := scanSession(s.Pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM session_mappings WHERE todo_id = $1`, todoID))
	if err != nil {
		return store.SessionMapping{}, err
	}
	return s.withTraces(ctx, m)
}

func (s *Store) GetSessionByHandle(ctx context.Context, handle string) (store.SessionMapping, error) {
	m, err := scanSession(s.Pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM session_mappings WHERE session_handle = $1`, handle))
	if err != nil {
		return store.SessionMapping{}, err
	}
	return s.withTraces(ctx, m)
}

func (s *Store) GetSessionByConversation(ctx context.Context, conversationID string) (store.SessionMapping, error) {
	m, err := scanSession(s.Pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM session_mappings WHERE conversation_id = $1`, conversationID))
	if err != nil {
		return store.SessionMapping{}, err
	}
	return s.withTraces(ctx, m)
}

func (s *Store) GetSessionByTrace(ctx context.Context, traceID string) (store.SessionMapping, error) {
	m, err := scanSession(s.Pool.QueryRow(ctx, `
SELECT m.todo_id, m.session_handle, m.conversation_id, m.status, m.current_step, m.input_tokens, m.output_tokens, m.last_activity_at
FROM session_mappings m JOIN session_traces t ON t.todo_id = m.todo_id
WHERE t.trace_id = $1`, traceID))
	if err != nil {
		return store.SessionMapping{}, err
	}
	return s.withTraces(ctx, m)
}

func scanSession(row rowScanner) (store.SessionMapping, error) {
	var (
		m        store.SessionMapping
		conv     sql.NullString
		activity int64
	)
	err := row.Scan(&m.TodoID, &m.SessionHandle, &conv, &m.Status, &m.CurrentStep,
		&m.InputTokens, &m.OutputTokens, &activity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.SessionMapping{}, fault.NotFound("session mapping not found")
		}
		return store.SessionMapping{}, err
	}
	m.ConversationID = conv.String
	m.LastActivityAt = timeFromMs(activity)
	return m, nil
}

func (s *Store) withTraces(ctx context.Context, m store.SessionMapping) (store.SessionMapping, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT trace_id FROM session_traces WHERE todo_id = $1 ORDER BY position ASC`, m.TodoID)
	if err != nil {
		return store.SessionMapping{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var tr string
		if err := rows.Scan(&tr); err != nil {
			return store.SessionMapping{}, err
		}
		m.TraceIDs = append(m.TraceIDs, tr)
	}
	return m, rows.Err()
}

func (s *Store) SetSessionStatus(ctx context.Context, todoID, status string, at time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE session_mappings SET status = $1, last_activity_at = $2 WHERE todo_id = $3`,
		status, msOf(at), todoID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFound("session mapping not found")
	}
	return nil
}

func (s *Store) SetSessionCurrentStep(ctx context.Context, todoID, kind string, at time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE session_mappings SET current_step = $1, last_activity_at = $2 WHERE todo_id = $3`,
		kind, msOf(at), todoID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFound("session mapping not found")
	}
	return nil
}

func (s *Store) SetSessionConversation(ctx context.Context, todoID, conversationID string, at time.Time) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE session_mappings SET conversation_id = $1, last_activity_at = $2 WHERE todo_id = $3`,
		nullStr(conversationID), msOf(at), todoID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFound("session mapping not found")
	}
	return nil
}

func (s *Store) AddSessionTrace(ctx context.Context, todoID, traceID string, at time.Time) (bool, error) {
	if traceID == "" {
		return false, fault.BadRequest("trace id required")
	}
	tag, err := s.Pool.Exec(ctx, `
INSERT INTO session_traces(todo_id, trace_id, position)
VALUES($1, $2, (SELECT COUNT(*) FROM session_traces WHERE todo_id = $1))
ON CONFLICT DO NOTHING`, todoID, traceID)
	if err != nil {
		return false, err
	}
	added := tag.RowsAffected() > 0
	if added {
		_, _ = s.Pool.Exec(ctx, `UPDATE session_mappings SET last_activity_at = $1 WHERE todo_id = $2`, msOf(at), todoID)
	}
	return added, nil
}

func (s *Store) AddSessionUsage(ctx context.Context, todoID string, inputTokens, outputTokens int64, at time.Time) error {
	if inputTokens < 0 || outputTokens < 0 {
		return fault.BadRequest("usage deltas must be non-negative")
	}
	tag, err := s.Pool.Exec(ctx, `
UPDATE session_mappings SET input_tokens = input_tokens + $1, output_tokens = output_tokens + $2, last_activity_at = $3
WHERE todo_id = $4`, inputTokens, outputTokens, msOf(at), todoID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFound("session mapping not found")
	}
	return nil
}

// --- Agent presence ---

func (s *Store) GetPresence(ctx context.Context, scope string) (store.AgentPresence, error) {
	var (
		p              store.AgentPresence
		hb, conn, disc sql.NullInt64
	)
	err := s.Pool.QueryRow(ctx, `
SELECT scope, status, last_heartbeat_at, connected_at, disconnected_at, current_todo_id, current_todo_title, active_todo_count
FROM agent_presence WHERE scope = $1`, scope).Scan(
		&p.Scope, &p.Status, &hb, &conn, &disc, &p.CurrentTodoID, &p.CurrentTitle, &p.ActiveTodoCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.AgentPresence{}, fault.NotFound("presence not found: %s", scope)
		}
		return store.AgentPresence{}, err
	}
	p.LastHeartbeatAt = timePtr(hb)
	p.ConnectedAt = timePtr(conn)
	p.DisconnectedAt = timePtr(disc)
	return p, nil
}

func (s *Store) UpsertPresence(ctx context.Context, p store.AgentPresence) error {
	if p.Scope == "" {
		return fault.BadRequest("presence scope required")
	}
	_, err := s.Pool.Exec(ctx, `
INSERT INTO agent_presence(scope, status, last_heartbeat_at, connected_at, disconnected_at, current_todo_id, current_todo_title, active_todo_count)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT(scope) DO UPDATE SET status=excluded.status, last_heartbeat_at=excluded.last_heartbeat_at, connected_at=excluded.connected_at, disconnected_at=excluded.disconnected_at, current_todo_id=excluded.current_todo_id, current_todo_title=excluded.current_todo_title, active_todo_count=excluded.active_todo_count`,
		p.Scope, p.Status, msPtr(p.LastHeartbeatAt), msPtr(p.ConnectedAt), msPtr(p.DisconnectedAt),
		p.CurrentTodoID, p.CurrentTitle, p.ActiveTodoCount)
	return err
}

func (s *Store) SweepPresence(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	// Only ever moves records toward offline, so concurrent sweeps are idempotent.
	tag, err := s.Pool.Exec(ctx, `
UPDATE agent_presence SET status = $1, disconnected_at = $2
WHERE status != $1 AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $3)`,
		models.PresenceOffline, msOf(now), msOf(staleBefore))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Audit ---

func (s *Store) AppendAudit(ctx context.Context, rec store.AuditRecord) error {
	if rec.AuditID == "" {
		rec.AuditID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO audit_records(audit_id, todo_id, step_kind, detail, created_at) VALUES($1, $2, $3, $4, $5)`,
		rec.AuditID, rec.TodoID, rec.StepKind, rec.Detail, msOf(rec.CreatedAt))
	return err
}

func (s *Store) ListAudit(ctx context.Context, todoID string, limit int) ([]store.AuditRecord, error) {
	if limit <= 0 {
		limit = models.DefaultAuditListLimit
	}
	rows, err := s.Pool.Query(ctx, `
SELECT audit_id, todo_id, step_kind, detail, created_at
FROM audit_records WHERE todo_id = $1 ORDER BY created_at ASC, audit_id ASC LIMIT $2`, todoID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AuditRecord
	for rows.Next() {
		var (
			rec       store.AuditRecord
			createdAt int64
		)
		if err := rows.Scan(&rec.AuditID, &rec.TodoID, &rec.StepKind, &rec.Detail, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = timeFromMs(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
