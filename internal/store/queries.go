package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mgrt/missiond/internal/fault"
	"github.com/mgrt/missiond/pkg/models"
)

// Timestamps are stored as unix milliseconds to keep webhook-provided epoch-ms
// timestamps lossless.

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

// --- Missions ---

func (s *sqliteStore) CreateMission(ctx context.Context, title string) (Mission, error) {
	if title == "" {
		return Mission{}, fault.BadRequest("mission title required")
	}
	m := Mission{
		MissionID: uuid.NewString(),
		Title:     title,
		Status:    models.MissionPlanned,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO missions(mission_id, title, status, progress, created_at) VALUES(?, ?, ?, 0, ?)`,
		m.MissionID, m.Title, m.Status, msOf(m.CreatedAt))
	if err != nil {
		return Mission{}, err
	}
	return m, nil
}

func (s *sqliteStore) GetMission(ctx context.Context, missionID string) (Mission, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT m.mission_id, m.title, m.status, m.progress, m.created_at, m.started_at, m.completed_at,
  (SELECT COUNT(*) FROM todos t WHERE t.mission_id = m.mission_id) AS todo_count
FROM missions m WHERE m.mission_id = ?`, missionID)
	return scanMission(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (Mission, error) {
	var (
		m                    Mission
		createdAt            int64
		startedAt, completed sql.NullInt64
	)
	err := row.Scan(&m.MissionID, &m.Title, &m.Status, &m.Progress, &createdAt, &startedAt, &completed, &m.TodoCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Mission{}, fault.NotFound("mission not found")
		}
		return Mission{}, err
	}
	m.CreatedAt = timeFromMs(createdAt)
	m.StartedAt = timePtr(startedAt)
	m.CompletedAt = timePtr(completed)
	return m, nil
}

func (s *sqliteStore) ListMissions(ctx context.Context) ([]Mission, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT m.mission_id, m.title, m.status, m.progress, m.created_at, m.started_at, m.completed_at,
  (SELECT COUNT(*) FROM todos t WHERE t.mission_id = m.mission_id) AS todo_count
FROM missions m ORDER BY m.created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetMissionStatus(ctx context.Context, missionID, status string, startedAt, completedAt *time.Time) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE missions SET status = ?, started_at = COALESCE(?, started_at), completed_at = COALESCE(?, completed_at) WHERE mission_id = ?`,
		status, msPtr(startedAt), msPtr(completedAt), missionID)
	if err != nil {
		return err
	}
	return checkFound(res, "mission not found")
}

func (s *sqliteStore) SetMissionProgress(ctx context.Context, missionID string, progress int) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE missions SET progress = ? WHERE mission_id = ?`, progress, missionID)
	if err != nil {
		return err
	}
	return checkFound(res, "mission not found")
}

func (s *sqliteStore) DeleteMission(ctx context.Context, missionID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM missions WHERE mission_id = ?`, missionID)
	if err != nil {
		return err
	}
	return checkFound(res, "mission not found")
}

func checkFound(res sql.Result, msg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.NotFound("%s", msg)
	}
	return nil
}

// --- Todos ---

func (s *sqliteStore) CreateTodo(ctx context.Context, missionID, title string, position int) (Todo, error) {
	if title == "" {
		return Todo{}, fault.BadRequest("todo title required")
	}
	if _, err := s.GetMission(ctx, missionID); err != nil {
		return Todo{}, err
	}

	t := Todo{
		TodoID:    uuid.NewString(),
		MissionID: missionID,
		Title:     title,
		Status:    models.TodoPending,
		Position:  position,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Todo{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO todos(todo_id, mission_id, title, status, position, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		t.TodoID, t.MissionID, t.Title, t.Status, t.Position, msOf(t.CreatedAt)); err != nil {
		return Todo{}, err
	}
	// The six steps are created atomically with the todo, one per kind, in
	// canonical order.
	for i, kind := range models.StepKinds {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps(todo_id, kind, position, status) VALUES(?, ?, ?, ?)`,
			t.TodoID, kind, i, models.StepPending); err != nil {
			return Todo{}, err
		}
		t.Steps = append(t.Steps, Step{TodoID: t.TodoID, Kind: kind, Status: models.StepPending})
	}
	if err := tx.Commit(); err != nil {
		return Todo{}, err
	}
	return t, nil
}

func (s *sqliteStore) GetTodo(ctx context.Context, todoID string) (Todo, error) {
	var (
		t                    Todo
		createdAt            int64
		startedAt, completed sql.NullInt64
	)
	err := s.stmtGetTodo.QueryRowContext(ctx, todoID).Scan(
		&t.TodoID, &t.MissionID, &t.Title, &t.Status, &t.Position,
		&createdAt, &startedAt, &completed, &t.ActualDuration)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Todo{}, fault.NotFound("todo not found: %s", todoID)
		}
		return Todo{}, err
	}
	t.CreatedAt = timeFromMs(createdAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completed)

	if t.Steps, err = s.ListSteps(ctx, todoID); err != nil {
		return Todo{}, err
	}
	if t.DependsOn, err = s.listDependencies(ctx, todoID); err != nil {
		return Todo{}, err
	}
	return t, nil
}

func (s *sqliteStore) listDependencies(ctx context.Context, todoID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT depends_on FROM todo_dependencies WHERE todo_id = ? ORDER BY depends_on`, todoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *sqliteStore) ListTodos(ctx context.Context, missionID string, limit int) ([]Todo, error) {
	if limit <= 0 {
		limit = models.DefaultTodoListLimit
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT todo_id, mission_id, title, status, position, created_at, started_at, completed_at, actual_duration
FROM todos WHERE mission_id = ? ORDER BY position ASC, created_at ASC LIMIT ?`, missionID, limit)
	if err != nil {
		return nil, err
	}
	return s.collectTodos(ctx, rows)
}

func (s *sqliteStore) ListPendingTodos(ctx context.Context) ([]Todo, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT todo_id, mission_id, title, status, position, created_at, started_at, completed_at, actual_duration
FROM todos WHERE status = ? ORDER BY created_at ASC`, models.TodoPending)
	if err != nil {
		return nil, err
	}
	return s.collectTodos(ctx, rows)
}

func (s *sqliteStore) collectTodos(ctx context.Context, rows *sql.Rows) ([]Todo, error) {
	defer func() { _ = rows.Close() }()

	var out []Todo
	for rows.Next() {
		var (
			t                    Todo
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

func (s *sqliteStore) SetTodoStatus(ctx context.Context, todoID, status string, startedAt, completedAt *time.Time, actualDuration int64) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE todos SET status = ?, started_at = COALESCE(?, started_at), completed_at = COALESCE(?, completed_at),
  actual_duration = CASE WHEN ? > 0 THEN ? ELSE actual_duration END
WHERE todo_id = ?`,
		status, msPtr(startedAt), msPtr(completedAt), actualDuration, actualDuration, todoID)
	if err != nil {
		return err
	}
	return checkFound(res, "todo not found")
}

func (s *sqliteStore) AddTodoDependency(ctx context.Context, todoID, dependsOnID string) error {
	if todoID == dependsOnID {
		return fault.BadRequest("todo cannot depend on itself")
	}
	if _, err := s.GetTodo(ctx, todoID); err != nil {
		return err
	}
	if _, err := s.GetTodo(ctx, dependsOnID); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO todo_dependencies(todo_id, depends_on) VALUES(?, ?)`, todoID, dependsOnID)
	return err
}

func (s *sqliteStore) ListDependencyEdges(ctx context.Context) (map[string][]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT todo_id, depends_on FROM todo_dependencies`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *sqliteStore) GetStep(ctx context.Context, todoID, kind string) (Step, error) {
	return scanStep(s.stmtGetStep.QueryRowContext(ctx, todoID, kind))
}

func scanStep(row rowScanner) (Step, error) {
	var (
		st                   Step
		startedAt, completed sql.NullInt64
	)
	err := row.Scan(&st.TodoID, &st.Kind, &st.Status, &st.Output, &startedAt, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Step{}, fault.NotFound("step not found")
		}
		return Step{}, err
	}
	st.StartedAt = timePtr(startedAt)
	st.CompletedAt = timePtr(completed)
	return st, nil
}

func (s *sqliteStore) ListSteps(ctx context.Context, todoID string) ([]Step, error) {
	rows, err := s.stmtListSteps.QueryContext(ctx, todoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveStep(ctx context.Context, step Step) error {
	res, err := s.stmtSaveStep.ExecContext(ctx,
		step.Status, step.Output, msPtr(step.StartedAt), msPtr(step.CompletedAt), step.TodoID, step.Kind)
	if err != nil {
		return err
	}
	return checkFound(res, "step not found")
}

// --- Session mappings ---

func (s *sqliteStore) CreateSession(ctx context.Context, m SessionMapping) error {
	if m.TodoID == "" || m.SessionHandle == "" {
		return fault.BadRequest("todo id and session handle required")
	}
	if m.Status == "" {
		m.Status = models.SessionActive
	}
	if m.LastActivityAt.IsZero() {
		m.LastActivityAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO session_mappings(todo_id, session_handle, conversation_id, status, current_step, input_tokens, output_tokens, last_activity_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(todo_id) DO UPDATE SET session_handle=excluded.session_handle, status=excluded.status, last_activity_at=excluded.last_activity_at`,
		m.TodoID, m.SessionHandle, nullStr(m.ConversationID), m.Status, m.CurrentStep,
		m.InputTokens, m.OutputTokens, msOf(m.LastActivityAt))
	return err
}

func (s *sqliteStore) GetSessionByTodo(ctx context.Context, todoID string) (SessionMapping, error) {
	m, err := scanSession(s.stmtSessionByTodo.QueryRowContext(ctx, todoID))
	if err != nil {
		return SessionMapping{}, err
	}
	return s.withTraces(ctx, m)
}

const sessionCols = `todo_id, session_handle, conversation_id, status, current_step, input_tokens, output_tokens, last_activity_at`

func (s *sqliteStore) GetSessionByHandle(ctx context.Context, handle string) (SessionMapping, error) {
	m, err := scanSession(s.DB.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM session_mappings WHERE session_handle = ?`, handle))
	if err != nil {
		return SessionMapping{}, err
	}
	return s.withTraces(ctx, m)
}

func (s *sqliteStore) GetSessionByConversation(ctx context.Context, conversationID string) (SessionMapping, error) {
	m, err := scanSession(s.DB.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM session_mappings WHERE conversation_id = ?`, conversationID))
	if err != nil {
		return SessionMapping{}, err
	}
	return s.withTraces(ctx, m)
}

func (s *sqliteStore) GetSessionByTrace(ctx context.Context, traceID string) (SessionMapping, error) {
	m, err := scanSession(s.DB.QueryRowContext(ctx, `
SELECT m.todo_id, m.session_handle, m.conversation_id, m.status, m.current_step, m.input_tokens, m.output_tokens, m.last_activity_at
FROM session_mappings m JOIN session_traces t ON t.todo_id = m.todo_id
WHERE t.trace_id = ?`, traceID))
	if err != nil {
		return SessionMapping{}, err
	}
	return s.withTraces(ctx, m)
}

func scanSession(row rowScanner) (SessionMapping, error) {
	var (
		m        SessionMapping
		conv     sql.NullString
		activity int64
	)
	err := row.Scan(&m.TodoID, &m.SessionHandle, &conv, &m.Status, &m.CurrentStep,
		&m.InputTokens, &m.OutputTokens, &activity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionMapping{}, fault.NotFound("session mapping not found")
		}
		return SessionMapping{}, err
	}
	m.ConversationID = conv.String
	m.LastActivityAt = timeFromMs(activity)
	return m, nil
}

func (s *sqliteStore) withTraces(ctx context.Context, m SessionMapping) (SessionMapping, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT trace_id FROM session_traces WHERE todo_id = ? ORDER BY position ASC`, m.TodoID)
	if err != nil {
		return SessionMapping{}, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var tr string
		if err := rows.Scan(&tr); err != nil {
			return SessionMapping{}, err
		}
		m.TraceIDs = append(m.TraceIDs, tr)
	}
	return m, rows.Err()
}

func (s *sqliteStore) SetSessionStatus(ctx context.Context, todoID, status string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE session_mappings SET status = ?, last_activity_at = ? WHERE todo_id = ?`,
		status, msOf(at), todoID)
	if err != nil {
		return err
	}
	return checkFound(res, "session mapping not found")
}

func (s *sqliteStore) SetSessionCurrentStep(ctx context.Context, todoID, kind string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE session_mappings SET current_step = ?, last_activity_at = ? WHERE todo_id = ?`,
		kind, msOf(at), todoID)
	if err != nil {
		return err
	}
	return checkFound(res, "session mapping not found")
}

func (s *sqliteStore) SetSessionConversation(ctx context.Context, todoID, conversationID string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE session_mappings SET conversation_id = ?, last_activity_at = ? WHERE todo_id = ?`,
		nullStr(conversationID), msOf(at), todoID)
	if err != nil {
		return err
	}
	return checkFound(res, "session mapping not found")
}

func (s *sqliteStore) AddSessionTrace(ctx context.Context, todoID, traceID string, at time.Time) (bool, error) {
	if traceID == "" {
		return false, fault.BadRequest("trace id required")
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT OR IGNORE INTO session_traces(todo_id, trace_id, position)
VALUES(?, ?, (SELECT COUNT(*) FROM session_traces WHERE todo_id = ?))`,
		todoID, traceID, todoID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		_, _ = s.stmtTouchActivity.ExecContext(ctx, msOf(at), todoID)
	}
	return n > 0, nil
}

func (s *sqliteStore) AddSessionUsage(ctx context.Context, todoID string, inputTokens, outputTokens int64, at time.Time) error {
	if inputTokens < 0 || outputTokens < 0 {
		return fault.BadRequest("usage deltas must be non-negative")
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE session_mappings SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, last_activity_at = ?
WHERE todo_id = ?`, inputTokens, outputTokens, msOf(at), todoID)
	if err != nil {
		return err
	}
	return checkFound(res, "session mapping not found")
}

// --- Agent presence ---

func (s *sqliteStore) GetPresence(ctx context.Context, scope string) (AgentPresence, error) {
	var (
		p              AgentPresence
		hb, conn, disc sql.NullInt64
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT scope, status, last_heartbeat_at, connected_at, disconnected_at, current_todo_id, current_todo_title, active_todo_count
FROM agent_presence WHERE scope = ?`, scope).Scan(
		&p.Scope, &p.Status, &hb, &conn, &disc, &p.CurrentTodoID, &p.CurrentTitle, &p.ActiveTodoCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentPresence{}, fault.NotFound("presence not found: %s", scope)
		}
		return AgentPresence{}, err
	}
	p.LastHeartbeatAt = timePtr(hb)
	p.ConnectedAt = timePtr(conn)
	p.DisconnectedAt = timePtr(disc)
	return p, nil
}

func (s *sqliteStore) UpsertPresence(ctx context.Context, p AgentPresence) error {
	if p.Scope == "" {
		return fault.BadRequest("presence scope required")
	}
	_, err := s.stmtUpsertPresence.ExecContext(ctx,
		p.Scope, p.Status, msPtr(p.LastHeartbeatAt), msPtr(p.ConnectedAt), msPtr(p.DisconnectedAt),
		p.CurrentTodoID, p.CurrentTitle, p.ActiveTodoCount)
	return err
}

func (s *sqliteStore) SweepPresence(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	// Only ever moves records toward offline, so concurrent sweeps are idempotent.
	res, err := s.DB.ExecContext(ctx, `
UPDATE agent_presence SET status = ?, disconnected_at = ?
WHERE status != ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)`,
		models.PresenceOffline, msOf(now), models.PresenceOffline, msOf(staleBefore))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Audit ---

func (s *sqliteStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	if rec.AuditID == "" {
		rec.AuditID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.stmtAppendAudit.ExecContext(ctx,
		rec.AuditID, rec.TodoID, rec.StepKind, rec.Detail, msOf(rec.CreatedAt))
	return err
}

func (s *sqliteStore) ListAudit(ctx context.Context, todoID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = models.DefaultAuditListLimit
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT audit_id, todo_id, step_kind, detail, created_at
FROM audit_records WHERE todo_id = ? ORDER BY created_at ASC, audit_id ASC LIMIT ?`, todoID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AuditRecord
	for rows.Next() {
		var (
			rec       AuditRecord
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
