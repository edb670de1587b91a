// Package journal keeps a human-readable markdown record per mission: one
// appended block per finished todo. The journal is derived history for the
// operator; the audit records in the store remain the machine record.
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry represents one block appended to a mission's journal.
type Entry struct {
	TodoID    string
	TodoTitle string
	Outcome   string // e.g. "done", "failed"
	Duration  time.Duration
	Steps     []string // completed step kinds, canonical order
	CreatedAt time.Time
}

// Book appends and reads mission journals under <home>/missions/<mission_id>/.
type Book struct {
	Home string
}

// MissionDir returns the journal directory for a mission.
func (b *Book) MissionDir(missionID string) string {
	return filepath.Join(b.Home, "missions", safeName(missionID))
}

// Path returns the journal file for a mission.
func (b *Book) Path(missionID string) string {
	return filepath.Join(b.MissionDir(missionID), "journal.md")
}

// Append adds an entry to the mission's journal. Creates the mission directory
// and journal file if they do not exist.
func (b *Book) Append(ctx context.Context, missionID string, e Entry) error {
	dir := b.MissionDir(missionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create mission dir: %w", err)
	}
	f, err := os.OpenFile(b.Path(missionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(formatBlock(e)); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

func formatBlock(e Entry) string {
	var b strings.Builder
	b.WriteString("\n---\n\n")
	b.WriteString("## ")
	b.WriteString(e.CreatedAt.Format("2006-01-02 15:04"))
	if e.TodoTitle != "" {
		b.WriteString(" - ")
		b.WriteString(e.TodoTitle)
	}
	b.WriteString("\n\n")
	if e.TodoID != "" {
		b.WriteString("- **Todo:** ")
		b.WriteString(e.TodoID)
		b.WriteString("\n")
	}
	if e.Outcome != "" {
		b.WriteString("- **Outcome:** ")
		b.WriteString(e.Outcome)
		b.WriteString("\n")
	}
	if e.Duration > 0 {
		b.WriteString("- **Duration:** ")
		b.WriteString(e.Duration.Round(time.Second).String())
		b.WriteString("\n")
	}
	if len(e.Steps) > 0 {
		b.WriteString("- **Steps:** ")
		b.WriteString(strings.Join(e.Steps, ", "))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// Read returns the raw markdown tail of the mission journal. A limit of 0
// means the whole file; a missing file reads as empty.
func (b *Book) Read(ctx context.Context, missionID string, limitBytes int) (string, error) {
	data, err := os.ReadFile(b.Path(missionID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	s := string(data)
	if limitBytes <= 0 || len(s) <= limitBytes {
		return s, nil
	}
	return s[len(s)-limitBytes:], nil
}

func safeName(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), string(filepath.Separator), "_")
}
