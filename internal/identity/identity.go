// Package identity resolves who is driving the CLI, so manual status changes
// carry operator attribution in the audit trail. Detection uses git config;
// the result is cached under the missiond home.
package identity

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Operator identifies the human issuing commands.
type Operator struct {
	Name   string `yaml:"name"`
	Email  string `yaml:"email,omitempty"`
	Source string `yaml:"source,omitempty"` // "git", "cached", or "fallback"
}

// Path returns the cached operator file under home.
func Path(home string) string {
	return filepath.Join(home, "operator.yaml")
}

// DetectFromGit reads user.name and user.email from git config.
func DetectFromGit(ctx context.Context) (Operator, error) {
	name, err := gitConfig(ctx, "user.name")
	if err != nil || name == "" {
		return Operator{}, err
	}
	email, _ := gitConfig(ctx, "user.email")
	return Operator{Name: name, Email: email, Source: "git"}, nil
}

func gitConfig(ctx context.Context, key string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "config", "--get", key).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Load reads the cached operator file.
func Load(home string) (Operator, error) {
	b, err := os.ReadFile(Path(home))
	if err != nil {
		return Operator{}, err
	}
	var op Operator
	if err := yaml.Unmarshal(b, &op); err != nil {
		return Operator{}, err
	}
	op.Source = "cached"
	return op, nil
}

// Save writes the operator file, creating home if needed.
func Save(home string, op Operator) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(op)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(home), b, 0o600)
}

// Resolve returns the best available operator identity: the cached file, then
// git detection (cached for next time), then a fallback name. Never fails.
func Resolve(ctx context.Context, home string) Operator {
	if op, err := Load(home); err == nil && op.Name != "" {
		return op
	}
	if op, err := DetectFromGit(ctx); err == nil && op.Name != "" {
		_ = Save(home, op)
		return op
	}
	return Operator{Name: "operator", Source: "fallback"}
}
