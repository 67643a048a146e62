// Package workspace creates, populates, collects from, and reclaims the
// per-task directory trees used by the process-exec back-end.
package workspace

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zephyros/executor/internal/common/logger"
	v1 "github.com/zephyros/executor/pkg/api/v1"
)

// inlineLimit is the size below which text-like artifacts are inlined.
const inlineLimit = 100_000

// inlineSuffixes are the file suffixes eligible for inline content.
var inlineSuffixes = map[string]bool{
	".txt": true, ".json": true, ".md": true, ".log": true,
}

// Settings is the back-end settings document written into each workspace's
// hidden config subtree.
type Settings struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	AutoApprove bool    `json:"auto_approve"`
}

// Info summarises one workspace directory.
type Info struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// Manager owns the workspace base directory.
type Manager struct {
	base     string
	settings Settings
	logger   *logger.Logger
}

// NewManager creates a workspace manager rooted at base, creating base if
// needed.
func NewManager(base string, settings Settings, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("create workspace base: %w", err)
	}
	return &Manager{
		base:     base,
		settings: settings,
		logger:   log.WithFields(zap.String("component", "workspace-manager")),
	}, nil
}

// Base returns the workspace base directory.
func (m *Manager) Base() string { return m.base }

// Create builds an isolated workspace for a task: <task_id>_<timestamp> with
// input/, output/, logs/ and the hidden settings subtree.
func (m *Manager) Create(taskID string) (string, error) {
	stamp := time.Now().Format("20060102_150405")
	path := filepath.Join(m.base, fmt.Sprintf("%s_%s", taskID, stamp))

	for _, dir := range []string{path, filepath.Join(path, "input"), filepath.Join(path, "output"), filepath.Join(path, "logs")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create workspace %s: %w", taskID, err)
		}
	}

	hidden := filepath.Join(path, ".zephyr")
	if err := os.MkdirAll(hidden, 0755); err != nil {
		return "", fmt.Errorf("create workspace config dir: %w", err)
	}
	data, err := json.MarshalIndent(m.settings, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(hidden, "settings.json"), data, 0644); err != nil {
		return "", fmt.Errorf("write workspace settings: %w", err)
	}

	m.logger.WithTaskID(taskID).Debug("created workspace", zap.String("path", path))
	return path, nil
}

// Populate writes the descriptor's files under input/ (preserving relative
// paths) and the context document at the workspace root.
func (m *Manager) Populate(path string, files map[string]string, context map[string]interface{}) error {
	inputDir := filepath.Join(path, "input")
	for name, content := range files {
		target := filepath.Join(inputDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("create input subtree for %s: %w", name, err)
		}
		if err := os.WriteFile(target, []byte(content), 0644); err != nil {
			return fmt.Errorf("write input file %s: %w", name, err)
		}
	}

	if len(context) > 0 {
		data, err := json.MarshalIndent(context, "", "  ")
		if err != nil {
			return fmt.Errorf("encode task context: %w", err)
		}
		if err := os.WriteFile(filepath.Join(path, "task_context.json"), data, 0644); err != nil {
			return fmt.Errorf("write task context: %w", err)
		}
	}
	return nil
}

// CollectArtifacts walks output/ and records every regular file. Small
// text-like files carry their content inline; undecodable content is dropped
// silently.
func (m *Manager) CollectArtifacts(path string) []v1.Artifact {
	outputDir := filepath.Join(path, "output")
	var artifacts []v1.Artifact

	err := filepath.WalkDir(outputDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(outputDir, p)
		if err != nil {
			return nil
		}

		suffix := filepath.Ext(p)
		artifact := v1.Artifact{
			Name:         d.Name(),
			RelativePath: filepath.ToSlash(rel),
			SizeBytes:    info.Size(),
			TypeHint:     typeHint(suffix),
		}
		if info.Size() < inlineLimit && inlineSuffixes[suffix] {
			if data, err := os.ReadFile(p); err == nil && utf8.Valid(data) {
				artifact.InlineContent = string(data)
			}
		}
		artifacts = append(artifacts, artifact)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		m.logger.WithError(err).Error("artifact collection failed", zap.String("workspace", path))
	}

	return artifacts
}

func typeHint(suffix string) string {
	if suffix == "" {
		return "unknown"
	}
	return suffix
}

// Destroy removes the entire workspace tree. Failures are logged, not
// propagated.
func (m *Manager) Destroy(path string) {
	if err := os.RemoveAll(path); err != nil {
		m.logger.WithError(err).Error("failed to destroy workspace", zap.String("workspace", path))
		return
	}
	m.logger.Debug("destroyed workspace", zap.String("workspace", path))
}

// List returns a summary of every workspace under the base directory.
func (m *Manager) List() []Info {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		m.logger.WithError(err).Error("failed to list workspaces")
		return nil
	}

	var out []Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.base, entry.Name())
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{
			Path:      path,
			Name:      entry.Name(),
			CreatedAt: fi.ModTime(),
			SizeBytes: treeSize(path),
		})
	}
	return out
}

func treeSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// ReapOlderThan removes workspaces whose creation time is more than maxAge
// in the past. Failures are logged and skipped.
func (m *Manager) ReapOlderThan(maxAge time.Duration) int {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		m.logger.WithError(err).Error("failed to scan workspaces for reaping")
		return 0
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().Before(cutoff) {
			path := filepath.Join(m.base, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				m.logger.WithError(err).Warn("failed to reap workspace", zap.String("workspace", path))
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("reaped old workspaces", zap.Int("count", removed))
	}
	return removed
}
