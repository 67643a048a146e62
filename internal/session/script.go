package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// exitCodeFile is where the generated run script records the tool's exit
// status, relative to the workspace root. Windowed launches have no process
// handle to reap, so this file is the only reliable source of the code.
const exitCodeFile = "logs/exit_code"

// EscapePrompt makes a prompt safe for embedding in a single-quoted shell
// literal: every single quote becomes the close-requote sequence '"'"'.
func EscapePrompt(prompt string) string {
	return strings.ReplaceAll(prompt, "'", `'"'"'`)
}

// writeRunScript synthesises the shell script executed inside a terminal
// window. The script runs the tool from the workspace, tees combined output
// into the session log, and records the tool's exit code under logs/.
func writeRunScript(s *Session, toolPath, prompt string) (string, error) {
	scriptPath := filepath.Join(s.Workspace, fmt.Sprintf("%s_run.sh", s.TaskID))

	script := fmt.Sprintf(`#!/bin/bash
cd "%s"

echo "=== ZephyrOS Task Execution ==="
echo "Task ID: %s"
echo "Started: $(date)"
echo "================================"
echo ""

%s '%s' 2>&1 | tee "%s"
exit_code=${PIPESTATUS[0]}
echo "$exit_code" > "%s"

echo ""
echo "================================"
echo "Finished: $(date)"
echo "Exit code: $exit_code"
echo "================================"

sleep 2

exit $exit_code
`,
		s.Workspace,
		s.TaskID,
		toolPath, EscapePrompt(prompt), s.OutputLog,
		filepath.Join(s.Workspace, exitCodeFile),
	)

	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		return "", fmt.Errorf("write run script: %w", err)
	}
	return scriptPath, nil
}
