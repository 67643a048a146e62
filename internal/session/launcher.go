package session

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/zephyros/executor/internal/common/config"
)

// launchTimeout bounds the terminal-application control call, not the tool
// itself.
const launchTimeout = 10 * time.Second

// Launcher opens a visible terminal window running the given script. It is a
// small OS-specific control channel; the launched process is observed through
// its log files and PID, never through a handle.
type Launcher interface {
	// Open asks the host terminal application to run scriptPath in a new
	// window titled title.
	Open(ctx context.Context, scriptPath, title string) error

	// Name identifies the adapter for logging.
	Name() string
}

// newLauncher returns the launcher for the requested window mode, or nil when
// the mode is headless or the host has no adapter (unknown hosts degrade to
// headless).
func newLauncher(mode config.WindowMode) Launcher {
	switch runtime.GOOS {
	case "darwin":
		switch mode {
		case config.WindowModeNative:
			return &terminalAppLauncher{}
		case config.WindowModeAlt:
			return &itermLauncher{}
		}
	case "linux":
		switch mode {
		case config.WindowModeNative:
			return &xdgTerminalLauncher{emulator: "x-terminal-emulator"}
		case config.WindowModeAlt:
			return &xdgTerminalLauncher{emulator: "xterm"}
		}
	}
	return nil
}

// terminalAppLauncher drives macOS Terminal.app through an OSA script.
type terminalAppLauncher struct{}

func (l *terminalAppLauncher) Name() string { return "Terminal.app" }

func (l *terminalAppLauncher) Open(ctx context.Context, scriptPath, title string) error {
	osa := fmt.Sprintf(`
tell application "Terminal"
    activate
    set newTab to do script "%s"
    set custom title of newTab to "%s"
end tell
`, scriptPath, title)
	return runOSA(ctx, osa)
}

// itermLauncher drives iTerm2 through an OSA script.
type itermLauncher struct{}

func (l *itermLauncher) Name() string { return "iTerm" }

func (l *itermLauncher) Open(ctx context.Context, scriptPath, title string) error {
	osa := fmt.Sprintf(`
tell application "iTerm"
    create window with default profile
    tell current session of current window
        write text "%s"
        set name to "%s"
    end tell
end tell
`, scriptPath, title)
	return runOSA(ctx, osa)
}

func runOSA(ctx context.Context, script string) error {
	ctx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "osascript", "-e", script).CombinedOutput()
	if err != nil {
		return fmt.Errorf("osascript failed: %w: %s", err, out)
	}
	return nil
}

// xdgTerminalLauncher opens a window through a conventional terminal
// emulator entry point on Linux desktops.
type xdgTerminalLauncher struct {
	emulator string
}

func (l *xdgTerminalLauncher) Name() string { return l.emulator }

func (l *xdgTerminalLauncher) Open(ctx context.Context, scriptPath, title string) error {
	ctx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, l.emulator, "-T", title, "-e", scriptPath)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", l.emulator, err)
	}
	// The emulator process is not the tool; release it and track the tool by
	// PID discovery instead.
	go func() { _ = cmd.Wait() }()
	return nil
}
