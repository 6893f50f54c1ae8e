//go:build windows

package transport

import (
	"fmt"
	"os/exec"
)

// setupProcessGroup is a no-op on Windows.
func setupProcessGroup(_ *exec.Cmd) {}

// terminateProcess has no graceful signal on Windows; the caller's grace
// period simply delays the forced kill.
func terminateProcess(_ *exec.Cmd) error {
	return nil
}

// killProcess terminates the child's whole process tree via taskkill.
func killProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	killCmd := exec.Command("taskkill", "/T", "/F", "/PID", fmt.Sprintf("%d", cmd.Process.Pid))
	if err := killCmd.Run(); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("taskkill failed: %w", err)
	}
	return nil
}
