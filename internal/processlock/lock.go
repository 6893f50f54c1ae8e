// Package processlock guards against two daemons sharing one data
// directory. A second instance would corrupt the bolt store and double
// every child process, so the serve command takes the lock before
// anything else starts.
package processlock

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

const pidFileName = "mcphub.pid"

// Lock is a PID-file based single-instance lock scoped to a data
// directory.
type Lock struct {
	path   string
	logger *zap.Logger
}

// New creates a lock rooted at dataDir.
func New(dataDir string, logger *zap.Logger) *Lock {
	return &Lock{
		path:   filepath.Join(dataDir, pidFileName),
		logger: logger,
	}
}

// Acquire takes the lock, clearing a stale PID file left by a dead
// instance. listenAddr, when non-empty, is probed so a clearer error is
// returned when the port is held by something else.
func (l *Lock) Acquire(listenAddr string) error {
	if listenAddr != "" {
		if err := probePort(listenAddr); err != nil {
			return err
		}
	}

	if _, err := os.Stat(l.path); err == nil {
		pid, err := l.readPID()
		switch {
		case err != nil:
			l.logger.Warn("removing unreadable PID file",
				zap.String("path", l.path), zap.Error(err))
			os.Remove(l.path)
		case processAlive(pid):
			return fmt.Errorf("another mcphub instance is running (pid %d)", pid)
		default:
			l.logger.Warn("removing PID file of dead instance",
				zap.Int("pid", pid), zap.String("path", l.path))
			os.Remove(l.path)
		}
	}

	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}

	l.logger.Info("instance lock acquired",
		zap.Int("pid", os.Getpid()), zap.String("path", l.path))
	return nil
}

// Release removes the PID file. Missing files are not an error so
// Release is safe to defer unconditionally.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove PID file: %w", err)
	}
	return nil
}

func (l *Lock) readPID() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed PID file: %w", err)
	}
	return pid, nil
}

func probePort(listenAddr string) error {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return fmt.Errorf("parse listen address %q: %w", listenAddr, err)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return fmt.Errorf("listen address %s is already in use", net.JoinHostPort(host, port))
	}
	return ln.Close()
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}
