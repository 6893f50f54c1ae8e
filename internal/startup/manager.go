// Package startup brings the registered server fleet online at boot.
// Enabled servers are started concurrently through the command executor,
// bounded by the configured connection limit so a large fleet does not
// spawn every child process at once.
package startup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcphub-go/internal/command"
	"mcphub-go/internal/config"
	"mcphub-go/internal/registry"
)

// Report summarizes one boot pass over the fleet.
type Report struct {
	Attempted int
	Started   int
	Failed    []string
	Skipped   int
	Elapsed   time.Duration
}

// Manager starts enabled servers at boot.
type Manager struct {
	registry *registry.Registry
	executor *command.Executor
	logger   *zap.Logger
	limit    int
}

// NewManager creates a startup manager. maxConcurrent bounds how many
// servers are starting at the same time; values below 1 fall back to
// the default connection limit.
func NewManager(reg *registry.Registry, exec *command.Executor, maxConcurrent int, logger *zap.Logger) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = config.DefaultMaxConcurrentConnections
	}
	return &Manager{
		registry: reg,
		executor: exec,
		logger:   logger,
		limit:    maxConcurrent,
	}
}

// StartAll starts every enabled server that is currently stopped.
// Disabled servers and servers in any other state are skipped. Failures
// are collected rather than aborting the pass; the context cancels any
// starts that have not yet been dispatched.
func (m *Manager) StartAll(ctx context.Context) *Report {
	began := time.Now()

	entries := m.registry.List()
	report := &Report{}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.limit)

	for _, entry := range entries {
		if !entry.Enabled() {
			report.Skipped++
			continue
		}
		report.Attempted++

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			mu.Lock()
			report.Failed = append(report.Failed, entry.Name())
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()

			result := m.executor.Start(ctx, name)
			mu.Lock()
			if result.Success {
				report.Started++
			} else {
				report.Failed = append(report.Failed, name)
			}
			mu.Unlock()

			if !result.Success {
				m.logger.Warn("server failed to start at boot",
					zap.String("server", name),
					zap.String("code", result.Code),
					zap.String("message", result.Message))
			}
		}(entry.Name())
	}

	wg.Wait()
	report.Elapsed = time.Since(began)

	m.logger.Info("startup pass complete",
		zap.Int("attempted", report.Attempted),
		zap.Int("started", report.Started),
		zap.Int("failed", len(report.Failed)),
		zap.Int("skipped", report.Skipped),
		zap.Duration("elapsed", report.Elapsed))

	return report
}
