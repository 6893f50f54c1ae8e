package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
)

// maxLineSize bounds one newline-delimited JSON-RPC message from the child.
const maxLineSize = 10 * 1024 * 1024

// stdioTransport speaks newline-delimited JSON-RPC over a child process's
// standard input and output.
type stdioTransport struct {
	cfg    *config.ServerConfig
	logger *zap.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	connected bool
	exited    chan struct{}

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	writeMu sync.Mutex
	nextID  atomic.Int64
}

func newStdioTransport(cfg *config.ServerConfig, logger *zap.Logger) (Transport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("stdio transport for %q: command is required", cfg.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &stdioTransport{
		cfg:     cfg,
		logger:  logger.Named("stdio").With(zap.String("server", cfg.Name)),
		pending: make(map[int64]chan *Response),
	}, nil
}

// Connect spawns the configured command and completes the initialize
// handshake within the context deadline.
func (t *stdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range t.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setupProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return newError(KindConnection, t.cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		return newError(KindConnection, t.cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.mu.Unlock()
		return newError(KindConnection, t.cfg.Name, err)
	}

	if err := cmd.Start(); err != nil {
		t.mu.Unlock()
		return newError(KindConnection, t.cfg.Name, fmt.Errorf("failed to spawn %q: %w", t.cfg.Command, err))
	}

	t.cmd = cmd
	t.stdin = stdin
	t.exited = make(chan struct{})
	t.pendingMu.Lock()
	t.pending = make(map[int64]chan *Response)
	t.pendingMu.Unlock()
	t.connected = true
	exited := t.exited
	t.mu.Unlock()

	go t.readLoop(stdout)
	go t.logStderr(stderr)
	go func() {
		_ = cmd.Wait()
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		close(exited)
	}()

	// Handshake round-trip; the connection does not count until it passes.
	if _, err := t.Send(ctx, MethodInitialize, newInitializeParams()); err != nil {
		_ = t.Close()
		return fmt.Errorf("initialize handshake failed: %w", err)
	}
	t.notifyInitialized()

	t.logger.Debug("Connected", zap.String("command", t.cfg.Command))
	return nil
}

// IsConnected reflects whether the process is alive and the handshake passed.
func (t *stdioTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Send writes one request and waits for the correlated response, the context
// deadline, or process exit, whichever comes first.
func (t *stdioTransport) Send(ctx context.Context, method string, params any) (*Response, error) {
	t.mu.Lock()
	if t.cmd == nil || !t.connected {
		t.mu.Unlock()
		return nil, newError(KindConnection, t.cfg.Name, ErrNotConnected)
	}
	stdin := t.stdin
	exited := t.exited
	t.mu.Unlock()

	id := t.nextID.Add(1)
	ch := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, newError(KindMalformed, t.cfg.Name, err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	_, err = stdin.Write(data)
	t.writeMu.Unlock()
	if err != nil {
		return nil, newError(KindConnection, t.cfg.Name, fmt.Errorf("write failed: %w", err))
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, newError(KindTimeout, t.cfg.Name, ctx.Err())
	case <-exited:
		return nil, newError(KindProcessExit, t.cfg.Name, fmt.Errorf("process exited while waiting for %s", method))
	}
}

// Close sends the graceful termination signal, then force-kills after the
// grace period if the process has not exited.
func (t *stdioTransport) Close() error {
	t.mu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	exited := t.exited
	t.connected = false
	t.cmd = nil
	t.stdin = nil
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if stdin != nil {
		_ = stdin.Close()
	}
	_ = terminateProcess(cmd)

	select {
	case <-exited:
		return nil
	case <-time.After(config.ShutdownGracePeriod):
	}

	t.logger.Warn("Process did not exit within grace period, killing")
	if err := killProcess(cmd); err != nil {
		return newError(KindProcessExit, t.cfg.Name, fmt.Errorf("force kill failed: %w", err))
	}
	<-exited
	return nil
}

// readLoop routes newline-delimited responses to their pending requests.
func (t *stdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp, err := decodeResponse(t.cfg.Name, line)
		if err != nil {
			t.logger.Debug("Discarding undecodable line from server", zap.Error(err))
			continue
		}

		t.pendingMu.Lock()
		ch, ok := t.pending[resp.ID]
		t.pendingMu.Unlock()
		if !ok {
			// Unsolicited message (notification or stale id)
			t.logger.Debug("No pending request for response id", zap.Int64("id", resp.ID))
			continue
		}
		select {
		case ch <- resp:
		default:
		}
	}
}

// logStderr surfaces the child's stderr at debug level.
func (t *stdioTransport) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("server stderr", zap.String("line", scanner.Text()))
	}
}

// notifyInitialized sends the post-handshake notification. Notifications
// carry no id and expect no response; failures are non-fatal.
func (t *stdioTransport) notifyInitialized() {
	note := map[string]any{
		"jsonrpc": mcp.JSONRPC_VERSION,
		"method":  "notifications/initialized",
	}
	data, err := json.Marshal(note)
	if err != nil {
		return
	}
	data = append(data, '\n')

	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return
	}

	t.writeMu.Lock()
	_, _ = stdin.Write(data)
	t.writeMu.Unlock()
}
