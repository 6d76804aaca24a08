package backend

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// maxPortAttempts caps the availability scan across the port range.
	maxPortAttempts = 100

	// restartDelay gives the old process time to release its port and
	// flush storage before the replacement starts.
	restartDelay = 2 * time.Second

	defaultHealthTimeout = 20 * time.Second
	stopKillTimeout      = 10 * time.Second
	outputRingLines      = 200
)

// ServerConfig describes how to run the backend subprocess.
type ServerConfig struct {
	// Command is the backend binary, e.g. "opencode".
	Command string
	// PortMin and PortMax bound the local port scan.
	PortMin int
	PortMax int
	// StorageDir holds the backend's own state. It is wiped on every
	// start so a crashed prior run cannot poison the next one.
	StorageDir string
	// WorkingDir is the subprocess working directory.
	WorkingDir string
	// Tools that must be discoverable before the server counts as ready.
	// Empty means any tool will do.
	Tools []string
	// HealthTimeout bounds the startup health wait.
	HealthTimeout time.Duration
}

// Server owns the backend subprocess: port selection, storage reset,
// launch, readiness, restart. One Server per process.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	mu       sync.Mutex
	client   *Client
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	done     chan struct{}
	output   *ringBuffer
	port     int
	lastPort int
	running  bool
}

// NewServer creates a server manager. Start must be called before Client.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "backend_server"),
	}
}

// Start wipes stale storage, picks a free port, launches the subprocess,
// and blocks until it is healthy with tools registered. ctx bounds the
// startup wait only; the process itself outlives it.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("backend already running on port %d", s.port)
	}

	if err := s.resetStorage(); err != nil {
		return err
	}

	port, err := pickPort(s.cfg.PortMin, s.cfg.PortMax, s.lastPort)
	if err != nil {
		return err
	}
	password := generatePassword()

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, s.cfg.Command,
		"serve", "--hostname", "127.0.0.1", "--port", strconv.Itoa(port))
	if s.cfg.WorkingDir != "" {
		cmd.Dir = s.cfg.WorkingDir
	}
	cmd.Env = append(os.Environ(),
		"XDG_DATA_HOME="+s.cfg.StorageDir,
		"OPENCODE_SERVER_PASSWORD="+password,
	)

	output := newRingBuffer(outputRingLines)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("launching %s: %w", s.cfg.Command, err)
	}

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		if err != nil && procCtx.Err() == nil {
			s.logger.Error("backend process exited", "error", err, "tail", output.Tail(5))
		}
		close(done)
	}()

	client := NewClient("http://127.0.0.1:"+strconv.Itoa(port), password, s.logger)
	if err := client.WaitForHealth(ctx, s.cfg.HealthTimeout); err != nil {
		cancel()
		<-done
		return fmt.Errorf("backend never became healthy: %w", err)
	}
	if err := client.VerifyTools(ctx, s.cfg.Tools); err != nil {
		cancel()
		<-done
		return err
	}
	if err := client.EnsureEventStream(procCtx); err != nil {
		cancel()
		<-done
		return err
	}

	s.client = client
	s.cmd = cmd
	s.cancel = cancel
	s.done = done
	s.output = output
	s.port = port
	s.lastPort = port
	s.running = true

	s.logger.Info("backend ready", "command", s.cfg.Command, "port", port, "pid", cmd.Process.Pid)
	return nil
}

// Restart replaces a wedged backend: stop, storage reset, short delay,
// fresh start on a rotated port.
func (s *Server) Restart(ctx context.Context) error {
	s.logger.Warn("restarting backend")
	s.Stop()
	time.Sleep(restartDelay)
	return s.Start(ctx)
}

// Stop terminates the subprocess, escalating to SIGKILL if it lingers.
// Safe to call when not running.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.client.Close()
	s.cancel()

	select {
	case <-s.done:
	case <-time.After(stopKillTimeout):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.done
	}

	s.running = false
	s.client = nil
	s.cmd = nil
	s.cancel = nil
	s.logger.Info("backend stopped", "port", s.port)
}

// Client returns the client for the running backend, or nil before Start.
func (s *Server) Client() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Port returns the port of the running backend, 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return s.port
}

// Running reports whether the subprocess is up.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Logs returns the last n lines of subprocess output.
func (s *Server) Logs(n int) string {
	s.mu.Lock()
	output := s.output
	s.mu.Unlock()
	if output == nil {
		return ""
	}
	return output.Tail(n)
}

func (s *Server) resetStorage() error {
	if s.cfg.StorageDir == "" {
		return nil
	}
	if err := os.RemoveAll(s.cfg.StorageDir); err != nil {
		return fmt.Errorf("clearing backend storage: %w", err)
	}
	if err := os.MkdirAll(s.cfg.StorageDir, 0o755); err != nil {
		return fmt.Errorf("creating backend storage: %w", err)
	}
	return nil
}

// generatePassword produces the per-launch server credential. The
// subprocess reads it from OPENCODE_SERVER_PASSWORD and requires it as
// HTTP basic auth, so nothing else on localhost can drive the server.
func generatePassword() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("opencode-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// pickPort scans [min, max] for a bindable port, starting just past the
// previously used one so restarts rotate. Gives up after maxPortAttempts.
func pickPort(min, max, last int) (int, error) {
	if min <= 0 || max < min {
		return 0, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	span := max - min + 1
	start := min
	if last >= min && last < max {
		start = last + 1
	}

	attempts := maxPortAttempts
	if span < attempts {
		attempts = span
	}
	for i := 0; i < attempts; i++ {
		port := min + (start-min+i)%span
		l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in %d-%d after %d attempts", min, max, attempts)
}

// ringBuffer keeps the last maxLines lines of subprocess output for
// post-mortem logging.
type ringBuffer struct {
	mu       sync.Mutex
	lines    []string
	maxLines int
	partial  strings.Builder
}

func newRingBuffer(maxLines int) *ringBuffer {
	return &ringBuffer{
		lines:    make([]string, 0, maxLines),
		maxLines: maxLines,
	}
}

func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.partial.Write(p)
	text := rb.partial.String()

	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		rb.lines = append(rb.lines, text[:idx])
		text = text[idx+1:]
		if len(rb.lines) > rb.maxLines {
			rb.lines = rb.lines[1:]
		}
	}

	rb.partial.Reset()
	rb.partial.WriteString(text)
	return len(p), nil
}

// Tail returns the last n lines joined by newlines.
func (rb *ringBuffer) Tail(n int) string {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	lines := rb.lines
	if n > 0 && n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

var _ io.Writer = (*ringBuffer)(nil)
