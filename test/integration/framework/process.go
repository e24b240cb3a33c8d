// Package framework provides test infrastructure for driving the meshtalk
// binary as a separate process.
package framework

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// NodeProcess manages the lifecycle of a meshtalk console process.
type NodeProcess struct {
	binaryPath string
	port       int
	args       []string
	logFile    string

	cmd           *exec.Cmd
	stdin         io.WriteCloser
	started       bool
	mu            sync.Mutex
	logFileHandle *os.File
	binDir        string
	done          chan struct{}
	ctx           context.Context
	cancelFunc    context.CancelFunc

	outMu sync.Mutex
	lines []string
	added chan struct{}
}

// NodeProcessConfig holds configuration for a node process.
type NodeProcessConfig struct {
	// BinaryPath is the path to the command package (e.g., "cmd/meshtalk").
	BinaryPath string

	// Port is the TCP port to listen on (default: 7420).
	Port int

	// Name is the advertised display name.
	Name string

	// LogFile is an optional path to write output to (in addition to test output).
	LogFile string

	// ExtraArgs are additional command-line arguments.
	ExtraArgs []string
}

// NewNodeProcess creates a new node process manager. Discovery is disabled;
// peers are joined with Connect.
func NewNodeProcess(config NodeProcessConfig) *NodeProcess {
	if config.Port == 0 {
		config.Port = 7420
	}

	args := []string{
		"run",
		"--no-discovery",
		"--port", strconv.Itoa(config.Port),
		"--log-level", "debug",
	}
	if config.Name != "" {
		args = append(args, "--name", config.Name)
	}
	args = append(args, config.ExtraArgs...)

	ctx, cancel := context.WithCancel(context.Background())

	return &NodeProcess{
		binaryPath: config.BinaryPath,
		port:       config.Port,
		args:       args,
		logFile:    config.LogFile,
		done:       make(chan struct{}),
		ctx:        ctx,
		cancelFunc: cancel,
		added:      make(chan struct{}, 1),
	}
}

// Start builds the binary, starts it and waits until it listens.
func (p *NodeProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("node process already started")
	}

	absPath, err := filepath.Abs(p.binaryPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	binaryName := filepath.Base(p.binaryPath)

	binDir, err := os.MkdirTemp("", "meshtalk-e2e-")
	if err != nil {
		return err
	}
	p.binDir = binDir
	binary := filepath.Join(binDir, binaryName)
	build := exec.CommandContext(p.ctx, "go", "build", "-o", binary, ".")
	build.Dir = absPath
	if out, err := build.CombinedOutput(); err != nil {
		return fmt.Errorf("build %s: %w\n%s", binaryName, err, out)
	}

	p.cmd = exec.CommandContext(p.ctx, binary, p.args...)

	if p.logFile != "" {
		logFile, err := os.OpenFile(p.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		p.logFileHandle = logFile
	}

	p.stdin, err = p.cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	p.cmd.Stderr = newLogWriter(fmt.Sprintf("[%s stderr]", binaryName), p.logFileHandle)

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	p.started = true

	prefix := fmt.Sprintf("[%s stdout]", binaryName)
	go func() {
		defer close(p.done)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			p.record(prefix, scanner.Text())
		}
		p.cmd.Wait()
	}()

	if _, err := p.waitFor("listening on", 10*time.Second); err != nil {
		return err
	}
	return nil
}

// Send writes one console line to the process.
func (p *NodeProcess) Send(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return fmt.Errorf("node process not started")
	}
	_, err := io.WriteString(p.stdin, line+"\n")
	return err
}

// Connect asks the node to dial another node on localhost.
func (p *NodeProcess) Connect(other *NodeProcess) error {
	return p.Send("/connect 127.0.0.1:" + strconv.Itoa(other.Port()))
}

// WaitForOutput blocks until a stdout line containing substr appears and
// returns it.
func (p *NodeProcess) WaitForOutput(substr string, timeout time.Duration) (string, error) {
	return p.waitFor(substr, timeout)
}

func (p *NodeProcess) waitFor(substr string, timeout time.Duration) (string, error) {
	deadline := time.After(timeout)
	for {
		p.outMu.Lock()
		for _, line := range p.lines {
			if strings.Contains(line, substr) {
				p.outMu.Unlock()
				return line, nil
			}
		}
		p.outMu.Unlock()

		select {
		case <-p.added:
		case <-p.done:
			return "", fmt.Errorf("process exited before printing %q", substr)
		case <-deadline:
			return "", fmt.Errorf("timed out waiting for %q", substr)
		}
	}
}

func (p *NodeProcess) record(prefix, line string) {
	fmt.Printf("%s %s\n", prefix, line)
	if p.logFileHandle != nil {
		fmt.Fprintf(p.logFileHandle, "%s %s\n", prefix, line)
	}

	p.outMu.Lock()
	p.lines = append(p.lines, line)
	p.outMu.Unlock()

	select {
	case p.added <- struct{}{}:
	default:
	}
}

// Stop gracefully stops the node process.
func (p *NodeProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil
	}

	if p.cmd != nil && p.cmd.Process != nil {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.cmd.Process.Kill()
		}
	}

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		p.cancelFunc()
		<-p.done
	}
	p.cancelFunc()

	if p.logFileHandle != nil {
		p.logFileHandle.Close()
		p.logFileHandle = nil
	}
	os.RemoveAll(p.binDir)

	p.started = false
	return nil
}

// Port returns the TCP port the node is listening on.
func (p *NodeProcess) Port() int {
	return p.port
}

// logWriter is a simple io.Writer that prefixes output with a label.
// It writes to stdout and optionally to a file.
type logWriter struct {
	prefix  string
	logFile *os.File
	mu      sync.Mutex
}

func newLogWriter(prefix string, logFile *os.File) *logWriter {
	return &logWriter{
		prefix:  prefix,
		logFile: logFile,
	}
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fmt.Printf("%s %s", w.prefix, string(p))
	if w.logFile != nil {
		fmt.Fprintf(w.logFile, "%s %s", w.prefix, string(p))
	}
	return len(p), nil
}
