package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PipeInput is the input URL for reading from stdin.
const PipeInput = "pipe:"

// ErrNotStarted is returned when a process operation is attempted before Start.
var ErrNotStarted = errors.New("command not started")

// maxStderrLines bounds the in-memory stderr ring.
const maxStderrLines = 100

// HLSOptions configures the HLS muxer.
type HLSOptions struct {
	InitTime        int    // -hls_init_time, seconds; 0 omits
	SegmentTime     int    // -hls_time, seconds
	ListSize        int    // -hls_list_size
	Flags           string // -hls_flags
	Strftime        bool   // expand strftime patterns in SegmentFilename
	SegmentFilename string // -hls_segment_filename; empty lets ffmpeg choose
}

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary        string
	globalArgs    []string
	inputArgs     []string
	input         string
	outputArgs    []string
	output        string
	logLevel      string
	stderrLogPath string
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Realtime reads input at its native frame rate (-re).
func (b *CommandBuilder) Realtime() *CommandBuilder {
	b.inputArgs = append(b.inputArgs, "-re")
	return b
}

// InputFormat forces the input demuxer (-f before -i).
func (b *CommandBuilder) InputFormat(format string) *CommandBuilder {
	if format != "" {
		b.inputArgs = append(b.inputArgs, "-f", format)
	}
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// CopyCodecs remuxes every stream without re-encoding.
func (b *CommandBuilder) CopyCodecs() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c", "copy")
	return b
}

// HLS adds HLS muxer arguments from opts.
func (b *CommandBuilder) HLS(opts HLSOptions) *CommandBuilder {
	if opts.Strftime {
		b.outputArgs = append(b.outputArgs, "-strftime", "1")
	}
	if opts.InitTime > 0 {
		b.outputArgs = append(b.outputArgs, "-hls_init_time", strconv.Itoa(opts.InitTime))
	}
	b.outputArgs = append(b.outputArgs, "-hls_time", strconv.Itoa(opts.SegmentTime))
	if opts.SegmentFilename != "" {
		b.outputArgs = append(b.outputArgs, "-hls_segment_filename", opts.SegmentFilename)
	}
	b.outputArgs = append(b.outputArgs, "-hls_list_size", strconv.Itoa(opts.ListSize))
	if opts.Flags != "" {
		b.outputArgs = append(b.outputArgs, "-hls_flags", opts.Flags)
	}
	b.outputArgs = append(b.outputArgs, "-f", "hls")
	return b
}

// StderrLogPath sets a file path to write FFmpeg stderr output for debugging.
func (b *CommandBuilder) StderrLogPath(path string) *CommandBuilder {
	b.stderrLogPath = path
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, b.globalArgs...)
	args = append(args, "-loglevel", b.logLevel)

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)

	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary:        b.binary,
		Args:          args,
		Input:         b.input,
		Output:        b.output,
		doneCh:        make(chan struct{}),
		stderrLogPath: b.stderrLogPath,
		stderrLines:   make([]string, 0, maxStderrLines),
	}
}

// Command represents an FFmpeg process. A Command can be started once.
type Command struct {
	Binary string
	Args   []string
	Input  string
	Output string

	mu      sync.RWMutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	monitor *ProcessMonitor

	stderrDone chan struct{}
	doneCh     chan struct{}
	waitOnce   sync.Once
	waitErr    error

	stderrLogPath string
	stderrLines   []string
	stderrMu      sync.RWMutex
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Start launches the process. When the input is PipeInput, Stdin returns a
// writer connected to the process. ctx only guards the launch: once running,
// the process lives until its input ends or Kill is called, so it can still
// finish the playlist after the caller's context is gone.
func (c *Command) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return errors.New("command already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(c.Binary, c.Args...)

	if c.Input == PipeInput {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("getting stdin pipe: %w", err)
		}
		c.stdin = stdin
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("getting stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}
	c.cmd = cmd

	c.monitor = NewProcessMonitor(cmd.Process.Pid)
	c.monitor.Start()

	c.stderrDone = make(chan struct{})
	go c.captureStderr(stderr, c.stderrLogPath, c.stderrDone)

	return nil
}

// Stdin returns the process input pipe, or nil when the input is not PipeInput.
func (c *Command) Stdin() io.WriteCloser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stdin
}

// Wait waits for the process to exit. It is safe to call from several
// goroutines; all of them observe the same result.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd := c.cmd
	stderrDone := c.stderrDone
	c.mu.RUnlock()

	if cmd == nil {
		return ErrNotStarted
	}

	c.waitOnce.Do(func() {
		// Stderr must be drained before Wait closes the pipe.
		<-stderrDone
		c.waitErr = cmd.Wait()
		c.stopMonitor()
		close(c.doneCh)
	})
	<-c.doneCh
	return c.waitErr
}

// Kill terminates the FFmpeg process.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// IsRunning returns true if the command is running.
func (c *Command) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return false
	}

	select {
	case <-c.doneCh:
		return false
	default:
		return true
	}
}

// PID returns the process id, or 0 before Start.
func (c *Command) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// captureStderr reads FFmpeg stderr and optionally writes to a log file.
// It also stores recent lines for debugging.
func (c *Command) captureStderr(stderr io.ReadCloser, logPath string, done chan struct{}) {
	defer close(done)

	var logFile *os.File
	if logPath != "" {
		var err error
		logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err == nil {
			defer logFile.Close()
			fmt.Fprintf(logFile, "\n=== FFmpeg session started at %s ===\n", time.Now().Format(time.RFC3339))
			fmt.Fprintf(logFile, "Command: %s\n\n", c.String())
		}
	}

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		c.stderrMu.Lock()
		if len(c.stderrLines) >= maxStderrLines {
			c.stderrLines = c.stderrLines[1:]
		}
		c.stderrLines = append(c.stderrLines, line)
		c.stderrMu.Unlock()

		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}
	}
	// Keep draining so the process never blocks on a full pipe after a
	// line longer than the scanner buffer.
	_, _ = io.Copy(io.Discard, stderr)

	if logFile != nil {
		fmt.Fprintf(logFile, "\n=== FFmpeg session ended at %s ===\n", time.Now().Format(time.RFC3339))
	}
}

// GetStderrLines returns the recent stderr lines captured from FFmpeg.
func (c *Command) GetStderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

// LastStderrLine returns the most recent stderr line, or "".
func (c *Command) LastStderrLine() string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	if len(c.stderrLines) == 0 {
		return ""
	}
	return c.stderrLines[len(c.stderrLines)-1]
}

func (c *Command) stopMonitor() {
	c.mu.RLock()
	monitor := c.monitor
	c.mu.RUnlock()

	if monitor != nil {
		monitor.Stop()
	}
}

// ProcessStats returns the current process statistics.
// Returns nil if monitoring is not active.
func (c *Command) ProcessStats() *ProcessStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.monitor == nil {
		return nil
	}

	stats := c.monitor.Stats()
	return &stats
}

// Monitor returns the process monitor for direct access.
// Returns nil if monitoring is not active.
func (c *Command) Monitor() *ProcessMonitor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.monitor
}
