package spawn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/CZERTAINLY/Expecter/internal/env"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// WrapperShell interprets the wrapper script. The marker protocol uses
	// POSIX syntax, so it does not depend on the configured Shell.
	WrapperShell = "/bin/sh"

	markerPrefix = "EXPECTER_END_"
	statusVar    = "__expecter_status"
	ackVar       = "__expecter_ack"
)

var (
	ErrSpawn     = errors.New("spawn failed")
	ErrNoCommand = errors.New("no command specified")
)

// NewMarker returns a fresh end marker. It is long and random enough to never
// appear in legitimate output.
func NewMarker() string {
	return markerPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DefaultShell returns $SHELL, or /bin/sh when it is not set.
func DefaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return WrapperShell
}

// Launcher spawns commands on a pseudoterminal. Zero values of Rows and Cols
// mean 24x80, an empty Marker gets generated by Start.
type Launcher struct {
	Shell  string
	Dir    string
	Env    map[string]string
	Marker string
	Rows   uint16
	Cols   uint16
	Logger *slog.Logger
}

// Script returns the wrapper script for argv. A single element is taken as
// shell text (`echo hi`, `exit 42`), several elements are quoted and joined.
func (l Launcher) Script(argv []string) string {
	command := argv[0]
	if len(argv) > 1 {
		command = Join(argv)
	}
	return fmt.Sprintf("%s -c %s; %s=$?; echo %s; read %s; exit $%s",
		Quote(l.Shell), Quote(command),
		statusVar, l.Marker, ackVar, statusVar)
}

// Start spawns argv attached to a new pty. The Env overrides are visible in
// the process environment during the call only.
func (l Launcher) Start(ctx context.Context, argv []string) (*Child, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrNoCommand
	}
	if l.Shell == "" {
		l.Shell = DefaultShell()
	}
	if l.Marker == "" {
		l.Marker = NewMarker()
	}
	if l.Rows == 0 || l.Cols == 0 {
		l.Rows, l.Cols = 24, 80
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if l.Dir != "" {
		info, err := os.Stat(l.Dir)
		if err != nil {
			return nil, fmt.Errorf("%w: working directory: %w", ErrSpawn, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: working directory %s is not a directory", ErrSpawn, l.Dir)
		}
	}

	cmd := exec.Command(WrapperShell, "-c", l.Script(argv))
	cmd.Dir = l.Dir

	// programs are resolved with the overrides in effect, PATH included
	var ptm *os.File
	err := env.With(l.Env, func() error {
		if _, err := exec.LookPath(l.Shell); err != nil {
			return fmt.Errorf("shell: %w", err)
		}
		if len(argv) > 1 {
			if _, err := exec.LookPath(argv[0]); err != nil {
				return err
			}
		}
		var err error
		ptm, err = pty.StartWithSize(cmd, &pty.Winsize{Rows: l.Rows, Cols: l.Cols})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	child := &Child{
		cmd:    cmd,
		ptm:    ptm,
		fd:     int(ptm.Fd()),
		pid:    cmd.Process.Pid,
		marker: l.Marker,
	}
	logger.DebugContext(ctx, "spawned", "pid", child.pid, "shell", l.Shell, "argv", argv)
	return child, nil
}

// Status is the termination status of a reaped child.
type Status struct {
	Code   int
	Signal syscall.Signal
}

// Signaled reports whether the child was killed by a signal. Code is set
// to 128+signal in that case, as shells do.
func (s Status) Signaled() bool {
	return s.Signal != 0
}

func (s Status) String() string {
	if s.Signaled() {
		return fmt.Sprintf("killed by signal %s (status %d)", s.Signal, s.Code)
	}
	return fmt.Sprintf("exited with status %d", s.Code)
}

func statusFrom(ws unix.WaitStatus) Status {
	if ws.Signaled() {
		return Status{Code: 128 + int(ws.Signal()), Signal: ws.Signal()}
	}
	return Status{Code: ws.ExitStatus()}
}

// Child is a spawned wrapper process and the master side of its pty.
type Child struct {
	cmd    *exec.Cmd
	ptm    *os.File
	fd     int
	pid    int
	marker string
	status *Status
	closed bool
}

// Pid returns the OS process id of the wrapper shell. It leads its own
// session and process group.
func (c *Child) Pid() int { return c.pid }

// Fd returns the pty master file descriptor. It is in blocking mode; use a
// readiness check before reading.
func (c *Child) Fd() int { return c.fd }

// Marker returns the end marker printed by the wrapper.
func (c *Child) Marker() string { return c.marker }

// Read reads from the pty master. Once the child side of the pty got closed
// Linux reports EIO.
func (c *Child) Read(p []byte) (int, error) {
	return c.ptm.Read(p)
}

// Write writes to the pty master, which is the terminal input of the child.
func (c *Child) Write(p []byte) (int, error) {
	return c.ptm.Write(p)
}

// Reap collects the termination status of the child. With block false it
// returns immediately, reporting false when the child is still running.
func (c *Child) Reap(block bool) (Status, bool, error) {
	if c.status != nil {
		return *c.status, true, nil
	}
	opts := unix.WNOHANG
	if block {
		opts = 0
	}
	var ws unix.WaitStatus
	for {
		pid, err := unix.Wait4(c.pid, &ws, opts, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return Status{}, false, fmt.Errorf("waiting for pid %d: %w", c.pid, err)
		}
		if pid == 0 {
			return Status{}, false, nil
		}
		break
	}
	st := statusFrom(ws)
	c.status = &st
	// the process is reaped already, this only frees the handle
	_ = c.cmd.Process.Release()
	return st, true, nil
}

// Alive reports whether the child exists. A terminated but not yet reaped
// child still counts as alive.
func (c *Child) Alive() bool {
	if c.status != nil {
		return false
	}
	return unix.Kill(c.pid, 0) == nil
}

// Kill sends SIGKILL to the process group of the child, which includes the
// command started by the wrapper.
func (c *Child) Kill() error {
	if c.status != nil {
		return nil
	}
	err := unix.Kill(-c.pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Close kills and reaps a still running child and closes the pty master.
func (c *Child) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if c.status == nil {
		if err := c.Kill(); err != nil {
			errs = append(errs, err)
		}
		if _, _, err := c.Reap(true); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.ptm.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) != 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}
