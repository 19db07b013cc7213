package expect

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"slices"
	"time"

	"github.com/CZERTAINLY/Expecter/internal/spawn"
)

// State is the lifecycle state of a Process. It only ever moves forward.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	// StateEnded means the command finished and the end marker was seen,
	// while the wrapper process still exists.
	StateEnded
	StateExited
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateEnded:
		return "ended"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures a Process. Zero fields get their DefaultConfig value.
type Config struct {
	// Shell runs the command, $SHELL or /bin/sh by default.
	Shell string
	// Dir is the working directory, the current one when empty.
	Dir string
	// Env is merged into the environment of the child.
	Env map[string]string
	// PollInterval is the longest a readiness wait blocks. When it elapses
	// with no I/O, a timeout event is dispatched.
	PollInterval time.Duration
	// DyingPoll is the sleep between liveness checks of a terminating child.
	DyingPoll time.Duration
	// ReadSize is the size of a single read from the pty.
	ReadSize int
	// MaxOutput caps the unconsumed output, the oldest bytes are dropped.
	MaxOutput int
	Rows      uint16
	Cols      uint16
	Logger    *slog.Logger
	// Transcript receives every chunk of output, if set.
	Transcript io.Writer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Shell:        spawn.DefaultShell(),
		PollInterval: time.Second,
		DyingPoll:    100 * time.Millisecond,
		ReadSize:     1024,
		MaxOutput:    1 << 20,
		Rows:         24,
		Cols:         80,
		Logger:       slog.Default(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Shell == "" {
		c.Shell = d.Shell
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.DyingPoll <= 0 {
		c.DyingPoll = d.DyingPoll
	}
	if c.ReadSize <= 0 {
		c.ReadSize = d.ReadSize
	}
	if c.MaxOutput <= 0 {
		c.MaxOutput = d.MaxOutput
	}
	if c.Rows == 0 || c.Cols == 0 {
		c.Rows, c.Cols = d.Rows, d.Cols
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}

// child is the view of spawn.Child the process needs.
type child interface {
	Pid() int
	Fd() int
	Marker() string
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Reap(block bool) (spawn.Status, bool, error)
	Alive() bool
	Close() error
}

// Process drives a single command running on a pseudoterminal.
//
// A Process is not safe for concurrent use: one goroutine registers
// triggers, writes input and waits. Triggers registered with On react to
// events in the background of any later WaitFor; WaitFor is the only call
// which blocks.
type Process struct {
	command []string
	cfg     Config
	log     *slog.Logger

	state  State
	child  child
	marker string
	status *Status
	ended  bool

	input  bytes.Buffer
	output bytes.Buffer
	chunk  []byte

	blocker  *Trigger
	reason   Reason
	triggers registry
}

// New returns a not yet started process for command. A single element is
// run as shell text, several elements as a program with arguments.
func New(command []string, cfg Config) *Process {
	cfg = cfg.withDefaults()
	return &Process{
		command: slices.Clone(command),
		cfg:     cfg,
		log:     cfg.Logger,
	}
}

// Start spawns the command.
func (p *Process) Start(ctx context.Context) error {
	if p.state != StateNotStarted {
		return ErrAlreadyStarted
	}
	launcher := spawn.Launcher{
		Shell:  p.cfg.Shell,
		Dir:    p.cfg.Dir,
		Env:    p.cfg.Env,
		Rows:   p.cfg.Rows,
		Cols:   p.cfg.Cols,
		Logger: p.log,
	}
	c, err := launcher.Start(ctx, p.command)
	if err != nil {
		return err
	}
	p.attach(c)
	return nil
}

// attach installs a started child and the end marker trigger.
func (p *Process) attach(c child) {
	p.child = c
	p.marker = c.Marker()
	p.log = p.cfg.Logger.With("pid", c.Pid())
	p.chunk = make([]byte, p.cfg.ReadSize)
	p.triggers.prepend(p.endMarkerTrigger())
	p.state = StateRunning
	p.log.Debug("started", "command", p.command)
}

// On registers a trigger reacting to events while some WaitFor runs. It
// returns t, so it can be removed later.
func (p *Process) On(t *Trigger) *Trigger {
	p.log.Debug("adding trigger", "kind", t.kind.String(), "trigger", t.String())
	p.triggers.add(t)
	return t
}

// Remove unregisters a trigger and reports whether it was registered.
func (p *Process) Remove(t *Trigger) bool {
	return p.triggers.remove(t)
}

// WaitFor registers t as a one-shot trigger and processes events until it
// fires. A timeout or the termination of the process interrupts the wait:
// Unsatisfied triggers may handle that, otherwise an *UnsatisfiedError is
// returned.
//
// Whatever the outcome, t is not registered anymore once WaitFor returns.
// A trigger registered with On can't be waited for, ErrAlreadyRegistered is
// returned and the registration stays untouched.
func (p *Process) WaitFor(ctx context.Context, t *Trigger) error {
	if p.blocker != nil {
		return ErrAlreadyWaiting
	}
	if p.state == StateNotStarted {
		return ErrNotStarted
	}
	if p.triggers.contains(t) {
		return ErrAlreadyRegistered
	}

	t.ttl = 1
	p.triggers.add(t)
	p.blocker = t
	p.reason = ReasonNone
	p.log.Debug("waiting for", "trigger", t.String())
	defer func() {
		// runs on errors and panics of actions too
		p.unblock()
		p.triggers.remove(t)
	}()

	return p.run(ctx)
}

func (p *Process) unblock() {
	if p.blocker != nil {
		p.log.Debug("unblocked")
	}
	p.blocker = nil
}

// Close kills the child when it is still running and releases the pty.
func (p *Process) Close() error {
	if p.child == nil {
		return nil
	}
	err := p.child.Close()
	if p.status == nil {
		if st, ok, _ := p.child.Reap(false); ok {
			p.status = &st
		}
	}
	p.state = StateExited
	return err
}

// Command returns a copy of the command.
func (p *Process) Command() []string { return slices.Clone(p.command) }

// State returns the lifecycle state.
func (p *Process) State() State { return p.state }

// Pid returns the process id of the child, 0 before Start.
func (p *Process) Pid() int {
	if p.child == nil {
		return 0
	}
	return p.child.Pid()
}

// ExitStatus returns the termination status once the child got reaped.
func (p *Process) ExitStatus() (Status, bool) {
	if p.status == nil {
		return Status{}, false
	}
	return *p.status, true
}

// Reason returns why the last blocking wait got interrupted.
func (p *Process) Reason() Reason { return p.reason }

// Blocked reports whether a WaitFor is in progress.
func (p *Process) Blocked() bool { return p.blocker != nil }

// NotStarted reports whether Start has not succeeded yet.
func (p *Process) NotStarted() bool { return p.state == StateNotStarted }

// Running reports whether the command runs and has not printed the end marker.
func (p *Process) Running() bool { return p.state == StateRunning }

// Ended reports whether the command finished while the child is not reaped.
func (p *Process) Ended() bool { return p.state == StateEnded }

// Exited reports whether the child got reaped.
func (p *Process) Exited() bool { return p.state == StateExited }

// Alive probes the OS for the child process.
func (p *Process) Alive() bool {
	return p.child != nil && p.child.Alive()
}

// Triggers returns the registered triggers in dispatch order.
func (p *Process) Triggers() []*Trigger {
	return p.triggers.all()
}

// Registered reports whether t is registered.
func (p *Process) Registered(t *Trigger) bool {
	return p.triggers.contains(t)
}

// Output returns the output read and not yet consumed by a match.
func (p *Process) Output() string { return p.output.String() }

// Read reads from the unconsumed output.
func (p *Process) Read(b []byte) (int, error) { return p.output.Read(b) }

// FlushOutput discards the unconsumed output.
func (p *Process) FlushOutput() { p.output.Reset() }

// Write queues input for the child. It gets written by the next WaitFor.
func (p *Process) Write(b []byte) (int, error) { return p.input.Write(b) }

// WriteString queues s as input for the child.
func (p *Process) WriteString(s string) (int, error) { return p.input.WriteString(s) }

// SendLine queues s followed by a newline.
func (p *Process) SendLine(s string) error {
	p.input.WriteString(s)
	p.input.WriteByte('\n')
	return nil
}

// Printf queues formatted input.
func (p *Process) Printf(format string, args ...any) (int, error) {
	return fmt.Fprintf(&p.input, format, args...)
}

// PendingInput returns the queued input not yet written to the child.
func (p *Process) PendingInput() string { return p.input.String() }

// endMarkerTrigger recognizes the end marker printed by the wrapper. It
// removes the marker from the output before any other trigger sees it and
// acknowledges it, so the wrapper can exit.
func (p *Process) endMarkerTrigger() *Trigger {
	re := regexp.MustCompile(regexp.QuoteMeta(p.marker) + `\s*`)
	action := func(p *Process, _ Event) error {
		buf := p.output.Bytes()
		loc := re.FindIndex(buf)
		rest := slices.Concat(buf[:loc[0]], buf[loc[1]:])
		p.output.Reset()
		p.output.Write(rest)

		p.state = StateEnded
		p.ended = true
		p.log.Debug("end marker seen")
		if _, err := p.child.Write([]byte("\n")); err != nil {
			p.log.Debug("acknowledging end marker", "error", err)
		}
		return nil
	}
	return Output(re, action, Exclusive(false), TTL(1), Describe("end marker"))
}
