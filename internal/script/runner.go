package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/CZERTAINLY/Expecter/internal/expect"
	"github.com/CZERTAINLY/Expecter/internal/log"
	"github.com/CZERTAINLY/Expecter/internal/model"
	"github.com/CZERTAINLY/Expecter/internal/parallel"
	"github.com/CZERTAINLY/Expecter/internal/transcript"
)

const (
	// transcriptLimit bounds the output kept in memory for one script.
	transcriptLimit = 1 << 20
	outputTail      = 4096
)

// ErrFailed is returned by a run with failed scripts.
var ErrFailed = errors.New("scripts failed")

// Result is the outcome of a single script.
type Result struct {
	Path     string
	Name     string
	Steps    int // completed steps
	Total    int
	Status   *expect.Status
	Reason   string
	Output   string // tail of the output
	Duration time.Duration
	Err      error
}

func (r Result) Ok() bool { return r.Err == nil }

// Runner runs scripts, each one with its own process.
type Runner struct {
	Defaults Defaults
	Logger   *slog.Logger
}

func NewRunner(defaults Defaults, logger *slog.Logger) Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return Runner{Defaults: defaults, Logger: logger}
}

// Load reads and validates a script file.
func Load(path string) (*model.Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening script: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return model.LoadScript(path, f)
}

// RunFiles runs the scripts stored in paths, at most Defaults.Parallel at
// once. A script which can't be loaded gives a failed Result.
func (r Runner) RunFiles(ctx context.Context, paths []string) iter.Seq2[Result, error] {
	seq := func(yield func(string, error) bool) {
		for _, path := range paths {
			if !yield(path, nil) {
				return
			}
		}
	}
	m := parallel.NewMap(ctx, r.Defaults.Parallel, func(ctx context.Context, path string) (Result, error) {
		res := r.RunFile(ctx, path)
		return res, res.Err
	})
	return m.Iter(seq)
}

// RunFile loads and runs a single script file.
func (r Runner) RunFile(ctx context.Context, path string) Result {
	s, err := Load(path)
	if err != nil {
		r.logger().ErrorContext(ctx, "loading script failed", "path", path, "error", err)
		return Result{Path: path, Name: path, Err: err}
	}
	return r.run(ctx, path, s)
}

// Run runs a single script.
func (r Runner) Run(ctx context.Context, s *model.Script) Result {
	return r.run(ctx, "", s)
}

func (r Runner) run(ctx context.Context, path string, s *model.Script) Result {
	start := time.Now()
	res := Result{Path: path, Name: s.Title(), Total: len(s.Steps)}
	ctx = log.ContextAttrs(ctx, slog.String("script", res.Name))

	res.Err = r.session(ctx, s, &res)
	res.Duration = time.Since(start)
	if res.Err != nil {
		r.logger().WarnContext(ctx, "script failed", "steps", res.Steps, "error", res.Err)
	} else {
		r.logger().InfoContext(ctx, "script passed", "steps", res.Steps, "duration", res.Duration)
	}
	return res
}

func (r Runner) session(ctx context.Context, s *model.Script, res *Result) error {
	if err := s.Validate(); err != nil {
		return err
	}
	cfg, deadline := r.config(s)
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	tr := transcript.New(transcriptLimit)
	cfg.Transcript = tr
	defer func() {
		res.Output = tr.Tail(outputTail)
	}()
	if r.Defaults.Transcripts != "" {
		f, err := r.transcriptFile(res)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()
		cfg.Transcript = io.MultiWriter(tr, f)
	}

	p := expect.New(s.Command, cfg)
	for i, h := range s.On {
		t, err := handlerTrigger(h)
		if err != nil {
			return fmt.Errorf("on.%d: %w", i, err)
		}
		p.On(t)
	}

	if err := p.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			r.logger().DebugContext(ctx, "closing process", "error", err)
		}
		if st, ok := p.ExitStatus(); ok {
			res.Status = &st
		}
		if reason := p.Reason(); reason != expect.ReasonNone {
			res.Reason = reason.String()
		}
	}()

	for i, st := range s.Steps {
		t, err := stepTrigger(st)
		if err != nil {
			return fmt.Errorf("steps.%d: %w", i, err)
		}
		if t != nil {
			r.logger().DebugContext(ctx, "waiting", "step", i, "trigger", t.String())
			if err := p.WaitFor(ctx, t); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
		if st.Send != "" {
			_, _ = p.WriteString(st.Send)
		}
		res.Steps++
	}
	return nil
}

func (r Runner) config(s *model.Script) (expect.Config, time.Duration) {
	cfg := expect.DefaultConfig()
	cfg.Logger = r.logger().With("script", s.Title())
	if r.Defaults.Shell != "" {
		cfg.Shell = r.Defaults.Shell
	}
	if s.Shell != "" {
		cfg.Shell = s.Shell
	}
	cfg.Dir = s.Dir
	cfg.Env = r.Defaults.environ(s.Env)

	// durations were checked by Validate
	if poll, _ := s.PollInterval(); poll > 0 {
		cfg.PollInterval = poll
	} else if r.Defaults.Poll > 0 {
		cfg.PollInterval = r.Defaults.Poll
	}
	deadline, _ := s.Timeout()
	if deadline == 0 {
		deadline = r.Defaults.Deadline
	}
	return cfg, deadline
}

var reUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (r Runner) transcriptFile(res *Result) (*os.File, error) {
	name := res.Name
	if res.Path != "" {
		name = strings.TrimSuffix(filepath.Base(res.Path), filepath.Ext(res.Path))
	}
	name = reUnsafe.ReplaceAllString(name, "_") + ".log"
	if err := os.MkdirAll(r.Defaults.Transcripts, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", r.Defaults.Transcripts, err)
	}
	path := filepath.Join(r.Defaults.Transcripts, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating file %s: %w", path, err)
	}
	return f, nil
}

func (r Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func handlerTrigger(h model.Handler) (*expect.Trigger, error) {
	event, err := h.Event()
	if err != nil {
		return nil, err
	}
	opts := []expect.Option{expect.TTL(h.Times)}
	if h.Exclusive != nil {
		opts = append(opts, expect.Exclusive(*h.Exclusive))
	}
	action := send(h.Send)
	switch event {
	case model.EventOutput:
		return expect.Output(h.Pattern(), action, opts...), nil
	case model.EventExit:
		return expect.ExitCode(*h.Exit, action, opts...), nil
	case model.EventTimeout:
		return expect.Timeout(action, opts...), nil
	case model.EventUnsatisfied:
		return expect.Unsatisfied(action, opts...), nil
	default:
		return nil, fmt.Errorf("%w: unknown event %q", model.ErrInvalidScript, event)
	}
}

// stepTrigger returns nil for a step which only sends.
func stepTrigger(st model.Step) (*expect.Trigger, error) {
	event, err := st.Event()
	if err != nil {
		return nil, err
	}
	switch event {
	case model.EventNone:
		return nil, nil
	case model.EventOutput:
		return expect.Output(st.Pattern(), nil), nil
	case model.EventExit:
		return expect.ExitCode(*st.Exit, nil), nil
	case model.EventTimeout:
		return expect.Timeout(nil), nil
	default:
		return nil, fmt.Errorf("%w: unknown event %q", model.ErrInvalidScript, event)
	}
}

func send(input string) expect.Action {
	if input == "" {
		return nil
	}
	return func(p *expect.Process, _ expect.Event) error {
		_, err := p.WriteString(input)
		return err
	}
}
