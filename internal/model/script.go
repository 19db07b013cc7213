package model

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Events a handler or a step can react to.
const (
	EventOutput      = "output"
	EventExit        = "exit"
	EventTimeout     = "timeout"
	EventUnsatisfied = "unsatisfied"
	EventNone        = ""
)

var ErrInvalidScript = errors.New("invalid script")

//go:embed script.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Script"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Script describes one scripted session with an interactive command.
type Script struct {
	Version  int               `json:"version" yaml:"version"` // fixed 0 for now
	Name     string            `json:"name,omitempty" yaml:"name,omitempty"`
	Command  []string          `json:"command" yaml:"command"`
	Shell    string            `json:"shell,omitempty" yaml:"shell,omitempty"`
	Dir      string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Poll     string            `json:"poll,omitempty" yaml:"poll,omitempty"`         // poll interval, "1s"
	Deadline string            `json:"deadline,omitempty" yaml:"deadline,omitempty"` // limit for the whole session
	On       []Handler         `json:"on,omitempty" yaml:"on,omitempty"`
	Steps    []Step            `json:"steps" yaml:"steps"`
}

// Handler reacts to events in the background of the steps.
type Handler struct {
	Output      string `json:"output,omitempty" yaml:"output,omitempty"` // regular expression
	Exit        *int   `json:"exit,omitempty" yaml:"exit,omitempty"`
	Timeout     bool   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Unsatisfied bool   `json:"unsatisfied,omitempty" yaml:"unsatisfied,omitempty"`
	Send        string `json:"send,omitempty" yaml:"send,omitempty"`
	Times       int    `json:"times,omitempty" yaml:"times,omitempty"` // 0 => unlimited
	Exclusive   *bool  `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
}

// Step waits for an event, then sends its input. A step with no event only
// sends.
type Step struct {
	Expect  string `json:"expect,omitempty" yaml:"expect,omitempty"` // regular expression
	Exit    *int   `json:"exit,omitempty" yaml:"exit,omitempty"`
	Timeout bool   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Send    string `json:"send,omitempty" yaml:"send,omitempty"`
}

// LoadScript validates YAML from r against CUE schema and decodes to Script.
func LoadScript(name string, r io.Reader) (*Script, error) {
	yamlFile, err := yaml.Extract(name, r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Script
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return &out, nil
}

// Validate checks what the schema can't: a single event per handler and
// step, valid regular expressions and durations.
func (s *Script) Validate() error {
	var errs []error
	if _, err := s.PollInterval(); err != nil {
		errs = append(errs, fmt.Errorf("poll: %w", err))
	}
	if _, err := s.Timeout(); err != nil {
		errs = append(errs, fmt.Errorf("deadline: %w", err))
	}
	for i, h := range s.On {
		if _, err := h.Event(); err != nil {
			errs = append(errs, fmt.Errorf("on.%d: %w", i, err))
		}
		if _, err := compile(h.Output); err != nil {
			errs = append(errs, fmt.Errorf("on.%d.output: %w", i, err))
		}
	}
	for i, st := range s.Steps {
		event, err := st.Event()
		if err != nil {
			errs = append(errs, fmt.Errorf("steps.%d: %w", i, err))
		}
		if event == EventNone && st.Send == "" {
			errs = append(errs, fmt.Errorf("steps.%d: %w: empty step", i, ErrInvalidScript))
		}
		if _, err := compile(st.Expect); err != nil {
			errs = append(errs, fmt.Errorf("steps.%d.expect: %w", i, err))
		}
	}
	// input is written while waiting, so nothing would write this one
	if n := len(s.Steps); n > 0 && s.Steps[n-1].Send != "" {
		errs = append(errs, fmt.Errorf("steps.%d: %w: last step can't send", n-1, ErrInvalidScript))
	}
	return errors.Join(errs...)
}

// PollInterval returns the parsed poll interval, 0 when not set.
func (s *Script) PollInterval() (time.Duration, error) {
	return parseDuration(s.Poll)
}

// Timeout returns the parsed deadline of the session, 0 when not set.
func (s *Script) Timeout() (time.Duration, error) {
	return parseDuration(s.Deadline)
}

// Title names the script in logs and reports.
func (s *Script) Title() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprint(s.Command)
}

// Event returns the event the handler reacts to.
func (h Handler) Event() (string, error) {
	return event(h.Output != "", h.Exit != nil, h.Timeout, h.Unsatisfied, true)
}

// Pattern returns the compiled output pattern, nil for other events.
func (h Handler) Pattern() *regexp.Regexp {
	re, _ := compile(h.Output)
	return re
}

// Event returns the event the step waits for, EventNone for a send only
// step.
func (s Step) Event() (string, error) {
	return event(s.Expect != "", s.Exit != nil, s.Timeout, false, false)
}

// Pattern returns the compiled expect pattern, nil for other events.
func (s Step) Pattern() *regexp.Regexp {
	re, _ := compile(s.Expect)
	return re
}

func event(output, exit, timeout, unsatisfied, required bool) (string, error) {
	var found []string
	if output {
		found = append(found, EventOutput)
	}
	if exit {
		found = append(found, EventExit)
	}
	if timeout {
		found = append(found, EventTimeout)
	}
	if unsatisfied {
		found = append(found, EventUnsatisfied)
	}
	switch {
	case len(found) == 1:
		return found[0], nil
	case len(found) > 1:
		return EventNone, fmt.Errorf("%w: more than one event %v", ErrInvalidScript, found)
	case required:
		return EventNone, fmt.Errorf("%w: no event", ErrInvalidScript)
	default:
		return EventNone, nil
	}
}

func compile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
