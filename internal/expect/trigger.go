package expect

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/CZERTAINLY/Expecter/internal/spawn"
)

// Status is the termination status of the child process.
type Status = spawn.Status

// Kind is the event kind a Trigger reacts to.
type Kind int

const (
	// KindOutput fires when the pattern matches the unconsumed output.
	KindOutput Kind = iota
	// KindTimeout fires when a readiness wait elapsed with no I/O.
	KindTimeout
	// KindExit fires when the exit status of the child is accepted.
	KindExit
	// KindUnsatisfied fires right before a blocking wait fails.
	KindUnsatisfied
)

func (k Kind) String() string {
	switch k {
	case KindOutput:
		return "output"
	case KindTimeout:
		return "timeout"
	case KindExit:
		return "exit"
	case KindUnsatisfied:
		return "unsatisfied"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Reason tells why a blocking wait got interrupted.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTimeout
	ReasonExit
	ReasonAbnormalExit
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTimeout:
		return "timeout"
	case ReasonExit:
		return "exit"
	case ReasonAbnormalExit:
		return "abnormal_exit"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Event is passed to an Action.
type Event struct {
	Kind Kind
	// Match holds the whole match followed by the submatches (output).
	Match []string
	// Status of the terminated child (exit).
	Status Status
	// Reason and Awaited describe the interrupted wait (unsatisfied).
	Reason  Reason
	Awaited *Trigger
}

// Action runs when its trigger matched. A returned error aborts the current
// dispatch and, during WaitFor, is returned to its caller. ErrUnhandled is
// special: the trigger is considered not matching.
type Action func(p *Process, ev Event) error

// Trigger reacts to one kind of event. Triggers are exclusive by default:
// once one matches, later triggers do not see the same event.
type Trigger struct {
	kind      Kind
	pattern   *regexp.Regexp
	accept    func(code int) bool
	desc      string
	exclusive bool
	ttl       int
	action    Action
}

// Option configures a Trigger.
type Option func(*Trigger)

// Exclusive sets whether a match stops the evaluation of later triggers.
func Exclusive(exclusive bool) Option {
	return func(t *Trigger) { t.exclusive = exclusive }
}

// TTL limits how many times the trigger can fire; 0 means unlimited.
func TTL(n int) Option {
	return func(t *Trigger) { t.ttl = max(n, 0) }
}

// Describe overrides the description used in logs and errors.
func Describe(desc string) Option {
	return func(t *Trigger) { t.desc = desc }
}

var anyOutput = regexp.MustCompile(``)

func newTrigger(kind Kind, desc string, action Action, opts []Option) *Trigger {
	t := &Trigger{
		kind:      kind,
		desc:      desc,
		exclusive: true,
		action:    action,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Output fires when pattern matches the output read so far and not
// consumed by an earlier match. A nil pattern matches any output.
func Output(pattern *regexp.Regexp, action Action, opts ...Option) *Trigger {
	desc := "any output"
	if pattern == nil {
		pattern = anyOutput
	} else {
		desc = fmt.Sprintf("output matching /%s/", pattern)
	}
	t := newTrigger(KindOutput, desc, action, opts)
	t.pattern = pattern
	return t
}

// OutputString fires when the output contains s.
func OutputString(s string, action Action, opts ...Option) *Trigger {
	opts = append([]Option{Describe(fmt.Sprintf("output containing %q", s))}, opts...)
	return Output(regexp.MustCompile(regexp.QuoteMeta(s)), action, opts...)
}

// Timeout fires whenever a readiness wait elapses without any I/O.
func Timeout(action Action, opts ...Option) *Trigger {
	return newTrigger(KindTimeout, "timeout", action, opts)
}

// Exit fires when accept returns true for the exit code. A nil accept
// expects a zero exit code.
func Exit(accept func(code int) bool, action Action, opts ...Option) *Trigger {
	desc := "exit"
	if accept == nil {
		accept = func(code int) bool { return code == 0 }
		desc = "exit with status 0"
	}
	t := newTrigger(KindExit, desc, action, opts)
	t.accept = accept
	return t
}

// ExitCode fires when the process exits with code.
func ExitCode(code int, action Action, opts ...Option) *Trigger {
	opts = append([]Option{Describe(fmt.Sprintf("exit with status %d", code))}, opts...)
	return Exit(func(c int) bool { return c == code }, action, opts...)
}

// AnyExit fires on any termination of the process.
func AnyExit(action Action, opts ...Option) *Trigger {
	opts = append([]Option{Describe("any exit")}, opts...)
	return Exit(func(int) bool { return true }, action, opts...)
}

// Unsatisfied fires when a blocking wait is about to fail because of a
// timeout or the termination of the process. When it matches, the wait
// returns without error.
func Unsatisfied(action Action, opts ...Option) *Trigger {
	return newTrigger(KindUnsatisfied, "unsatisfied wait", action, opts)
}

// Kind returns the event kind the trigger reacts to.
func (t *Trigger) Kind() Kind {
	return t.kind
}

// IsExclusive reports whether a match hides the event from later triggers.
func (t *Trigger) IsExclusive() bool {
	return t.exclusive
}

// TTL returns the remaining number of runs, 0 means unlimited.
func (t *Trigger) TTL() int { return t.ttl }

func (t *Trigger) String() string { return t.desc }

// call evaluates the condition and runs the action on a match.
func (t *Trigger) call(p *Process) (bool, error) {
	ev := Event{Kind: t.kind}
	switch t.kind {
	case KindOutput:
		m := t.pattern.FindStringSubmatch(p.output.String())
		if m == nil {
			return false, nil
		}
		ev.Match = m
	case KindTimeout:
	case KindExit:
		if p.status == nil || !t.accept(p.status.Code) {
			return false, nil
		}
		ev.Status = *p.status
	case KindUnsatisfied:
		ev.Reason = p.reason
		ev.Awaited = p.blocker
	default:
		return false, fmt.Errorf("unknown trigger kind %s", t.kind)
	}

	if t.action == nil {
		return true, nil
	}
	err := t.action(p, ev)
	if errors.Is(err, ErrUnhandled) {
		return false, nil
	}
	return true, err
}
