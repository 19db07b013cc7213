// Package expect scripts interactive command line programs.
//
// A Process spawns one command on a pseudoterminal and reacts to what the
// command does through triggers. A Trigger watches one kind of event:
//
//   - KindOutput: a regular expression matches the output read so far
//   - KindTimeout: a readiness wait elapsed with no I/O (Config.PollInterval)
//   - KindExit: the exit code of the command is accepted
//   - KindUnsatisfied: a blocking wait is about to fail
//
// Triggers registered with On react in the background, WaitFor blocks until
// its own trigger fires:
//
//	p := expect.New([]string{"adventure"}, expect.DefaultConfig())
//	p.On(expect.OutputString("Would you like instructions?", func(p *expect.Process, _ expect.Event) error {
//		return p.SendLine("no")
//	}))
//	if err := p.Start(ctx); err != nil {
//		return err
//	}
//	defer p.Close()
//	err := p.WaitFor(ctx, expect.Output(regexp.MustCompile(`end of a road`), nil))
//
// # Dispatch
//
// Triggers of one kind are evaluated in registration order. A match runs
// the action, unblocks the pending wait when the trigger is its blocker and
// counts down the TTL of the trigger. Exclusive triggers (the default) end the
// dispatch on a match. Output is matched as a whole, so patterns may span
// several reads; a round with a match consumes it. The matched text is gone
// from Output afterwards: once WaitFor for /hi/ returned on a command
// printing "hi", Output is empty.
//
// # Termination
//
// The command runs inside a wrapper which prints an end marker and waits for
// an acknowledgment before it exits (see package spawn). The marker is
// stripped before any trigger added by the caller sees the output. Once it has
// been seen the process is Ended: output triggers are dropped and the
// remaining output is kept for inspection. The exit of the child is noticed
// after its output was drained.
//
// # Interruption
//
// A wait which is not satisfied when a timeout happens or when the child
// exits is interrupted with ReasonTimeout, ReasonExit (status 0 after the
// end marker) or ReasonAbnormalExit. Unsatisfied triggers can handle it,
// otherwise WaitFor returns an *UnsatisfiedError. The pending wait is always
// cleaned up before WaitFor returns, including when an action fails.
//
// A Process is driven by a single goroutine and starts none on its own.
package expect
