package expect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// run processes events until the blocker is gone or an error occurs.
func (p *Process) run(ctx context.Context) error {
	for p.blocker != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.state == StateExited {
			if err := p.waitAfterExit(); err != nil {
				return err
			}
			continue
		}
		if err := p.step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// waitAfterExit resolves a wait started when nothing can happen anymore:
// an exit trigger still gets its chance, anything else is interrupted.
func (p *Process) waitAfterExit() error {
	if p.blocker.kind == KindExit {
		if _, _, err := p.fire(p.blocker); err != nil {
			return err
		}
		if p.blocker == nil {
			return nil
		}
	}
	return p.interrupt(p.exitReason())
}

// step is one iteration of the event loop: a bounded readiness wait and the
// handling of whatever became ready.
func (p *Process) step(ctx context.Context) error {
	events := int16(unix.POLLIN)
	if p.input.Len() > 0 {
		events |= unix.POLLOUT
	}
	timeout, clamped := p.cfg.PollInterval, false
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout, clamped = max(left, 0), true
		}
	}
	fds := []unix.PollFd{{Fd: int32(p.child.Fd()), Events: events}}
	p.log.Debug("poll", "events", events, "timeout", timeout)

	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if errors.Is(err, unix.EINTR) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("polling pty: %w", err)
	}

	if n == 0 && clamped {
		// the deadline of ctx elapsed, not the poll interval
		return ctx.Err()
	}
	if n == 0 {
		// a silent child may be gone already, which beats a timeout
		exited, err := p.checkExit()
		if err != nil || exited {
			return err
		}
		return p.handleTimeout()
	}

	revents := fds[0].Revents
	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		if err := p.handleReadable(ctx); err != nil {
			return err
		}
	}
	if revents&unix.POLLOUT != 0 && p.input.Len() > 0 {
		p.handleWritable()
	}
	_, err = p.checkExit()
	return err
}

func (p *Process) handleTimeout() error {
	p.log.Debug("timeout")
	if _, err := p.dispatch(KindTimeout); err != nil {
		return err
	}
	if p.blocker != nil {
		return p.interrupt(ReasonTimeout)
	}
	return nil
}

// handleReadable reads one chunk. A failing read while the child is running
// means it is on its way out, so wait for that instead of failing.
func (p *Process) handleReadable(ctx context.Context) error {
	n, err := p.child.Read(p.chunk)
	if n > 0 {
		if _, err := p.processOutput(p.chunk[:n]); err != nil {
			return err
		}
	}
	if err != nil && n == 0 {
		p.log.Debug("read failed, waiting for child to die", "error", err)
		return p.waitForDeath(ctx)
	}
	return nil
}

func (p *Process) handleWritable() {
	n, err := p.child.Write(p.input.Bytes())
	p.log.Debug("wrote", "bytes", n)
	if err != nil {
		// the child is going away, its exit gets noticed by the loop
		p.log.Debug("write failed", "error", err)
	}
	p.input.Reset()
}

func (p *Process) waitForDeath(ctx context.Context) error {
	for {
		_, exited, err := p.child.Reap(false)
		if err != nil || exited {
			return err
		}
		p.log.Debug("waiting for child to die")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.DyingPoll):
		}
	}
}

// processOutput appends a chunk, dispatches output triggers and reports
// whether any of them matched. The output gets consumed by a matching round.
// After the end marker, no output trigger can fire anymore and the remaining
// output is kept for inspection.
func (p *Process) processOutput(chunk []byte) (bool, error) {
	p.output.Write(chunk)
	if over := p.output.Len() - p.cfg.MaxOutput; over > 0 {
		p.output.Next(over)
	}
	if p.cfg.Transcript != nil {
		_, _ = p.cfg.Transcript.Write(chunk)
	}
	p.log.Debug("read", "bytes", len(chunk))

	matched, err := p.dispatch(KindOutput)
	if p.state == StateEnded {
		p.triggers.dropKind(KindOutput)
		return matched, err
	}
	if matched {
		p.consumeOutput()
	}
	return matched, err
}

// consumeOutput clears the output except for a trailing incomplete end
// marker, which must survive until the rest of it arrives.
func (p *Process) consumeOutput() {
	keep := bytes.Clone(partialSuffix(p.output.Bytes(), p.marker))
	p.output.Reset()
	p.output.Write(keep)
}

// partialSuffix returns the longest suffix of b which is a proper prefix of
// marker.
func partialSuffix(b []byte, marker string) []byte {
	for n := min(len(b), len(marker)-1); n > 0; n-- {
		if bytes.HasSuffix(b, []byte(marker[:n])) {
			return b[len(b)-n:]
		}
	}
	return nil
}

// checkExit reaps the child if it terminated and handles its exit.
func (p *Process) checkExit() (bool, error) {
	status, exited, err := p.child.Reap(false)
	if err != nil {
		return false, err
	}
	if !exited {
		return false, nil
	}
	return true, p.handleExit(status)
}

func (p *Process) handleExit(status Status) error {
	if p.state == StateExited {
		return nil
	}
	if err := p.drain(); err != nil {
		return err
	}
	p.state = StateExited
	p.status = &status
	p.log.Debug("handling exit", "status", status.Code, "signal", status.Signal)

	if _, err := p.dispatch(KindExit); err != nil {
		return err
	}
	if p.blocker != nil {
		return p.interrupt(p.exitReason())
	}
	return nil
}

// drain reads what is left in the pty without blocking.
func (p *Process) drain() error {
	for {
		fds := []unix.PollFd{{Fd: int32(p.child.Fd()), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n == 0 || fds[0].Revents&unix.POLLIN == 0 {
			return nil
		}
		n, err = p.child.Read(p.chunk)
		if n > 0 {
			if _, err := p.processOutput(p.chunk[:n]); err != nil {
				return err
			}
		}
		if err != nil || n == 0 {
			return nil
		}
	}
}

func (p *Process) exitReason() Reason {
	if p.ended && p.status != nil && p.status.Code == 0 {
		return ReasonExit
	}
	return ReasonAbnormalExit
}

// interrupt resolves the pending wait, which did not get satisfied by its
// own trigger. An Unsatisfied trigger may handle it; if none does, the wait
// fails.
func (p *Process) interrupt(reason Reason) error {
	p.reason = reason
	awaited := p.blocker
	p.log.Debug("wait interrupted", "reason", reason.String(), "trigger", awaited.String())

	matched, err := p.dispatch(KindUnsatisfied)
	p.unblock()
	if err != nil {
		return err
	}
	if matched {
		return nil
	}
	return &UnsatisfiedError{
		Reason:  reason,
		Awaited: awaited.String(),
		Status:  p.status,
		Output:  p.output.String(),
	}
}
