package expect

import "slices"

// registry keeps the active triggers in registration order.
type registry struct {
	triggers []*Trigger
}

func (r *registry) add(t *Trigger) {
	r.triggers = append(r.triggers, t)
}

func (r *registry) prepend(t *Trigger) {
	r.triggers = slices.Insert(r.triggers, 0, t)
}

func (r *registry) remove(t *Trigger) bool {
	i := slices.Index(r.triggers, t)
	if i < 0 {
		return false
	}
	r.triggers = slices.Delete(r.triggers, i, i+1)
	return true
}

func (r *registry) contains(t *Trigger) bool {
	return slices.Contains(r.triggers, t)
}

// ofKind returns a snapshot, so actions may change the registry while it
// is being iterated.
func (r *registry) ofKind(kind Kind) []*Trigger {
	var ret []*Trigger
	for _, t := range r.triggers {
		if t.kind == kind {
			ret = append(ret, t)
		}
	}
	return ret
}

func (r *registry) dropKind(kind Kind) {
	r.triggers = slices.DeleteFunc(r.triggers, func(t *Trigger) bool {
		return t.kind == kind
	})
}

func (r *registry) all() []*Trigger {
	return slices.Clone(r.triggers)
}

// dispatch evaluates the triggers of kind in registration order and reports
// whether at least one of them matched. A matching trigger unblocks the
// pending wait when it is its blocker, loses one run of its TTL and, when
// exclusive, ends the dispatch.
func (p *Process) dispatch(kind Kind) (bool, error) {
	matches := 0
	for _, t := range p.triggers.ofKind(kind) {
		if !p.triggers.contains(t) {
			// removed by an action which ran earlier in this round
			continue
		}
		matched, stop, err := p.fire(t)
		if matched {
			matches++
		}
		if err != nil {
			return matches > 0, err
		}
		if stop {
			break
		}
	}
	return matches > 0, nil
}

// fire runs a single trigger and does the bookkeeping of a match.
func (p *Process) fire(t *Trigger) (matched, stop bool, err error) {
	matched, err = t.call(p)
	if !matched {
		p.log.Debug("no match", "trigger", t.String())
		return false, false, err
	}
	p.log.Debug("match trigger", "trigger", t.String())
	if p.blocker == t {
		p.unblock()
	}
	if t.ttl > 0 {
		t.ttl--
		if t.ttl == 0 {
			p.triggers.remove(t)
			p.log.Debug("trigger removed", "trigger", t.String())
		} else {
			p.log.Debug("trigger ttl reduced", "trigger", t.String(), "ttl", t.ttl)
		}
	}
	return true, t.exclusive, err
}
