package selftest

import "github.com/msageha/selftestd/internal/model"

// slots holds at most one live handler per (kind, tool). Machine-scoped
// kinds have a single slot.
type slots struct {
	handlers [kindCount][]PhaseHandler
}

func newSlots(toolCount int) *slots {
	s := &slots{}
	for k := Kind(0); k < kindCount; k++ {
		n := 1
		if k.PerTool() {
			n = toolCount
		}
		s.handlers[k] = make([]PhaseHandler, n)
	}
	return s
}

func (s *slots) index(k Kind, tool int) int {
	if !k.PerTool() {
		return 0
	}
	return tool
}

func (s *slots) get(k Kind, tool int) PhaseHandler {
	i := s.index(k, tool)
	if i < 0 || i >= len(s.handlers[k]) {
		return nil
	}
	return s.handlers[k][i]
}

func (s *slots) put(k Kind, tool int, h PhaseHandler) bool {
	i := s.index(k, tool)
	if i < 0 || i >= len(s.handlers[k]) || s.handlers[k][i] != nil {
		return false
	}
	s.handlers[k][i] = h
	return true
}

// abortAll aborts and releases every live handler regardless of which phase
// is current, and returns how many there were.
func (s *slots) abortAll() int {
	n := 0
	for k := range s.handlers {
		for i, h := range s.handlers[k] {
			if h == nil {
				continue
			}
			h.Abort()
			s.handlers[k][i] = nil
			n++
		}
	}
	return n
}

func (s *slots) live() int {
	n := 0
	for k := range s.handlers {
		for _, h := range s.handlers[k] {
			if h != nil {
				n++
			}
		}
	}
	return n
}

// spawn constructs the handler for (kind, tool) unless the slot is taken.
// A handler that cannot be constructed counts as a failed test.
func (c *Controller) spawn(kind Kind, tool int) {
	if c.slots.get(kind, tool) != nil {
		return
	}
	h, err := c.opts.Factory.NewHandler(HandlerRequest{Kind: kind, Tool: tool, FullRun: c.fullRun})
	if err != nil {
		c.logger.Errorf("handler construction failed run=%s kind=%s tool=%d error=%v", c.runID, kind, tool, err)
		findings := make([]Finding, 0, len(kind.Components()))
		for _, comp := range kind.Components() {
			findings = append(findings, Finding{Component: comp, Tool: tool, Result: model.ResultFailed})
		}
		c.record(findings)
		return
	}
	c.slots.put(kind, tool, h)
	c.logger.Debugf("handler started run=%s kind=%s tool=%d", c.runID, kind, tool)
}

func (c *Controller) spawnAll(kind Kind) {
	if !kind.PerTool() {
		c.spawn(kind, 0)
		return
	}
	for _, t := range c.tools {
		c.spawn(kind, t)
	}
}

// poll polls every live handler of the given kinds, records and releases
// those that finished, and reports whether any is still running.
func (c *Controller) poll(kinds ...Kind) bool {
	running := false
	for _, k := range kinds {
		for i, h := range c.slots.handlers[k] {
			if h == nil {
				continue
			}
			p := h.Poll()
			if !p.Done {
				running = true
				continue
			}
			c.slots.handlers[k][i] = nil
			if p.Retry {
				c.retry = true
			}
			c.record(p.Findings)
		}
	}
	return running
}

// runPhase starts the handlers of kind on the first tick of the state and
// polls them on every tick. It reports whether the phase is still running.
func (c *Controller) runPhase(kind Kind) bool {
	if !c.entered {
		c.entered = true
		c.spawnAll(kind)
	}
	return c.poll(kind)
}
