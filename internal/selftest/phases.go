package selftest

import (
	"github.com/msageha/selftestd/internal/events"
	"github.com/msageha/selftestd/internal/model"
)

// tick handles the current state and reports whether the controller should
// advance to the next state.
func (c *Controller) tick() bool {
	switch c.state {
	case StateIdle, StateFinished, StateAborted:
		return false
	case StateStart:
		c.phaseStart()
	case StateSelftestStart:
		c.phaseSelftestStart()
	case StatePrologueAskRun, StatePrologueInfo, StatePrologueInfoDetailed:
		c.prompt(c.state)
	case StatePrologueAskRunWaitUser, StatePrologueInfoWaitUser, StatePrologueInfoDetailedWaitUser, StateResultWaitUser:
		if c.phaseWaitUser(c.state) {
			return false
		}
	case StateNetStatus:
		if c.runPhase(KindNetStatus) {
			return false
		}
	case StateFans:
		if c.runPhase(KindFan) {
			return false
		}
	case StateLoadcell:
		if c.runPhase(KindLoadcell) {
			return false
		}
	case StateWaitFans, StateWaitLoadcell, StateWaitAxes, StateWaitHeaters:
		if c.phaseWait() {
			return false
		}
	case StateZCalibration:
		c.phaseZCalibration()
	case StateXAxis:
		// Y runs even if X fails
		if c.runPhase(KindXAxis) {
			return false
		}
	case StateYAxis:
		if c.runPhase(KindYAxis) {
			return false
		}
	case StateZAxis:
		if c.runPhase(KindZAxis) {
			return false
		}
	case StateMoveZup:
		c.phaseMoveZup()
	case StateHeatersNozzleEnable:
		c.spawnAll(KindNozzle)
	case StateHeatersBedEnable:
		// the bed is measured once per run, not again on nozzle retries
		if c.retries == 0 {
			c.spawnAll(KindBed)
		}
	case StateHeaters:
		if c.poll(KindNozzle, KindBed) {
			return false
		}
	case StateHotEndSock:
		if c.phaseHotEndSock() {
			return false
		}
	case StateToolOffsets:
		if c.runPhase(KindToolOffsets) {
			return false
		}
	case StateFSensorCalibration:
		if c.runPhase(KindFSensor) {
			return false
		}
	case StateFSensorMMUCalibration:
		if c.runPhase(KindFSensorMMU) {
			return false
		}
	case StateGears:
		if c.runPhase(KindGears) {
			return false
		}
	case StateSelftestStop:
		c.restoreAfterSelftest()
	case StateDidSelftestPass:
		c.phaseDidSelftestPass()
	case StateEpilogueNok:
		if c.outcome() == model.ResultFailed {
			c.prompt(c.state)
		}
	case StateEpilogueNokWaitUser:
		if c.outcome() == model.ResultFailed && c.phaseWaitUser(c.state) {
			return false
		}
	case StateShowResult:
		c.phaseShowResult()
	case StateEpilogueOk:
		if c.outcome() == model.ResultPassed {
			c.prompt(c.state)
		}
	case StateEpilogueOkWaitUser:
		if c.outcome() == model.ResultPassed && c.phaseWaitUser(c.state) {
			return false
		}
	case StateFinish:
		c.phaseFinish()
	}
	return true
}

func (c *Controller) phaseStart() {
	c.reloadResult()
	c.publish(events.EventRunStarted, map[string]any{
		"requested": uint64(c.requested),
		"expanded":  uint64(c.mask),
		"tools":     append([]int(nil), c.tools...),
		"full_run":  c.fullRun,
	})
}

// phaseSelftestStart pre-heats the bed when heaters are tested and resets the
// results of every selected test to unknown, persisting immediately so an
// interrupted run never reports stale passes. Unselected results are kept.
func (c *Controller) phaseSelftestStart() {
	if c.mask.HasAny(MaskHeaters) {
		// stay below the heater test start temperature so the bed is not
		// soaked before the measurement begins
		c.opts.Machine.SetBedTarget(c.opts.PreheatBedTemp)
		for _, t := range c.tools {
			c.opts.Machine.SetNozzleTarget(t, 0)
		}
	}

	c.reloadResult()
	for _, s := range c.mask.States() {
		for _, comp := range componentsOf[s] {
			if !comp.ToolScoped() {
				c.result.Set(comp, 0, model.ResultUnknown)
				continue
			}
			for _, t := range c.tools {
				c.result.Set(comp, t, model.ResultUnknown)
			}
		}
	}
	c.saveResult()
	c.publishSnapshot()
}

func (c *Controller) prompt(s State) {
	c.logger.Infof("prompt run=%s state=%s", c.runID, s)
	c.publish(events.EventPrompt, map[string]any{
		"state":   s.String(),
		"wait":    checkpoints[s].String(),
		"outcome": c.outcome().String(),
	})
}

// phaseWaitUser consumes the pending answer for s and reports whether the
// controller must keep waiting.
func (c *Controller) phaseWaitUser(s State) bool {
	r := model.ResponseContinue
	if c.opts.Responses != nil {
		r = c.opts.Responses.TakeResponse(s)
	}
	if r == model.ResponseNone {
		return true
	}

	c.logger.Infof("response run=%s state=%s response=%s", c.runID, s, r)
	c.publish(events.EventResponse, map[string]any{"state": s.String(), "response": r.String()})

	switch r {
	case model.ResponseAbort, model.ResponseCancel:
		c.abort()
	case model.ResponseIgnore:
		if err := c.opts.Store.ClearAutoRunFlags(); err != nil {
			c.logger.Errorf("clear auto-run flags failed run=%s error=%v", c.runID, err)
		}
		c.abort()
	}
	return false
}

// phaseWait holds a Wait_* state for the configured dwell.
func (c *Controller) phaseWait() bool {
	return c.opts.Now().Sub(c.stateSince) < c.opts.WaitDwell
}

func (c *Controller) phaseZCalibration() {
	r := model.ResultPassed
	if err := c.opts.Machine.CalibrateZ(); err != nil {
		c.logger.Errorf("z calibration failed run=%s error=%v", c.runID, err)
		r = model.ResultFailed
	}
	c.record([]Finding{{Component: model.ComponentZAlign, Result: r}})
}

func (c *Controller) phaseMoveZup() {
	if c.opts.MoveZUpMm <= 0 {
		return
	}
	if err := c.opts.Machine.MoveZ(c.opts.MoveZUpMm); err != nil {
		c.logger.Warnf("move z up failed run=%s error=%v", c.runID, err)
	}
}

// phaseHotEndSock lets the sock handler run when a nozzle did not pass and,
// if it asks for a retry, jumps back to the nozzle heater phase while the
// retry budget lasts. It reports whether the state must not advance.
func (c *Controller) phaseHotEndSock() bool {
	needed := false
	for _, t := range c.tools {
		if c.result.Get(model.ComponentNozzle, t) != model.ResultPassed {
			needed = true
			break
		}
	}
	if !needed {
		return false
	}
	if c.runPhase(KindHotEndSock) {
		return true
	}
	if !c.retry {
		return false
	}
	if c.retries >= c.opts.HeaterRetryLimit {
		c.logger.Warnf("heater retry budget exhausted run=%s retries=%d", c.runID, c.retries)
		return false
	}
	c.retries++
	c.logger.Infof("heater retry run=%s attempt=%d/%d", c.runID, c.retries, c.opts.HeaterRetryLimit)
	c.setState(StateHeatersNozzleEnable)
	return true
}

func (c *Controller) phaseDidSelftestPass() {
	c.reloadResult()
	outcome := c.outcome()
	c.logger.Infof("selftest outcome run=%s outcome=%s", c.runID, outcome)
	if outcome != model.ResultPassed {
		return
	}
	// passed: don't run the wizard again
	if err := c.opts.Store.ClearAutoRunFlags(); err != nil {
		c.logger.Errorf("clear auto-run flags failed run=%s error=%v", c.runID, err)
	}
}

func (c *Controller) phaseShowResult() {
	c.reloadResult()
	c.publishSnapshot()
	c.prompt(StateShowResult)
}

// restoreAfterSelftest turns every heater target off, gives fan control back
// to the firmware and disables heaters and steppers.
func (c *Controller) restoreAfterSelftest() {
	m := c.opts.Machine
	m.SetBedTarget(0)
	for t := 0; t < c.opts.ToolCount; t++ {
		m.SetNozzleTarget(t, 0)
		m.ExitFanSelftestMode(t)
	}
	m.DisableAllHeaters()
	m.DisableSteppers()
}

func (c *Controller) phaseFinish() {
	c.restoreAfterSelftest()
	c.logger.Infof("run=%s ended state=%s outcome=%s", c.runID, c.state, c.outcome())
}

func (c *Controller) publishSnapshot() {
	c.publish(events.EventResultSnapshot, map[string]any{
		"result":  c.result.Clone(),
		"outcome": c.outcome().String(),
	})
}
