package sim

import (
	"github.com/msageha/selftestd/internal/model"
	"github.com/msageha/selftestd/internal/profile"
	"github.com/msageha/selftestd/internal/selftest"
)

// phase is a simulated hardware test: it reports Running for `polls` polls,
// then evaluates once and completes. release runs on completion and on
// abort, exactly once.
type phase struct {
	polls    int
	evaluate func() selftest.Progress
	release  func()
	done     bool
}

func (p *phase) Poll() selftest.Progress {
	if p.done {
		return selftest.Completed()
	}
	if p.polls > 0 {
		p.polls--
		return selftest.Running()
	}
	p.done = true
	out := p.evaluate()
	p.finish()
	return out
}

func (p *phase) Abort() {
	p.done = true
	p.finish()
}

func (p *phase) finish() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
}

func verdict(ok bool) model.TestResult {
	if ok {
		return model.ResultPassed
	}
	return model.ResultFailed
}

func finding(c model.Component, tool int, ok bool) selftest.Finding {
	return selftest.Finding{Component: c, Tool: tool, Result: verdict(ok)}
}

// fanInWindow checks the measured RPM of every PWM step.
func fanInWindow(f profile.Fan, measured []int) bool {
	for i := 0; i < f.Steps(); i++ {
		if i >= len(measured) {
			return false
		}
		if measured[i] < f.RPMMin[i] || measured[i] > f.RPMMax[i] {
			return false
		}
	}
	return true
}

// fansSwitched reports whether the two fans answer each other's windows
// better than their own, i.e. the connectors are swapped.
func fansSwitched(printFan, heatbreakFan profile.Fan, printRPM, heatbreakRPM []int) bool {
	return !fanInWindow(printFan, printRPM) && !fanInWindow(heatbreakFan, heatbreakRPM) &&
		fanInWindow(printFan, heatbreakRPM) && fanInWindow(heatbreakFan, printRPM)
}

// fsensorState classifies a filtered ADC value against a calibrated
// reference.
type fsensorState int

const (
	fsNotConnected fsensorState = iota
	fsNoFilament
	fsHasFilament
)

func classifyFSensor(value, ref, span, disconnect int) fsensorState {
	if value < disconnect {
		return fsNotConnected
	}
	if value >= ref-span && value <= ref+span {
		return fsNoFilament
	}
	return fsHasFilament
}

// fsensorCalibration takes the empty reading as reference and requires the
// loaded reading to fall outside the widened span, so it cannot trigger
// randomly near the threshold.
func fsensorCalibration(cfg profile.FSensor, empty, loaded int) bool {
	if classifyFSensor(empty, empty, cfg.ValueSpan, cfg.DisconnectThreshold) == fsNotConnected {
		return false
	}
	extended := int(float64(cfg.ValueSpan) * cfg.SpanMultiplier)
	return classifyFSensor(loaded, empty, extended, cfg.DisconnectThreshold) == fsHasFilament
}

func inRange(v, lo, hi float64) bool { return v >= lo && v <= hi }
