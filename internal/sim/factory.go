package sim

import (
	"fmt"
	"sync"

	"github.com/msageha/selftestd/internal/model"
	"github.com/msageha/selftestd/internal/profile"
	"github.com/msageha/selftestd/internal/selftest"
)

// Fault kinds beyond the handler kinds.
const (
	FaultFansSwitched = "fans_switched"
	FaultZCalibration = "zcalib"
)

// Factory builds simulated phase handlers.
type Factory struct {
	mu      sync.RWMutex
	profile *profile.Profile
	machine *Machine
}

func NewFactory(p *profile.Profile, m *Machine) *Factory {
	return &Factory{profile: p, machine: m}
}

// SetProfile swaps the profile used by handlers built from now on and
// resizes the machine.
func (f *Factory) SetProfile(p *profile.Profile) {
	f.mu.Lock()
	f.profile = p
	f.mu.Unlock()
	f.machine.SetProfile(p)
}

func (f *Factory) Profile() *profile.Profile {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.profile
}

func (f *Factory) NewHandler(req selftest.HandlerRequest) (selftest.PhaseHandler, error) {
	p := f.Profile()
	if req.Kind.PerTool() && (req.Tool < 0 || req.Tool >= p.Tools) {
		return nil, fmt.Errorf("tool %d not configured (tools=%d)", req.Tool, p.Tools)
	}
	fault := func(kind string) bool { return f.machine.faults.take(kind, req.Tool) }
	sim := p.Simulation
	ph := &phase{polls: sim.PollsPerPhase}

	switch req.Kind {
	case selftest.KindFan:
		f.newFan(ph, p, req.Tool, fault)
	case selftest.KindXAxis, selftest.KindYAxis, selftest.KindZAxis:
		name, comp := axisOf(req.Kind)
		axis, ok := p.Axis(name)
		if !ok {
			return nil, fmt.Errorf("profile has no axis %q", name)
		}
		f.machine.moveAxis()
		failed := fault(req.Kind.String())
		ph.polls += len(axis.Feedrates)
		ph.evaluate = func() selftest.Progress {
			measured := sim.AxisLength[name]
			if failed {
				measured = axis.LengthMax + 10
			}
			return selftest.Completed(finding(comp, 0, inRange(measured, axis.LengthMin, axis.LengthMax)))
		}
	case selftest.KindNozzle, selftest.KindBed:
		return f.newHeater(ph, p, req, fault)
	case selftest.KindLoadcell:
		failed := fault(req.Kind.String())
		lc := p.Loadcell
		ph.evaluate = func() selftest.Progress {
			load := sim.TapLoad
			if failed {
				load = 0
			}
			return selftest.Completed(finding(model.ComponentLoadcell, req.Tool, inRange(load, lc.TapMinLoadOK, lc.TapMaxLoadOK)))
		}
	case selftest.KindFSensor, selftest.KindFSensorMMU:
		name, comp := "extruder", model.ComponentFSensor
		if req.Kind == selftest.KindFSensorMMU {
			name, comp = "side", model.ComponentSideFSensor
		}
		cfg, ok := p.FSensor(name)
		if !ok {
			return nil, fmt.Errorf("profile has no fsensor %q", name)
		}
		failed := fault(req.Kind.String())
		ph.evaluate = func() selftest.Progress {
			loaded := sim.FSensorLoaded
			if failed {
				loaded = sim.FSensorEmpty
			}
			return selftest.Completed(finding(comp, req.Tool, fsensorCalibration(cfg, sim.FSensorEmpty, loaded)))
		}
	case selftest.KindGears:
		failed := fault(req.Kind.String())
		ph.evaluate = func() selftest.Progress {
			return selftest.Completed(finding(model.ComponentGears, 0, !failed && p.Gears.Feedrate > 0))
		}
	case selftest.KindToolOffsets:
		failed := fault(req.Kind.String())
		ph.evaluate = func() selftest.Progress {
			return selftest.Completed(finding(model.ComponentToolOffset, req.Tool, !failed))
		}
	case selftest.KindNetStatus:
		ph.polls = 0
		ph.evaluate = func() selftest.Progress {
			return selftest.Completed(
				finding(model.ComponentEth, 0, sim.EthConnected),
				finding(model.ComponentWifi, 0, sim.WifiConnected),
			)
		}
	case selftest.KindHotEndSock:
		retry := fault(req.Kind.String())
		ph.evaluate = func() selftest.Progress {
			out := selftest.Completed()
			out.Retry = retry
			return out
		}
	default:
		return nil, fmt.Errorf("%w: %s", selftest.ErrNoHandler, req.Kind)
	}
	return ph, nil
}

func (f *Factory) newFan(ph *phase, p *profile.Profile, tool int, fault func(string) bool) {
	printFan, _ := p.Fan("print")
	heatbreakFan, _ := p.Fan("heatbreak")
	failed := fault(selftest.KindFan.String())
	switched := fault(FaultFansSwitched)

	f.machine.enterFanSelftestMode(tool)
	ph.polls += printFan.Steps()
	ph.release = func() { f.machine.ExitFanSelftestMode(tool) }
	ph.evaluate = func() selftest.Progress {
		printRPM, heatbreakRPM := p.Simulation.PrintFanRPM, p.Simulation.HeatBreakFanRPM
		if switched {
			printRPM, heatbreakRPM = heatbreakRPM, printRPM
		}
		if failed {
			printRPM = make([]int, len(printRPM))
		}
		return selftest.Completed(
			finding(model.ComponentPrintFan, tool, fanInWindow(printFan, printRPM)),
			finding(model.ComponentHeatBreakFan, tool, fanInWindow(heatbreakFan, heatbreakRPM)),
			finding(model.ComponentFansSwitched, tool, !fansSwitched(printFan, heatbreakFan, printRPM, heatbreakRPM)),
		)
	}
}

// newHeater sets the target when the handler is built; the controller
// builds heater handlers in the enable states and polls them later.
func (f *Factory) newHeater(ph *phase, p *profile.Profile, req selftest.HandlerRequest, fault func(string) bool) (selftest.PhaseHandler, error) {
	name, comp := "nozzle", model.ComponentNozzle
	peak := p.Simulation.NozzlePeakTemp
	if req.Kind == selftest.KindBed {
		name, comp = "bed", model.ComponentBed
		peak = p.Simulation.BedPeakTemp
	}
	h, ok := p.Heater(name)
	if !ok {
		return nil, fmt.Errorf("profile has no heater %q", name)
	}
	failed := fault(req.Kind.String())
	tool := req.Tool
	if req.Kind == selftest.KindBed {
		tool = 0
	}

	setTarget := func(c float64) {
		if req.Kind == selftest.KindBed {
			f.machine.SetBedTarget(c)
		} else {
			f.machine.SetNozzleTarget(req.Tool, c)
		}
	}
	setTarget(h.TargetTemp)
	ph.release = func() { setTarget(0) }
	ph.evaluate = func() selftest.Progress {
		reached := peak
		if failed {
			reached = h.StartTemp
		}
		return selftest.Completed(finding(comp, tool, inRange(reached, h.HeatMinTemp, h.HeatMaxTemp)))
	}
	return ph, nil
}

func axisOf(k selftest.Kind) (string, model.Component) {
	switch k {
	case selftest.KindYAxis:
		return "y", model.ComponentYAxis
	case selftest.KindZAxis:
		return "z", model.ComponentZAxis
	default:
		return "x", model.ComponentXAxis
	}
}
