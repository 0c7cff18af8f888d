// Package sim is a simulated printer: a selftest.Machine and a
// selftest.HandlerFactory whose sensor readings and faults come from the
// machine profile.
package sim

import (
	"errors"
	"sync"

	"github.com/msageha/selftestd/internal/profile"
)

var ErrZCalibration = errors.New("z calibration probe failed")

// Machine holds the simulated actuator state.
type Machine struct {
	mu sync.Mutex

	tools           int
	bedTarget       float64
	nozzleTargets   []float64
	fanSelftest     []bool
	heatersEnabled  bool
	steppersEnabled bool
	zPos            float64
	zCalibrated     bool

	faults *faultBook
}

// MachineState is a copy of the simulated actuator state.
type MachineState struct {
	BedTarget       float64
	NozzleTargets   []float64
	FanSelftest     []bool
	HeatersEnabled  bool
	SteppersEnabled bool
	ZPos            float64
	ZCalibrated     bool
}

func NewMachine(p *profile.Profile) *Machine {
	m := &Machine{faults: newFaultBook()}
	m.SetProfile(p)
	return m
}

// SetProfile resizes the machine for p and replaces its fault plan.
func (m *Machine) SetProfile(p *profile.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools = p.Tools
	m.nozzleTargets = resize(m.nozzleTargets, p.Tools)
	m.fanSelftest = resize(m.fanSelftest, p.Tools)
	m.faults.load(p.Simulation.Faults)
}

func resize[T any](s []T, n int) []T {
	out := make([]T, n)
	copy(out, s)
	return out
}

func (m *Machine) SetBedTarget(celsius float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bedTarget = celsius
	if celsius > 0 {
		m.heatersEnabled = true
	}
}

func (m *Machine) SetNozzleTarget(tool int, celsius float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tool < 0 || tool >= len(m.nozzleTargets) {
		return
	}
	m.nozzleTargets[tool] = celsius
	if celsius > 0 {
		m.heatersEnabled = true
	}
}

func (m *Machine) enterFanSelftestMode(tool int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tool >= 0 && tool < len(m.fanSelftest) {
		m.fanSelftest[tool] = true
	}
}

func (m *Machine) ExitFanSelftestMode(tool int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tool >= 0 && tool < len(m.fanSelftest) {
		m.fanSelftest[tool] = false
	}
}

func (m *Machine) DisableAllHeaters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heatersEnabled = false
	m.bedTarget = 0
	for i := range m.nozzleTargets {
		m.nozzleTargets[i] = 0
	}
}

func (m *Machine) DisableSteppers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steppersEnabled = false
}

func (m *Machine) CalibrateZ() error {
	if m.faults.take(FaultZCalibration, 0) {
		return ErrZCalibration
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steppersEnabled = true
	m.zCalibrated = true
	m.zPos = 0
	return nil
}

func (m *Machine) MoveZ(mm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steppersEnabled = true
	m.zPos += mm
	return nil
}

func (m *Machine) moveAxis() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steppersEnabled = true
}

func (m *Machine) State() MachineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MachineState{
		BedTarget:       m.bedTarget,
		NozzleTargets:   append([]float64(nil), m.nozzleTargets...),
		FanSelftest:     append([]bool(nil), m.fanSelftest...),
		HeatersEnabled:  m.heatersEnabled,
		SteppersEnabled: m.steppersEnabled,
		ZPos:            m.zPos,
		ZCalibrated:     m.zCalibrated,
	}
}

// faultBook tracks how often each (kind, tool) fault has fired.
type faultBook struct {
	mu     sync.Mutex
	faults map[faultKey]*faultState
}

type faultKey struct {
	kind string
	tool int
}

type faultState struct {
	times int // 0 = always
	fired int
}

func newFaultBook() *faultBook {
	return &faultBook{faults: map[faultKey]*faultState{}}
}

func (b *faultBook) load(faults []profile.Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = map[faultKey]*faultState{}
	for _, f := range faults {
		b.faults[faultKey{f.Kind, f.Tool}] = &faultState{times: f.Times}
	}
}

// take reports whether the fault for (kind, tool) fires now and counts it.
func (b *faultBook) take(kind string, tool int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.faults[faultKey{kind, tool}]
	if !ok {
		return false
	}
	if st.times > 0 && st.fired >= st.times {
		return false
	}
	st.fired++
	return true
}
