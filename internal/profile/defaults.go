package profile

import (
	"fmt"
	"sort"
	"strings"
)

// MaxTools is the largest tool count a profile may declare.
const MaxTools = 64

// Default returns the built-in single-tool profile used when no file is
// configured.
func Default() *Profile {
	p := &Profile{Name: "default", Tools: 1}
	p.applyDefaults()
	return p
}

func defaultFans() []Fan {
	return []Fan{
		{Name: "print", PWMStart: 51, PWMStep: 204, RPMMin: []int{10, 5300}, RPMMax: []int{10000, 6500}},
		{Name: "heatbreak", PWMStart: 51, PWMStep: 204, RPMMin: []int{10, 6800}, RPMMax: []int{10000, 8700}},
	}
}

func defaultAxes() []Axis {
	return []Axis{
		{Name: "x", Length: 250, LengthMin: 250, LengthMax: 260, Feedrates: []float64{80}},
		{Name: "y", Length: 210, LengthMin: 210, LengthMax: 220, Feedrates: []float64{80}, Park: true, ParkPos: 150},
		{Name: "z", Length: 220, LengthMin: 216, LengthMax: 226, Feedrates: []float64{12}},
	}
}

func defaultHeaters() []Heater {
	return []Heater{
		{Name: "nozzle", HeatTimeMs: 42000, StartTemp: 80, UndercoolTemp: 75, TargetTemp: 290,
			HeatMinTemp: 195, HeatMaxTemp: 245, SockTempOffset: -20},
		{Name: "bed", HeatTimeMs: 60000, StartTemp: 40, UndercoolTemp: 39, TargetTemp: 110,
			HeatMinTemp: 50, HeatMaxTemp: 65},
	}
}

func defaultFSensors() []FSensor {
	return []FSensor{
		{Name: "extruder", ValueSpan: 350, SpanMultiplier: 1.2, DisconnectThreshold: 100},
		{Name: "side", ValueSpan: 350, SpanMultiplier: 1.2, DisconnectThreshold: 100},
	}
}

// applyDefaults fills every section the file left out. Declared blocks
// replace the built-in ones of the same name.
func (p *Profile) applyDefaults() {
	if p.Tools <= 0 {
		p.Tools = 1
	}
	p.Fans = mergeNamed(p.Fans, defaultFans(), func(f Fan) string { return f.Name })
	p.Axes = mergeNamed(p.Axes, defaultAxes(), func(a Axis) string { return a.Name })
	p.Heaters = mergeNamed(p.Heaters, defaultHeaters(), func(h Heater) string { return h.Name })
	p.FSensors = mergeNamed(p.FSensors, defaultFSensors(), func(f FSensor) string { return f.Name })
	for i := range p.FSensors {
		if p.FSensors[i].SpanMultiplier <= 0 {
			p.FSensors[i].SpanMultiplier = 1.2
		}
	}
	if p.Loadcell == nil {
		p.Loadcell = &Loadcell{CoolTemp: 50, CountdownSec: 5, TapMinLoadOK: 500, TapMaxLoadOK: 2000, TapTimeoutMs: 2000}
	}
	if p.Gears == nil {
		p.Gears = &Gears{Feedrate: 8}
	}
	if p.Simulation == nil {
		p.Simulation = &Simulation{EthConnected: true}
	}
	s := p.Simulation
	if s.PollsPerPhase <= 0 {
		s.PollsPerPhase = 3
	}
	if len(s.PrintFanRPM) == 0 {
		s.PrintFanRPM = []int{1500, 5900}
	}
	if len(s.HeatBreakFanRPM) == 0 {
		s.HeatBreakFanRPM = []int{1800, 7600}
	}
	if s.AxisLength == nil {
		s.AxisLength = map[string]float64{}
	}
	for _, a := range p.Axes {
		if _, ok := s.AxisLength[a.Name]; !ok {
			s.AxisLength[a.Name] = (a.LengthMin + a.LengthMax) / 2
		}
	}
	if s.NozzlePeakTemp == 0 {
		if h, ok := p.Heater("nozzle"); ok {
			s.NozzlePeakTemp = (h.HeatMinTemp + h.HeatMaxTemp) / 2
		}
	}
	if s.BedPeakTemp == 0 {
		if h, ok := p.Heater("bed"); ok {
			s.BedPeakTemp = (h.HeatMinTemp + h.HeatMaxTemp) / 2
		}
	}
	if s.TapLoad == 0 {
		s.TapLoad = (p.Loadcell.TapMinLoadOK + p.Loadcell.TapMaxLoadOK) / 2
	}
	if s.FSensorEmpty == 0 {
		s.FSensorEmpty = 1000
	}
	if s.FSensorLoaded == 0 {
		s.FSensorLoaded = 2500
	}
}

func mergeNamed[T any](declared, builtin []T, name func(T) string) []T {
	seen := make(map[string]bool, len(declared))
	out := append([]T(nil), declared...)
	for _, d := range declared {
		seen[name(d)] = true
	}
	for _, b := range builtin {
		if !seen[name(b)] {
			out = append(out, b)
		}
	}
	return out
}

// Validate checks the internal consistency of the limits.
func (p *Profile) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if p.Tools < 1 || p.Tools > MaxTools {
		add("tools must be in [1, %d], got %d", MaxTools, p.Tools)
	}
	for _, f := range p.Fans {
		if len(f.RPMMin) == 0 || len(f.RPMMin) != len(f.RPMMax) {
			add("fan %q: rpm_min and rpm_max must have the same non-zero length", f.Name)
			continue
		}
		for i := range f.RPMMin {
			if f.RPMMin[i] > f.RPMMax[i] {
				add("fan %q: step %d rpm_min %d > rpm_max %d", f.Name, i, f.RPMMin[i], f.RPMMax[i])
			}
		}
		if f.PWMStart < 0 || f.PWMStart+f.PWMStep*(f.Steps()-1) > 255 {
			add("fan %q: pwm steps leave [0, 255]", f.Name)
		}
	}
	for _, a := range p.Axes {
		if a.LengthMin > a.LengthMax {
			add("axis %q: length_min %.1f > length_max %.1f", a.Name, a.LengthMin, a.LengthMax)
		}
	}
	for _, h := range p.Heaters {
		if h.HeatMinTemp > h.HeatMaxTemp {
			add("heater %q: heat_min_temp %.1f > heat_max_temp %.1f", h.Name, h.HeatMinTemp, h.HeatMaxTemp)
		}
		if h.HeatTimeMs <= 0 {
			add("heater %q: heat_time_ms must be positive", h.Name)
		}
	}
	if p.Loadcell.TapMinLoadOK >= p.Loadcell.TapMaxLoadOK {
		add("loadcell: tap_min_load_ok must be below tap_max_load_ok")
	}
	for _, f := range p.FSensors {
		if f.ValueSpan <= 0 {
			add("fsensor %q: value_span must be positive", f.Name)
		}
	}
	for _, f := range p.Simulation.Faults {
		if f.Tool < 0 || f.Tool >= p.Tools {
			add("fault %q: tool %d out of range", f.Kind, f.Tool)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	sort.Strings(errs)
	return fmt.Errorf("%w: %s", ErrInvalidProfile, strings.Join(errs, "; "))
}
