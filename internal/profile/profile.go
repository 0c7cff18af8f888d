// Package profile loads the printer's static test configuration from HCL:
// fan RPM windows, axis lengths, heater windows, load-cell and filament
// sensor limits, and the behaviour of the simulated machine.
package profile

import (
	"errors"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

var ErrInvalidProfile = errors.New("invalid machine profile")

type Profile struct {
	Name       string      `hcl:"name,optional"`
	Tools      int         `hcl:"tools,optional"`
	Fans       []Fan       `hcl:"fan,block"`
	Axes       []Axis      `hcl:"axis,block"`
	Heaters    []Heater    `hcl:"heater,block"`
	Loadcell   *Loadcell   `hcl:"loadcell,block"`
	FSensors   []FSensor   `hcl:"fsensor,block"`
	Gears      *Gears      `hcl:"gears,block"`
	Simulation *Simulation `hcl:"simulation,block"`
}

// Fan is tested in steps: PWM starts at pwm_start and rises by pwm_step;
// the measured RPM at step i must lie in [rpm_min[i], rpm_max[i]].
type Fan struct {
	Name     string `hcl:"name,label"`
	PWMStart int    `hcl:"pwm_start"`
	PWMStep  int    `hcl:"pwm_step"`
	RPMMin   []int  `hcl:"rpm_min"`
	RPMMax   []int  `hcl:"rpm_max"`
}

// Steps is the number of PWM steps tested.
func (f Fan) Steps() int { return len(f.RPMMin) }

type Axis struct {
	Name      string    `hcl:"name,label"`
	Length    float64   `hcl:"length"`
	LengthMin float64   `hcl:"length_min"`
	LengthMax float64   `hcl:"length_max"`
	Feedrates []float64 `hcl:"feedrates,optional"`
	Park      bool      `hcl:"park,optional"`
	ParkPos   float64   `hcl:"park_pos,optional"`
}

// Heater passes when the temperature reached after heat_time_ms lies in
// [heat_min_temp, heat_max_temp].
type Heater struct {
	Name           string  `hcl:"name,label"`
	HeatTimeMs     int     `hcl:"heat_time_ms"`
	StartTemp      float64 `hcl:"start_temp"`
	UndercoolTemp  float64 `hcl:"undercool_temp,optional"`
	TargetTemp     float64 `hcl:"target_temp"`
	HeatMinTemp    float64 `hcl:"heat_min_temp"`
	HeatMaxTemp    float64 `hcl:"heat_max_temp"`
	SockTempOffset float64 `hcl:"sock_temp_offset,optional"`
}

type Loadcell struct {
	CoolTemp     float64 `hcl:"cool_temp,optional"`
	CountdownSec int     `hcl:"countdown_sec,optional"`
	TapMinLoadOK float64 `hcl:"tap_min_load_ok"`
	TapMaxLoadOK float64 `hcl:"tap_max_load_ok"`
	TapTimeoutMs int     `hcl:"tap_timeout_ms,optional"`
}

// FSensor describes an ADC filament sensor ("extruder" or "side").
type FSensor struct {
	Name                string  `hcl:"name,label"`
	ValueSpan           int     `hcl:"value_span"`
	SpanMultiplier      float64 `hcl:"span_multiplier,optional"`
	DisconnectThreshold int     `hcl:"disconnect_threshold,optional"`
}

type Gears struct {
	Feedrate float64 `hcl:"feedrate"`
}

// Simulation drives the simulated machine: the readings its sensors report
// and the faults it injects.
type Simulation struct {
	PollsPerPhase   int                `hcl:"polls_per_phase,optional"`
	PrintFanRPM     []int              `hcl:"print_fan_rpm,optional"`
	HeatBreakFanRPM []int              `hcl:"heatbreak_fan_rpm,optional"`
	AxisLength      map[string]float64 `hcl:"axis_length,optional"`
	NozzlePeakTemp  float64            `hcl:"nozzle_peak_temp,optional"`
	BedPeakTemp     float64            `hcl:"bed_peak_temp,optional"`
	TapLoad         float64            `hcl:"tap_load,optional"`
	FSensorEmpty    int                `hcl:"fsensor_empty,optional"`
	FSensorLoaded   int                `hcl:"fsensor_loaded,optional"`
	EthConnected    bool               `hcl:"eth_connected,optional"`
	WifiConnected   bool               `hcl:"wifi_connected,optional"`
	Faults          []Fault            `hcl:"fault,block"`
}

// Fault makes the handler of kind fail on tool. Times bounds how many runs
// of that handler fail (0 = always); after that it behaves normally.
type Fault struct {
	Kind  string `hcl:"kind,label"`
	Tool  int    `hcl:"tool,optional"`
	Times int    `hcl:"times,optional"`
}

// EvalContext exposes arithmetic helpers to profile expressions, e.g.
// length_max = max(250, 255 - 1).
func EvalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{},
		Functions: map[string]function.Function{
			"min":   stdlib.MinFunc,
			"max":   stdlib.MaxFunc,
			"abs":   stdlib.AbsoluteFunc,
			"ceil":  stdlib.CeilFunc,
			"floor": stdlib.FloorFunc,
		},
	}
}

// Load decodes the profile at path.
func Load(path string) (*Profile, error) {
	var p Profile
	if err := hclsimple.DecodeFile(path, EvalContext(), &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidProfile, path, err)
	}
	return finish(&p)
}

// Parse decodes profile source; filename only names it in diagnostics and
// must end in .hcl.
func Parse(filename string, src []byte) (*Profile, error) {
	var p Profile
	if err := hclsimple.Decode(filename, src, EvalContext(), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return finish(&p)
}

func finish(p *Profile) (*Profile, error) {
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Profile) Fan(name string) (Fan, bool) {
	for _, f := range p.Fans {
		if f.Name == name {
			return f, true
		}
	}
	return Fan{}, false
}

func (p *Profile) Axis(name string) (Axis, bool) {
	for _, a := range p.Axes {
		if a.Name == name {
			return a, true
		}
	}
	return Axis{}, false
}

func (p *Profile) Heater(name string) (Heater, bool) {
	for _, h := range p.Heaters {
		if h.Name == name {
			return h, true
		}
	}
	return Heater{}, false
}

func (p *Profile) FSensor(name string) (FSensor, bool) {
	for _, f := range p.FSensors {
		if f.Name == name {
			return f, true
		}
	}
	return FSensor{}, false
}
