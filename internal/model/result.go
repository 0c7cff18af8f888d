package model

import (
	"fmt"
	"strings"
)

// TestResult is the persisted tri-state outcome of one component test.
type TestResult int8

const (
	ResultUnknown TestResult = iota
	ResultPassed
	ResultFailed
)

func (r TestResult) String() string {
	switch r {
	case ResultPassed:
		return "passed"
	case ResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (r TestResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *TestResult) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "unknown":
		*r = ResultUnknown
	case "passed":
		*r = ResultPassed
	case "failed":
		*r = ResultFailed
	default:
		return fmt.Errorf("invalid test result %q", string(text))
	}
	return nil
}

// Component names one persisted result field. Tool-scoped components are
// stored per tool; machine-scoped ones once.
type Component int

const (
	ComponentPrintFan Component = iota
	ComponentHeatBreakFan
	ComponentFansSwitched
	ComponentNozzle
	ComponentLoadcell
	ComponentFSensor
	ComponentSideFSensor
	ComponentToolOffset
	ComponentDockOffset
	ComponentXAxis
	ComponentYAxis
	ComponentZAxis
	ComponentZAlign
	ComponentBed
	ComponentGears
	ComponentEth
	ComponentWifi
)

var componentNames = [...]string{
	ComponentPrintFan:     "print_fan",
	ComponentHeatBreakFan: "heatbreak_fan",
	ComponentFansSwitched: "fans_switched",
	ComponentNozzle:       "nozzle",
	ComponentLoadcell:     "loadcell",
	ComponentFSensor:      "fsensor",
	ComponentSideFSensor:  "side_fsensor",
	ComponentToolOffset:   "tool_offset",
	ComponentDockOffset:   "dock_offset",
	ComponentXAxis:        "xaxis",
	ComponentYAxis:        "yaxis",
	ComponentZAxis:        "zaxis",
	ComponentZAlign:       "zalign",
	ComponentBed:          "bed",
	ComponentGears:        "gears",
	ComponentEth:          "eth",
	ComponentWifi:         "wifi",
}

func (c Component) String() string {
	if c < 0 || int(c) >= len(componentNames) {
		return fmt.Sprintf("component(%d)", int(c))
	}
	return componentNames[c]
}

// Components lists every component, tool-scoped ones first.
func Components() []Component {
	out := make([]Component, len(componentNames))
	for i := range componentNames {
		out[i] = Component(i)
	}
	return out
}

// ToolScoped reports whether the component is stored per tool.
func (c Component) ToolScoped() bool {
	return c <= ComponentDockOffset
}

// ParseComponent maps a component name back to its value.
func ParseComponent(s string) (Component, error) {
	for i, name := range componentNames {
		if name == s {
			return Component(i), nil
		}
	}
	return 0, fmt.Errorf("unknown component %q", s)
}

type ToolResult struct {
	PrintFan     TestResult `yaml:"print_fan" json:"print_fan"`
	HeatBreakFan TestResult `yaml:"heatbreak_fan" json:"heatbreak_fan"`
	FansSwitched TestResult `yaml:"fans_switched" json:"fans_switched"`
	Nozzle       TestResult `yaml:"nozzle" json:"nozzle"`
	Loadcell     TestResult `yaml:"loadcell" json:"loadcell"`
	FSensor      TestResult `yaml:"fsensor" json:"fsensor"`
	SideFSensor  TestResult `yaml:"side_fsensor" json:"side_fsensor"`
	ToolOffset   TestResult `yaml:"tool_offset" json:"tool_offset"`
	DockOffset   TestResult `yaml:"dock_offset" json:"dock_offset"`
}

func (t *ToolResult) field(c Component) *TestResult {
	switch c {
	case ComponentPrintFan:
		return &t.PrintFan
	case ComponentHeatBreakFan:
		return &t.HeatBreakFan
	case ComponentFansSwitched:
		return &t.FansSwitched
	case ComponentNozzle:
		return &t.Nozzle
	case ComponentLoadcell:
		return &t.Loadcell
	case ComponentFSensor:
		return &t.FSensor
	case ComponentSideFSensor:
		return &t.SideFSensor
	case ComponentToolOffset:
		return &t.ToolOffset
	case ComponentDockOffset:
		return &t.DockOffset
	}
	return nil
}

// SelftestResult is the aggregate result table: one tri-state per
// (component, tool) pair.
type SelftestResult struct {
	XAxis  TestResult   `yaml:"xaxis" json:"xaxis"`
	YAxis  TestResult   `yaml:"yaxis" json:"yaxis"`
	ZAxis  TestResult   `yaml:"zaxis" json:"zaxis"`
	ZAlign TestResult   `yaml:"zalign" json:"zalign"`
	Bed    TestResult   `yaml:"bed" json:"bed"`
	Gears  TestResult   `yaml:"gears" json:"gears"`
	Eth    TestResult   `yaml:"eth" json:"eth"`
	Wifi   TestResult   `yaml:"wifi" json:"wifi"`
	Tools  []ToolResult `yaml:"tools" json:"tools"`
}

// NewSelftestResult returns an all-unknown table sized for toolCount tools.
func NewSelftestResult(toolCount int) SelftestResult {
	if toolCount < 1 {
		toolCount = 1
	}
	return SelftestResult{Tools: make([]ToolResult, toolCount)}
}

func (r *SelftestResult) machineField(c Component) *TestResult {
	switch c {
	case ComponentXAxis:
		return &r.XAxis
	case ComponentYAxis:
		return &r.YAxis
	case ComponentZAxis:
		return &r.ZAxis
	case ComponentZAlign:
		return &r.ZAlign
	case ComponentBed:
		return &r.Bed
	case ComponentGears:
		return &r.Gears
	case ComponentEth:
		return &r.Eth
	case ComponentWifi:
		return &r.Wifi
	}
	return nil
}

// Get returns the stored value; out-of-range tools read as unknown.
func (r SelftestResult) Get(c Component, tool int) TestResult {
	if c.ToolScoped() {
		if tool < 0 || tool >= len(r.Tools) {
			return ResultUnknown
		}
		return *r.Tools[tool].field(c)
	}
	if f := r.machineField(c); f != nil {
		return *f
	}
	return ResultUnknown
}

// Set stores v, growing the tool table when needed.
func (r *SelftestResult) Set(c Component, tool int, v TestResult) {
	if c.ToolScoped() {
		if tool < 0 {
			return
		}
		for len(r.Tools) <= tool {
			r.Tools = append(r.Tools, ToolResult{})
		}
		*r.Tools[tool].field(c) = v
		return
	}
	if f := r.machineField(c); f != nil {
		*f = v
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r SelftestResult) Clone() SelftestResult {
	out := r
	out.Tools = append([]ToolResult(nil), r.Tools...)
	return out
}

// Overall folds the given fields into one outcome: failed if any is
// failed, passed if at least one passed and none failed, unknown otherwise.
// Unknown fields (not run, or skipped by gating) never count against it.
func (r SelftestResult) Overall(fields []Field) TestResult {
	out := ResultUnknown
	for _, f := range fields {
		switch r.Get(f.Component, f.Tool) {
		case ResultFailed:
			return ResultFailed
		case ResultPassed:
			out = ResultPassed
		}
	}
	return out
}

// Field addresses one entry of a SelftestResult.
type Field struct {
	Component Component
	Tool      int
}

// AutoRunFlags trigger the wizard / calibrations on next boot.
type AutoRunFlags struct {
	RunSelftest   bool `yaml:"run_selftest" json:"run_selftest"`
	RunXYZCalib   bool `yaml:"run_xyz_calib" json:"run_xyz_calib"`
	RunFirstLayer bool `yaml:"run_first_layer" json:"run_first_layer"`
}

// ResultDocument is the persisted form of the result store.
type ResultDocument struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	Result        SelftestResult `yaml:"result"`
	Flags         AutoRunFlags   `yaml:"flags"`
	UpdatedAt     string         `yaml:"updated_at"`
}
