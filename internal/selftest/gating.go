package selftest

import "github.com/msageha/selftestd/internal/model"

// prerequisites lists, per gated state, the results that must be Passed
// before the state may be entered. States not listed are always runnable.
var prerequisites = map[State][]model.Component{
	// load cell and both X and Y must be OK to test Z
	StateZAxis: {model.ComponentLoadcell, model.ComponentXAxis, model.ComponentYAxis},
	// Z must be OK before it is moved up
	StateMoveZup: {model.ComponentZAxis},
}

// CanEnter evaluates the gating predicate of s against result. Tool-scoped
// prerequisites must hold on every tool of the run; with no tools given they
// are checked on tool 0.
func CanEnter(s State, result model.SelftestResult, tools []int) bool {
	if len(tools) == 0 {
		tools = []int{0}
	}
	for _, c := range prerequisites[s] {
		if !c.ToolScoped() {
			if result.Get(c, 0) != model.ResultPassed {
				return false
			}
			continue
		}
		for _, t := range tools {
			if result.Get(c, t) != model.ResultPassed {
				return false
			}
		}
	}
	return true
}

// Prerequisites returns the components gating s.
func Prerequisites(s State) []model.Component {
	return append([]model.Component(nil), prerequisites[s]...)
}

// componentsOf maps a phase state to the result fields it owns.
var componentsOf = map[State][]model.Component{
	StateFans:                  {model.ComponentPrintFan, model.ComponentHeatBreakFan, model.ComponentFansSwitched},
	StateLoadcell:              {model.ComponentLoadcell},
	StateZCalibration:          {model.ComponentZAlign},
	StateXAxis:                 {model.ComponentXAxis},
	StateYAxis:                 {model.ComponentYAxis},
	StateZAxis:                 {model.ComponentZAxis},
	StateHeatersNozzleEnable:   {model.ComponentNozzle},
	StateHeatersBedEnable:      {model.ComponentBed},
	StateToolOffsets:           {model.ComponentToolOffset},
	StateFSensorCalibration:    {model.ComponentFSensor},
	StateFSensorMMUCalibration: {model.ComponentSideFSensor},
	StateGears:                 {model.ComponentGears},
}

// RelevantFields lists the result entries that count toward the overall
// outcome of a run with the given expanded mask and tools. Network status is
// informational and never counts.
func RelevantFields(expanded Mask, tools []int) []model.Field {
	var out []model.Field
	for _, s := range expanded.States() {
		for _, c := range componentsOf[s] {
			if !c.ToolScoped() {
				out = append(out, model.Field{Component: c})
				continue
			}
			for _, t := range tools {
				out = append(out, model.Field{Component: c, Tool: t})
			}
		}
	}
	return out
}
