package selftest

import (
	"errors"
	"fmt"

	"github.com/msageha/selftestd/internal/model"
)

// ErrNoHandler is returned by a HandlerFactory that has no variant for a kind.
var ErrNoHandler = errors.New("no phase handler for kind")

// Kind identifies a phase handler variant.
type Kind int

const (
	KindFan Kind = iota
	KindXAxis
	KindYAxis
	KindZAxis
	KindNozzle
	KindBed
	KindLoadcell
	KindFSensor
	KindFSensorMMU
	KindGears
	KindToolOffsets
	KindNetStatus
	KindHotEndSock

	kindCount
)

var kindNames = [kindCount]string{
	KindFan:         "fan",
	KindXAxis:       "xaxis",
	KindYAxis:       "yaxis",
	KindZAxis:       "zaxis",
	KindNozzle:      "nozzle",
	KindBed:         "bed",
	KindLoadcell:    "loadcell",
	KindFSensor:     "fsensor",
	KindFSensorMMU:  "fsensor_mmu",
	KindGears:       "gears",
	KindToolOffsets: "tool_offsets",
	KindNetStatus:   "net_status",
	KindHotEndSock:  "hotend_sock",
}

func (k Kind) String() string {
	if k >= 0 && k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// PerTool reports whether one handler runs per selected tool.
func (k Kind) PerTool() bool {
	switch k {
	case KindFan, KindNozzle, KindLoadcell, KindFSensor, KindFSensorMMU, KindToolOffsets:
		return true
	}
	return false
}

// Components lists the result fields a handler of this kind reports.
func (k Kind) Components() []model.Component {
	switch k {
	case KindFan:
		return []model.Component{model.ComponentPrintFan, model.ComponentHeatBreakFan, model.ComponentFansSwitched}
	case KindXAxis:
		return []model.Component{model.ComponentXAxis}
	case KindYAxis:
		return []model.Component{model.ComponentYAxis}
	case KindZAxis:
		return []model.Component{model.ComponentZAxis}
	case KindNozzle:
		return []model.Component{model.ComponentNozzle}
	case KindBed:
		return []model.Component{model.ComponentBed}
	case KindLoadcell:
		return []model.Component{model.ComponentLoadcell}
	case KindFSensor:
		return []model.Component{model.ComponentFSensor}
	case KindFSensorMMU:
		return []model.Component{model.ComponentSideFSensor}
	case KindGears:
		return []model.Component{model.ComponentGears}
	case KindToolOffsets:
		return []model.Component{model.ComponentToolOffset}
	case KindNetStatus:
		return []model.Component{model.ComponentEth, model.ComponentWifi}
	}
	return nil
}

// Finding is one result entry reported by a finished handler.
type Finding struct {
	Component model.Component
	Tool      int
	Result    model.TestResult
}

// Progress is what Poll reports.
type Progress struct {
	Done     bool
	Findings []Finding
	// Retry asks the controller to run the nozzle heater phase again.
	Retry bool
}

// Running is the Progress of a handler that has not finished.
func Running() Progress { return Progress{} }

// Completed is the Progress of a finished handler.
func Completed(findings ...Finding) Progress {
	return Progress{Done: true, Findings: findings}
}

// PhaseHandler is one running hardware test. Poll must not block; Abort must
// leave the hardware safe and release anything the handler holds exclusively
// (e.g. give fan control back to the firmware). Neither is called after the
// handler reported Done, except that Abort may follow a Poll that is still running.
type PhaseHandler interface {
	Poll() Progress
	Abort()
}

// HandlerRequest describes the handler to construct.
type HandlerRequest struct {
	Kind    Kind
	Tool    int
	FullRun bool
}

// HandlerFactory constructs and starts handlers with their static
// configuration. The controller never sees that configuration.
type HandlerFactory interface {
	NewHandler(req HandlerRequest) (PhaseHandler, error)
}

// Machine is the small set of direct hardware actions the controller itself
// performs outside of phase handlers.
type Machine interface {
	SetBedTarget(celsius float64)
	SetNozzleTarget(tool int, celsius float64)
	ExitFanSelftestMode(tool int)
	DisableAllHeaters()
	DisableSteppers()
	CalibrateZ() error
	MoveZ(mm float64) error
}

// ResultStore persists the aggregate result and the auto-run flags.
type ResultStore interface {
	LoadResult() (model.SelftestResult, error)
	SaveResult(model.SelftestResult) error
	ClearAutoRunFlags() error
}

// ResponseSource delivers user answers to checkpoint prompts. TakeResponse
// consumes the pending answer for the prompt shown in state s and returns
// model.ResponseNone when there is none yet.
type ResponseSource interface {
	TakeResponse(s State) model.Response
}
