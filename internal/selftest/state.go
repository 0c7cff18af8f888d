// Package selftest sequences the printer self-test: it expands a requested
// category mask into the states to run, drives one phase handler per active
// slot from a cooperative Loop, gates dependent phases on earlier results,
// and leaves the hardware safe on completion or abort.
package selftest

import (
	"fmt"
	"strings"
)

// State is one step of the self-test sequence. The numeric order is the
// default advancement order and bit i of a Mask selects State(i).
type State uint8

const (
	StateIdle State = iota
	StateStart
	StatePrologueAskRun
	StatePrologueAskRunWaitUser
	StateSelftestStart
	StatePrologueInfo
	StatePrologueInfoWaitUser
	StatePrologueInfoDetailed
	StatePrologueInfoDetailedWaitUser
	StateNetStatus
	StateFans
	StateWaitFans
	StateLoadcell
	StateWaitLoadcell
	StateZCalibration
	StateXAxis
	StateYAxis
	StateZAxis
	StateMoveZup
	StateWaitAxes
	StateHeatersNozzleEnable
	StateHeatersBedEnable
	StateHeaters
	StateWaitHeaters
	StateHotEndSock
	StateToolOffsets
	StateFSensorCalibration
	StateFSensorMMUCalibration
	StateGears
	StateSelftestStop
	StateDidSelftestPass
	StateEpilogueNok
	StateEpilogueNokWaitUser
	StateShowResult
	StateResultWaitUser
	StateEpilogueOk
	StateEpilogueOkWaitUser
	StateFinish
	StateFinished
	StateAborted

	stateCount
)

var stateNames = [stateCount]string{
	StateIdle:                         "Idle",
	StateStart:                        "Start",
	StatePrologueAskRun:               "PrologueAskRun",
	StatePrologueAskRunWaitUser:       "PrologueAskRunWaitUser",
	StateSelftestStart:                "SelftestStart",
	StatePrologueInfo:                 "PrologueInfo",
	StatePrologueInfoWaitUser:         "PrologueInfoWaitUser",
	StatePrologueInfoDetailed:         "PrologueInfoDetailed",
	StatePrologueInfoDetailedWaitUser: "PrologueInfoDetailedWaitUser",
	StateNetStatus:                    "NetStatus",
	StateFans:                         "Fans",
	StateWaitFans:                     "WaitFans",
	StateLoadcell:                     "Loadcell",
	StateWaitLoadcell:                 "WaitLoadcell",
	StateZCalibration:                 "ZCalibration",
	StateXAxis:                        "XAxis",
	StateYAxis:                        "YAxis",
	StateZAxis:                        "ZAxis",
	StateMoveZup:                      "MoveZup",
	StateWaitAxes:                     "WaitAxes",
	StateHeatersNozzleEnable:          "HeatersNozzleEnable",
	StateHeatersBedEnable:             "HeatersBedEnable",
	StateHeaters:                      "Heaters",
	StateWaitHeaters:                  "WaitHeaters",
	StateHotEndSock:                   "HotEndSock",
	StateToolOffsets:                  "ToolOffsets",
	StateFSensorCalibration:           "FSensorCalibration",
	StateFSensorMMUCalibration:        "FSensorMMUCalibration",
	StateGears:                        "Gears",
	StateSelftestStop:                 "SelftestStop",
	StateDidSelftestPass:              "DidSelftestPass",
	StateEpilogueNok:                  "EpilogueNok",
	StateEpilogueNokWaitUser:          "EpilogueNokWaitUser",
	StateShowResult:                   "ShowResult",
	StateResultWaitUser:               "ResultWaitUser",
	StateEpilogueOk:                   "EpilogueOk",
	StateEpilogueOkWaitUser:           "EpilogueOkWaitUser",
	StateFinish:                       "Finish",
	StateFinished:                     "Finished",
	StateAborted:                      "Aborted",
}

func (s State) String() string {
	if s < stateCount {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Terminal reports whether the state has no successor.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted
}

// checkpoints pairs each prompt state with the state that waits for the answer.
var checkpoints = map[State]State{
	StatePrologueAskRun:       StatePrologueAskRunWaitUser,
	StatePrologueInfo:         StatePrologueInfoWaitUser,
	StatePrologueInfoDetailed: StatePrologueInfoDetailedWaitUser,
	StateEpilogueNok:          StateEpilogueNokWaitUser,
	StateShowResult:           StateResultWaitUser,
	StateEpilogueOk:           StateEpilogueOkWaitUser,
}

// IsCheckpoint reports whether s prompts the user.
func (s State) IsCheckpoint() bool {
	_, ok := checkpoints[s]
	return ok
}

// IsWaitUser reports whether s parks until a user response arrives.
func (s State) IsWaitUser() bool {
	for _, w := range checkpoints {
		if w == s {
			return true
		}
	}
	return false
}

// States returns every state in advancement order.
func States() []State {
	out := make([]State, 0, stateCount)
	for s := State(0); s < stateCount; s++ {
		out = append(out, s)
	}
	return out
}

// ParseState resolves a state by its String name, case-insensitively.
func ParseState(name string) (State, error) {
	for s := State(0); s < stateCount; s++ {
		if strings.EqualFold(stateNames[s], name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}
