package selftest

import (
	"fmt"
	"math/bits"
	"sort"
	"strconv"
	"strings"
)

// Mask is a set of states. Its uint64 form is the wire and persisted format;
// bit i selects State(i).
type Mask uint64

// MaskOf builds a mask from individual states.
func MaskOf(states ...State) Mask {
	var m Mask
	for _, s := range states {
		m |= 1 << s
	}
	return m
}

func (m Mask) Has(s State) bool { return m&(1<<s) != 0 }
func (m Mask) HasAny(o Mask) bool { return m&o != 0 }
func (m Mask) HasAll(o Mask) bool { return m&o == o }
func (m Mask) With(o Mask) Mask { return m | o }
func (m Mask) Without(o Mask) Mask { return m &^ o }
func (m Mask) Len() int { return bits.OnesCount64(uint64(m)) }
func (m Mask) Uint64() uint64 { return uint64(m) }
func MaskFromUint64(v uint64) Mask { return Mask(v) }

// States lists the members in advancement order.
func (m Mask) States() []State {
	var out []State
	for s := State(0); s < stateCount; s++ {
		if m.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

func (m Mask) String() string {
	states := m.States()
	if len(states) == 0 {
		return "{}"
	}
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Test categories a caller may request. Composite categories select every
// state their tests need.
var (
	MaskNone          Mask
	MaskNetStatus     = MaskOf(StateNetStatus)
	MaskFans          = MaskOf(StateFans)
	MaskLoadcell      = MaskOf(StateLoadcell)
	MaskZCalibration  = MaskOf(StateZCalibration)
	MaskXAxis         = MaskOf(StateXAxis)
	MaskYAxis         = MaskOf(StateYAxis)
	MaskZAxis         = MaskOf(StateZAxis)
	MaskXYAxis        = MaskXAxis | MaskYAxis
	MaskXYZAxis       = MaskXYAxis | MaskZAxis
	MaskHeatersNozzle = MaskOf(StateHeatersNozzleEnable, StateHeaters, StateHotEndSock)
	MaskHeatersBed    = MaskOf(StateHeatersBedEnable, StateHeaters)
	MaskHeaters       = MaskHeatersNozzle | MaskHeatersBed
	MaskToolOffsets   = MaskOf(StateToolOffsets)
	MaskFSensor       = MaskOf(StateFSensorCalibration)
	MaskFSensorMMU    = MaskOf(StateFSensorMMUCalibration)
	MaskGears         = MaskOf(StateGears)
	MaskFullSelftest  = MaskNetStatus | MaskFans | MaskLoadcell | MaskXYZAxis | MaskHeaters | MaskFSensor
	MaskShowResult    = MaskOf(StateShowResult, StateResultWaitUser)
	MaskPrologue      = MaskOf(StatePrologueAskRun, StatePrologueAskRunWaitUser, StatePrologueInfo,
		StatePrologueInfoWaitUser, StatePrologueInfoDetailed, StatePrologueInfoDetailedWaitUser)
	MaskEpilogue = MaskOf(StateDidSelftestPass, StateEpilogueNok, StateEpilogueNokWaitUser,
		StateEpilogueOk, StateEpilogueOkWaitUser)
	MaskWizard = MaskPrologue | MaskFullSelftest | MaskEpilogue | MaskShowResult

	// fullRunMask is what a request must cover to count as a full self-test.
	fullRunMask = MaskFans | MaskXYZAxis | MaskHeaters | MaskLoadcell | MaskFSensor

	waitStates    = MaskOf(StateWaitFans, StateWaitLoadcell, StateWaitAxes, StateWaitHeaters)
	lifecycleMask = MaskOf(StateSelftestStart, StateSelftestStop)
	// never shown: footer info has no screen on this machine
	suppressed = MaskOf(StatePrologueInfo, StatePrologueInfoWaitUser)
)

var categoryNames = map[string]Mask{
	"net_status":     MaskNetStatus,
	"fans":           MaskFans,
	"loadcell":       MaskLoadcell,
	"zcalib":         MaskZCalibration,
	"x_axis":         MaskXAxis,
	"y_axis":         MaskYAxis,
	"z_axis":         MaskZAxis,
	"xy_axis":        MaskXYAxis,
	"xyz_axis":       MaskXYZAxis,
	"heaters":        MaskHeaters,
	"heaters_nozzle": MaskHeatersNozzle,
	"heaters_bed":    MaskHeatersBed,
	"tool_offsets":   MaskToolOffsets,
	"fsensor":        MaskFSensor,
	"fsensor_mmu":    MaskFSensorMMU,
	"gears":          MaskGears,
	"full":           MaskFullSelftest,
	"show_result":    MaskShowResult,
	"wizard":         MaskWizard,
}

// CategoryNames lists the names accepted by ParseCategories, sorted.
func CategoryNames() []string {
	names := make([]string, 0, len(categoryNames))
	for n := range categoryNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseCategories turns names ("fans", "xyz_axis", ...) or raw numeric masks
// ("0x400") into a requested mask.
func ParseCategories(args []string) (Mask, error) {
	var m Mask
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if c, ok := categoryNames[part]; ok {
				m |= c
				continue
			}
			v, err := strconv.ParseUint(part, 0, 64)
			if err != nil {
				return 0, fmt.Errorf("unknown test category %q", part)
			}
			m |= Mask(v)
		}
	}
	return m, nil
}

// Expand derives the full set of states a request needs: wait states after
// the phases, implied calibrations, lifecycle bracketing and the wait pair of
// every checkpoint. Expand(Expand(m)) == Expand(m).
func Expand(requested Mask) Mask {
	m := requested
	if m.HasAny(MaskFans) {
		m |= MaskOf(StateWaitFans)
	}
	if m.HasAny(MaskXYZAxis) {
		m |= MaskOf(StateWaitAxes, StateZCalibration)
	}
	if m.HasAny(MaskHeaters) {
		m |= MaskOf(StateWaitHeaters)
	}
	if m.HasAny(MaskLoadcell) {
		m |= MaskOf(StateWaitLoadcell)
	}
	if m.HasAny(MaskZAxis) {
		m |= MaskOf(StateMoveZup)
	}
	if m.HasAny(MaskFullSelftest) {
		m |= lifecycleMask
	}
	for prompt, wait := range checkpoints {
		if m.Has(prompt) {
			m |= MaskOf(wait)
		}
	}
	return m.Without(suppressed)
}

// IsFullRun reports whether the request covers every core test group.
func IsFullRun(requested Mask) bool {
	return requested.HasAll(fullRunMask)
}
