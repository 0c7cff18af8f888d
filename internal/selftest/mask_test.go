package selftest

import "testing"

// sampleMasks returns every category, every single state and a spread of
// pseudo-random masks from a fixed LCG.
func sampleMasks() []Mask {
	var out []Mask
	for _, m := range categoryNames {
		out = append(out, m)
	}
	for s := State(0); s < stateCount; s++ {
		out = append(out, MaskOf(s))
	}
	x := uint64(0x9e3779b97f4a7c15)
	for i := 0; i < 200; i++ {
		x = x*6364136223846793005 + 1442695040888963407
		out = append(out, Mask(x)&(1<<stateCount-1))
	}
	return out
}

func TestExpand_Idempotent(t *testing.T) {
	for _, m := range sampleMasks() {
		once := Expand(m)
		if twice := Expand(once); twice != once {
			t.Fatalf("Expand not idempotent for %s: %s != %s", m, twice, once)
		}
	}
}

func TestExpand_KeepsRequested(t *testing.T) {
	for _, m := range sampleMasks() {
		want := m.Without(suppressed)
		if got := Expand(m); !got.HasAll(want) {
			t.Fatalf("Expand(%s) = %s, dropped requested states", m, got)
		}
	}
}

func TestExpand_Table(t *testing.T) {
	tests := []struct {
		name      string
		requested Mask
		include   []State
		exclude   []State
	}{
		{
			name:      "fans",
			requested: MaskFans,
			include:   []State{StateFans, StateWaitFans, StateSelftestStart, StateSelftestStop},
			exclude:   []State{StateWaitAxes, StateZCalibration, StateWaitHeaters},
		},
		{
			name:      "xyz implies calibration and move up",
			requested: MaskXYZAxis,
			include:   []State{StateXAxis, StateYAxis, StateZAxis, StateWaitAxes, StateZCalibration, StateMoveZup},
		},
		{
			name:      "x only does not move z",
			requested: MaskXAxis,
			include:   []State{StateXAxis, StateWaitAxes, StateZCalibration},
			exclude:   []State{StateMoveZup},
		},
		{
			name:      "heaters",
			requested: MaskHeaters,
			include:   []State{StateHeatersNozzleEnable, StateHeatersBedEnable, StateHeaters, StateWaitHeaters, StateHotEndSock},
		},
		{
			name:      "loadcell",
			requested: MaskLoadcell,
			include:   []State{StateLoadcell, StateWaitLoadcell},
		},
		{
			name:      "checkpoint pulls its wait state",
			requested: MaskOf(StatePrologueAskRun, StateEpilogueOk),
			include:   []State{StatePrologueAskRunWaitUser, StateEpilogueOkWaitUser},
			exclude:   []State{StateSelftestStart, StateSelftestStop},
		},
		{
			name:      "prologue info is never shown",
			requested: MaskOf(StatePrologueInfo, StatePrologueInfoWaitUser),
			exclude:   []State{StatePrologueInfo, StatePrologueInfoWaitUser},
		},
		{
			name:      "gears alone has no lifecycle",
			requested: MaskGears,
			include:   []State{StateGears},
			exclude:   []State{StateSelftestStart, StateSelftestStop},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Expand(tt.requested)
			for _, s := range tt.include {
				if !got.Has(s) {
					t.Errorf("Expand(%s) missing %s; got %s", tt.requested, s, got)
				}
			}
			for _, s := range tt.exclude {
				if got.Has(s) {
					t.Errorf("Expand(%s) unexpectedly has %s", tt.requested, s)
				}
			}
		})
	}
}

func TestIsFullRun(t *testing.T) {
	if !IsFullRun(MaskFullSelftest) {
		t.Error("full selftest mask should be a full run")
	}
	if !IsFullRun(MaskWizard) {
		t.Error("wizard mask should be a full run")
	}
	if IsFullRun(MaskFullSelftest.Without(MaskFSensor)) {
		t.Error("missing fsensor should not be a full run")
	}
	if IsFullRun(MaskFans) {
		t.Error("fans alone should not be a full run")
	}
}

func TestParseCategories(t *testing.T) {
	tests := []struct {
		args    []string
		want    Mask
		wantErr bool
	}{
		{args: []string{"fans"}, want: MaskFans},
		{args: []string{"fans,xyz_axis"}, want: MaskFans | MaskXYZAxis},
		{args: []string{"Heaters", " gears "}, want: MaskHeaters | MaskGears},
		{args: []string{"0x400"}, want: Mask(0x400)},
		{args: []string{"fans,,"}, want: MaskFans},
		{args: []string{"bogus"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseCategories(tt.args)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseCategories(%v) expected error", tt.args)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCategories(%v) error: %v", tt.args, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCategories(%v) = %s, want %s", tt.args, got, tt.want)
		}
	}
}

func TestMask_StatesOrdered(t *testing.T) {
	m := MaskOf(StateGears, StateFans, StateStart)
	got := m.States()
	want := []State{StateStart, StateFans, StateGears}
	if len(got) != len(want) {
		t.Fatalf("States() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("States() = %v, want %v", got, want)
		}
	}
	if m.Len() != 3 {
		t.Errorf("Len() = %d, want 3", m.Len())
	}
	if s := MaskNone.String(); s != "{}" {
		t.Errorf("empty mask String() = %q", s)
	}
}

func TestStateClassification(t *testing.T) {
	if !StateFinished.Terminal() || !StateAborted.Terminal() || StateFinish.Terminal() {
		t.Error("terminal states misclassified")
	}
	if !StateShowResult.IsCheckpoint() || StateResultWaitUser.IsCheckpoint() {
		t.Error("checkpoint misclassified")
	}
	if !StateResultWaitUser.IsWaitUser() || StateWaitFans.IsWaitUser() {
		t.Error("wait-user misclassified")
	}
	if got := State(200).String(); got != "State(200)" {
		t.Errorf("unknown state String() = %q", got)
	}
}
