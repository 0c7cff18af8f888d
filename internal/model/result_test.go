package model

import "testing"

func TestSelftestResult_GetSet(t *testing.T) {
	r := NewSelftestResult(1)

	r.Set(ComponentBed, 3, ResultPassed)
	if got := r.Get(ComponentBed, 0); got != ResultPassed {
		t.Errorf("machine-scoped Get ignores tool: got %s", got)
	}

	r.Set(ComponentNozzle, 2, ResultFailed)
	if len(r.Tools) != 3 {
		t.Fatalf("Set should grow tools to 3, got %d", len(r.Tools))
	}
	if got := r.Get(ComponentNozzle, 2); got != ResultFailed {
		t.Errorf("Get(nozzle, 2) = %s, want failed", got)
	}
	if got := r.Get(ComponentNozzle, 1); got != ResultUnknown {
		t.Errorf("Get(nozzle, 1) = %s, want unknown", got)
	}
	if got := r.Get(ComponentNozzle, 9); got != ResultUnknown {
		t.Errorf("out-of-range tool = %s, want unknown", got)
	}

	r.Set(ComponentPrintFan, -1, ResultPassed)
	for i, tool := range r.Tools {
		if tool.PrintFan != ResultUnknown {
			t.Errorf("negative tool wrote tool %d", i)
		}
	}
}

func TestSelftestResult_CloneIsDeep(t *testing.T) {
	r := NewSelftestResult(2)
	c := r.Clone()
	c.Set(ComponentLoadcell, 1, ResultPassed)
	if r.Get(ComponentLoadcell, 1) != ResultUnknown {
		t.Error("mutating the clone changed the original")
	}
}

func TestSelftestResult_Overall(t *testing.T) {
	fields := []Field{{ComponentXAxis, 0}, {ComponentPrintFan, 0}, {ComponentPrintFan, 1}}

	tests := []struct {
		name string
		set  map[Field]TestResult
		want TestResult
	}{
		{name: "nothing run", want: ResultUnknown},
		{name: "one passed", set: map[Field]TestResult{{ComponentXAxis, 0}: ResultPassed}, want: ResultPassed},
		{
			name: "failure wins",
			set: map[Field]TestResult{
				{ComponentXAxis, 0}:    ResultPassed,
				{ComponentPrintFan, 1}: ResultFailed,
			},
			want: ResultFailed,
		},
		{name: "irrelevant failure ignored", set: map[Field]TestResult{{ComponentGears, 0}: ResultFailed}, want: ResultUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewSelftestResult(2)
			for f, v := range tt.set {
				r.Set(f.Component, f.Tool, v)
			}
			if got := r.Overall(fields); got != tt.want {
				t.Errorf("Overall = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestComponents(t *testing.T) {
	all := Components()
	if len(all) != int(ComponentWifi)+1 {
		t.Fatalf("Components() len = %d", len(all))
	}
	seenMachine := false
	for _, c := range all {
		if !c.ToolScoped() {
			seenMachine = true
		} else if seenMachine {
			t.Errorf("tool-scoped %s listed after a machine-scoped component", c)
		}
		back, err := ParseComponent(c.String())
		if err != nil || back != c {
			t.Errorf("ParseComponent(%q) = %v, %v", c.String(), back, err)
		}
	}
	if _, err := ParseComponent("flux_capacitor"); err == nil {
		t.Error("expected error for unknown component")
	}
	if got := Component(99).String(); got != "component(99)" {
		t.Errorf("unknown component String() = %q", got)
	}
}

func TestTestResult_UnmarshalText(t *testing.T) {
	var r TestResult
	for text, want := range map[string]TestResult{"": ResultUnknown, "PASSED": ResultPassed, "failed": ResultFailed} {
		if err := r.UnmarshalText([]byte(text)); err != nil || r != want {
			t.Errorf("UnmarshalText(%q) = %s, %v", text, r, err)
		}
	}
	if err := r.UnmarshalText([]byte("meh")); err == nil {
		t.Error("expected error for invalid result")
	}
}
