package model

import (
	"testing"
	"time"
)

func TestParseResponse(t *testing.T) {
	for r, name := range responseNames {
		got, err := ParseResponse(" " + name + " ")
		if err != nil || got != r {
			t.Errorf("ParseResponse(%q) = %v, %v", name, got, err)
		}
	}
	if got, err := ParseResponse("RETRY"); err != nil || got != ResponseRetry {
		t.Errorf("ParseResponse is case-sensitive: %v, %v", got, err)
	}
	if _, err := ParseResponse("later"); err == nil {
		t.Error("expected error for unknown response")
	}
}

func TestResponseTerminates(t *testing.T) {
	for _, r := range []Response{ResponseAbort, ResponseCancel, ResponseIgnore} {
		if !r.Terminates() {
			t.Errorf("%s should terminate", r)
		}
	}
	for _, r := range []Response{ResponseNone, ResponseContinue, ResponseOk, ResponseRetry, ResponseSkip} {
		if r.Terminates() {
			t.Errorf("%s should not terminate", r)
		}
	}
}

func TestRunRecord(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := RunRecord{StartedAt: start, EndedAt: start.Add(90 * time.Second), State: "Aborted"}
	if r.Duration() != 90*time.Second {
		t.Errorf("Duration = %s", r.Duration())
	}
	if !r.Aborted() {
		t.Error("Aborted() = false")
	}
	r.EndedAt = start.Add(-time.Second)
	if r.Duration() != 0 {
		t.Errorf("negative duration not clamped: %s", r.Duration())
	}
}
