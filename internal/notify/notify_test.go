package notify

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/msageha/selftestd/internal/events"
	"github.com/msageha/selftestd/internal/model"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := escapeAppleScript(tt.input); got != tt.want {
			t.Errorf("escapeAppleScript(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

type recorder struct {
	name string
	args []string
	err  error
}

func (r *recorder) run(name string, args ...string) ([]byte, error) {
	r.name, r.args = name, args
	if r.err != nil {
		return []byte("no display\n"), r.err
	}
	return nil, nil
}

func TestSend_CommandPerOS(t *testing.T) {
	rec := &recorder{}
	n := &Notifier{goos: "darwin", run: rec.run}
	if err := n.Send(`Self-test "done"`, "ok"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec.name != "osascript" || !strings.Contains(rec.args[1], `\"done\"`) {
		t.Errorf("darwin command = %s %v", rec.name, rec.args)
	}

	n.goos = "linux"
	if err := n.Send("title", "body"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec.name != "notify-send" || rec.args[len(rec.args)-1] != "body" {
		t.Errorf("linux command = %s %v", rec.name, rec.args)
	}
}

func TestSend_Error(t *testing.T) {
	rec := &recorder{err: errors.New("exit status 1")}
	n := &Notifier{goos: "linux", run: rec.run}
	err := n.Send("t", "m")
	if err == nil || !strings.Contains(err.Error(), "no display") {
		t.Fatalf("Send error = %v, want command output", err)
	}
}

func TestSummary(t *testing.T) {
	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	title, body := Summary(model.RunRecord{
		RunID: "0123456789abcdef", State: "Finished", Outcome: model.ResultFailed,
		StartedAt: start, EndedAt: start.Add(95 * time.Second),
	})
	if title != "Self-test finished" {
		t.Errorf("title = %q", title)
	}
	if body != "Run 01234567 failed in 1m35s" {
		t.Errorf("body = %q", body)
	}

	_, body = Summary(model.RunRecord{RunID: "r1", State: "Aborted", StartedAt: start, EndedAt: start})
	if body != "Run r1 aborted after 0s" {
		t.Errorf("aborted body = %q", body)
	}
}

func TestAttach(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()

	sent := make(chan string, 1)
	n := &Notifier{goos: "linux", run: func(name string, args ...string) ([]byte, error) {
		sent <- args[len(args)-1]
		return nil, nil
	}}
	detach := n.Attach(bus, func(err error) { t.Errorf("notify: %v", err) })
	defer detach()

	bus.Publish(events.EventRunEnded, map[string]any{
		"run_id":  "abc",
		"state":   "Finished",
		"outcome": "passed",
		"started": time.Now().Add(-time.Second),
		"result":  model.NewSelftestResult(1),
	})
	select {
	case body := <-sent:
		if !strings.HasPrefix(body, "Run abc passed") {
			t.Errorf("body = %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification sent")
	}
}
