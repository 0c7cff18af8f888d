// Package notify raises a desktop notification when a self-test run ends.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/msageha/selftestd/internal/events"
	"github.com/msageha/selftestd/internal/history"
	"github.com/msageha/selftestd/internal/model"
)

// Runner executes a notification command. Tests swap it out.
type Runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

type Notifier struct {
	goos string
	run  Runner
}

// New returns a Notifier for the running OS.
func New() *Notifier {
	return &Notifier{goos: runtime.GOOS, run: execRunner}
}

// Send shows a notification: osascript on macOS, notify-send elsewhere.
func (n *Notifier) Send(title, message string) error {
	name, args := n.command(title, message)
	if out, err := n.run(name, args...); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (n *Notifier) command(title, message string) (string, []string) {
	if n.goos == "darwin" {
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		return "osascript", []string{"-e", script}
	}
	return "notify-send", []string{"--app-name=selftestd", title, message}
}

// Attach notifies on every run_ended event published on bus.
func (n *Notifier) Attach(bus *events.Bus, onErr func(error)) func() {
	return bus.Subscribe(events.EventRunEnded, func(e events.Event) {
		rec, err := history.RecordFromEvent(e)
		if err == nil {
			err = n.Send(Summary(rec))
		}
		if err != nil && onErr != nil {
			onErr(err)
		}
	})
}

// Summary formats the title and body for a finished run.
func Summary(rec model.RunRecord) (string, string) {
	title := "Self-test " + strings.ToLower(rec.State)
	if rec.Aborted() {
		return title, fmt.Sprintf("Run %s aborted after %s", shortID(rec.RunID), rec.Duration().Round(time.Second))
	}
	return title, fmt.Sprintf("Run %s %s in %s", shortID(rec.RunID), rec.Outcome, rec.Duration().Round(time.Second))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
