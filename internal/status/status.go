// Package status renders daemon state, results and run history for the CLI.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/msageha/selftestd/internal/history"
	"github.com/msageha/selftestd/internal/lock"
	"github.com/msageha/selftestd/internal/model"
	"github.com/msageha/selftestd/internal/store"
	"github.com/msageha/selftestd/internal/uds"
)

// View is what the daemon answers to a status request.
type View struct {
	Daemon      DaemonStatus         `json:"daemon"`
	Profile     string               `json:"profile,omitempty"`
	Tools       int                  `json:"tools"`
	Run         *RunView             `json:"run,omitempty"`
	Result      model.SelftestResult `json:"result"`
	Flags       model.AutoRunFlags   `json:"flags"`
	Recent      []model.RunRecord    `json:"recent,omitempty"`
	Stats       history.Stats        `json:"stats"`
	FeedClients int                  `json:"feed_clients"`
}

type DaemonStatus struct {
	Running   bool      `json:"running"`
	Pid       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// RunView describes the current or most recent run.
type RunView struct {
	RunID        string           `json:"run_id"`
	State        string           `json:"state"`
	StateSince   time.Time        `json:"state_since"`
	StartedAt    time.Time        `json:"started_at"`
	InProgress   bool             `json:"in_progress"`
	Requested    uint64           `json:"requested"`
	Expanded     string           `json:"expanded"`
	Tools        []int            `json:"tools"`
	FullRun      bool             `json:"full_run"`
	Outcome      model.TestResult `json:"outcome"`
	LiveHandlers int              `json:"live_handlers"`
}

// Run asks the daemon in stateDir for its status and prints it. When no
// daemon answers, the persisted results under resultsPath are shown.
func Run(w io.Writer, stateDir, resultsPath string, jsonOutput bool) error {
	client := uds.NewClient(filepath.Join(stateDir, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)

	var v View
	if err := client.Call(uds.CmdStatus, nil, &v); err != nil {
		var detail *uds.ErrorDetail
		if errors.As(err, &detail) {
			return err
		}
		v, err = offlineView(stateDir, resultsPath)
		if err != nil {
			return err
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	Print(w, v, time.Now())
	return nil
}

func offlineView(stateDir, resultsPath string) (View, error) {
	fs, err := store.NewFileStore(resultsPath, stateDir, 1, nil)
	if err != nil {
		return View{}, err
	}
	// a pid here means a daemon holds the lock but its socket did not answer
	v := View{Daemon: DaemonStatus{Pid: lock.Holder(filepath.Join(stateDir, "locks", "daemon.lock"))}}
	if v.Result, err = fs.LoadResult(); err != nil {
		return View{}, fmt.Errorf("load results: %w", err)
	}
	v.Tools = len(v.Result.Tools)
	if v.Flags, err = fs.LoadFlags(); err != nil {
		return View{}, fmt.Errorf("load flags: %w", err)
	}
	if last, err := fs.LastRun(); err == nil {
		v.Recent = []model.RunRecord{last}
	}
	return v, nil
}

// Print writes a human-readable status.
func Print(w io.Writer, v View, now time.Time) {
	if v.Daemon.Running {
		fmt.Fprintf(w, "Daemon: running pid=%d", v.Daemon.Pid)
		if !v.Daemon.StartedAt.IsZero() {
			fmt.Fprintf(w, " up since %s", humanize.RelTime(v.Daemon.StartedAt, now, "ago", "from now"))
		}
		fmt.Fprintln(w)
	} else if v.Daemon.Pid != 0 {
		fmt.Fprintf(w, "Daemon: not responding (lock held by pid=%d)\n", v.Daemon.Pid)
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}
	if v.Profile != "" {
		fmt.Fprintf(w, "Profile: %s (%d %s)\n", v.Profile, v.Tools, plural(v.Tools, "tool"))
	}

	if r := v.Run; r != nil && r.RunID != "" {
		fmt.Fprintln(w, "\nRun:")
		fmt.Fprintf(w, "  id        %s\n", r.RunID)
		fmt.Fprintf(w, "  state     %s (since %s)\n", r.State, humanize.RelTime(r.StateSince, now, "ago", "from now"))
		fmt.Fprintf(w, "  started   %s\n", humanize.RelTime(r.StartedAt, now, "ago", "from now"))
		fmt.Fprintf(w, "  tests     %s\n", r.Expanded)
		fmt.Fprintf(w, "  tools     %v", r.Tools)
		if r.FullRun {
			fmt.Fprint(w, " (full run)")
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  outcome   %s\n", r.Outcome)
		if r.InProgress {
			fmt.Fprintf(w, "  handlers  %d live\n", r.LiveHandlers)
		}
	}

	fmt.Fprintln(w, "\nResults:")
	PrintResults(w, v.Result)

	fmt.Fprintf(w, "\nAuto-run: selftest=%t xyz_calib=%t first_layer=%t\n",
		v.Flags.RunSelftest, v.Flags.RunXYZCalib, v.Flags.RunFirstLayer)

	if len(v.Recent) > 0 {
		fmt.Fprintln(w, "\nRecent runs:")
		PrintHistory(w, v.Recent, now)
	}
	if v.Stats.Total > 0 {
		PrintStats(w, v.Stats)
	}
}

// PrintResults writes the result table: machine components, then one
// column per tool for tool-scoped components.
func PrintResults(w io.Writer, r model.SelftestResult) {
	for _, c := range model.Components() {
		if c.ToolScoped() {
			continue
		}
		fmt.Fprintf(w, "  %-14s %s\n", c, r.Get(c, 0))
	}
	if len(r.Tools) == 0 {
		return
	}
	header := make([]string, len(r.Tools))
	for i := range r.Tools {
		header[i] = fmt.Sprintf("%-8s", fmt.Sprintf("T%d", i))
	}
	fmt.Fprintf(w, "  %-14s %s\n", "", strings.TrimRight(strings.Join(header, " "), " "))
	for _, c := range model.Components() {
		if !c.ToolScoped() {
			continue
		}
		cells := make([]string, len(r.Tools))
		for i := range r.Tools {
			cells[i] = fmt.Sprintf("%-8s", r.Get(c, i))
		}
		fmt.Fprintf(w, "  %-14s %s\n", c, strings.TrimRight(strings.Join(cells, " "), " "))
	}
}

// PrintHistory lists runs newest first.
func PrintHistory(w io.Writer, runs []model.RunRecord, now time.Time) {
	sorted := append([]model.RunRecord(nil), runs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].EndedAt.After(sorted[j].EndedAt) })

	fmt.Fprintf(w, "  %-36s  %-9s  %-8s  %8s  %s\n", "RUN", "STATE", "OUTCOME", "DURATION", "ENDED")
	for _, r := range sorted {
		fmt.Fprintf(w, "  %-36s  %-9s  %-8s  %8s  %s\n",
			r.RunID, r.State, r.Outcome, r.Duration().Round(time.Second),
			humanize.RelTime(r.EndedAt, now, "ago", "from now"))
	}
}

func PrintStats(w io.Writer, s history.Stats) {
	fmt.Fprintf(w, "\n%s %s recorded: %s passed, %s failed, %s unknown (%s aborted)\n",
		humanize.Comma(int64(s.Total)), plural(s.Total, "run"),
		humanize.Comma(int64(s.Passed)), humanize.Comma(int64(s.Failed)),
		humanize.Comma(int64(s.Unknown)), humanize.Comma(int64(s.Aborted)))
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
