package daemon

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/selftestd/internal/events"
	"github.com/msageha/selftestd/internal/history"
	"github.com/msageha/selftestd/internal/model"
	"github.com/msageha/selftestd/internal/selftest"
	"github.com/msageha/selftestd/internal/status"
	"github.com/msageha/selftestd/internal/uds"
)

const testProfile = `
name  = "bench"
tools = 1
`

// testStateDir lives under /tmp so the socket path stays short.
func testStateDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "sdt")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func testConfig() model.Config {
	var cfg model.Config
	cfg.Selftest.LoopPeriodMs = 1
	cfg.Selftest.WaitDwellMs = 1
	cfg.Store.Backend = "memory"
	cfg.Daemon.TickIntervalMs = 2
	cfg.Daemon.ShutdownTimeoutSec = 5
	cfg.Logging.Level = "debug"
	return cfg
}

// newWiredDaemon builds a daemon with its consumers and handlers attached but
// without the socket or the loops.
func newWiredDaemon(t *testing.T, dir string) *Daemon {
	t.Helper()
	d, err := newDaemon(dir, testConfig(), io.Discard, nil)
	require.NoError(t, err)
	require.NoError(t, d.history.Init(context.Background()))
	require.NoError(t, d.wire())
	t.Cleanup(d.Shutdown)
	return d
}

func call(t *testing.T, d *Daemon, command string, params any) *uds.Response {
	t.Helper()
	req, err := uds.NewRequest(command, params)
	require.NoError(t, err)
	fn, ok := d.handlers()[command]
	require.True(t, ok, "no handler for %s", command)
	return fn(req)
}

func decode(t *testing.T, resp *uds.Response, v any) {
	t.Helper()
	require.True(t, resp.Success, "response error: %+v", resp.Error)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func requireError(t *testing.T, resp *uds.Response, code string) {
	t.Helper()
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, code, resp.Error.Code)
}

// tickUntil drives the controller until cond holds.
func tickUntil(t *testing.T, d *Daemon, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		d.controller.Loop()
		return cond()
	}, 5*time.Second, time.Millisecond, "state=%s", d.controller.State())
}

func TestNewDaemon_DefaultProfile(t *testing.T) {
	d := newWiredDaemon(t, testStateDir(t))
	assert.Equal(t, "default", d.profile.Name)
	assert.Equal(t, 1, d.toolCount())
	assert.Equal(t, selftest.StateIdle, d.controller.State())
}

func TestNewDaemon_InvalidProfile(t *testing.T) {
	dir := testStateDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "printer.hcl"), []byte(`tools = "many"`), 0644))
	_, err := newDaemon(dir, testConfig(), io.Discard, nil)
	require.Error(t, err)
}

func TestStart_FansRunToFinished(t *testing.T) {
	d := newWiredDaemon(t, testStateDir(t))

	var started struct {
		RunID    string `json:"run_id"`
		Expanded string `json:"expanded"`
	}
	decode(t, call(t, d, uds.CmdStart, uds.StartParams{Categories: []string{"fans"}}), &started)
	require.NotEmpty(t, started.RunID)
	assert.Contains(t, started.Expanded, "Fans")

	requireError(t, call(t, d, uds.CmdStart, uds.StartParams{Categories: []string{"gears"}}), uds.ErrCodeBusy)

	tickUntil(t, d, func() bool { return d.controller.State() == selftest.StateFinished })

	result := d.controller.GetAggregateResult()
	assert.Equal(t, model.ResultPassed, result.Get(model.ComponentPrintFan, 0))
	assert.Equal(t, model.ResultPassed, result.Get(model.ComponentHeatBreakFan, 0))

	require.Eventually(t, func() bool {
		runs, err := d.history.Recent(context.Background(), 1)
		return err == nil && len(runs) == 1 && runs[0].RunID == started.RunID
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		last, err := d.store.LastRun()
		return err == nil && last.RunID == started.RunID && last.Outcome == model.ResultPassed
	}, 2*time.Second, 5*time.Millisecond)

	var hist struct {
		Runs []model.RunRecord `json:"runs"`
	}
	decode(t, call(t, d, uds.CmdHistory, uds.HistoryParams{RunID: started.RunID}), &hist)
	require.Len(t, hist.Runs, 1)
	assert.Equal(t, "Finished", hist.Runs[0].State)
}

func TestStart_ConcurrentRequestsStartOneRun(t *testing.T) {
	d := newWiredDaemon(t, testStateDir(t))

	const n = 8
	var wg sync.WaitGroup
	responses := make([]*uds.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := uds.NewRequest(uds.CmdStart, uds.StartParams{Categories: []string{"heaters"}})
			if err != nil {
				return
			}
			responses[i] = d.handleStart(req)
		}(i)
	}
	wg.Wait()

	started := 0
	for _, resp := range responses {
		require.NotNil(t, resp)
		if resp.Success {
			started++
			continue
		}
		assert.Equal(t, uds.ErrCodeBusy, resp.Error.Code)
	}
	assert.Equal(t, 1, started)
}

func TestStart_Validation(t *testing.T) {
	d := newWiredDaemon(t, testStateDir(t))

	tests := []struct {
		name   string
		params any
	}{
		{name: "no categories", params: uds.StartParams{}},
		{name: "unknown category", params: uds.StartParams{Categories: []string{"warp_drive"}}},
		{name: "tool outside profile", params: uds.StartParams{Categories: []string{"fans"}, ToolMask: 0b10}},
		{name: "malformed params", params: map[string]any{"categories": 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireError(t, call(t, d, uds.CmdStart, tt.params), uds.ErrCodeValidation)
		})
	}
	assert.False(t, d.controller.IsInProgress())
}

func TestAbort(t *testing.T) {
	d := newWiredDaemon(t, testStateDir(t))
	requireError(t, call(t, d, uds.CmdAbort, nil), uds.ErrCodeNotRunning)

	decode(t, call(t, d, uds.CmdStart, uds.StartParams{Categories: []string{"heaters"}}), &map[string]any{})
	d.controller.Loop()

	var out struct {
		State string `json:"state"`
	}
	decode(t, call(t, d, uds.CmdAbort, nil), &out)
	assert.Equal(t, "Aborted", out.State)
	assert.True(t, d.controller.IsAborted())

	ms := d.machine.State()
	assert.Zero(t, ms.BedTarget)
	for _, target := range ms.NozzleTargets {
		assert.Zero(t, target)
	}
}

func TestShutdown_MidRunRecordsAbortedRun(t *testing.T) {
	dir := testStateDir(t)
	cfg := testConfig()
	cfg.History.Enabled = true
	d, err := newDaemon(dir, cfg, io.Discard, nil)
	require.NoError(t, err)
	require.NoError(t, d.history.Init(context.Background()))
	require.NoError(t, d.wire())

	var started struct {
		RunID string `json:"run_id"`
	}
	decode(t, call(t, d, uds.CmdStart, uds.StartParams{Categories: []string{"heaters"}}), &started)
	d.controller.Loop()
	require.True(t, d.controller.IsInProgress())

	d.Shutdown()
	assert.True(t, d.controller.IsAborted())

	h, err := history.NewStore("sqlite", filepath.Join(dir, "history.db"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Init(context.Background()))
	defer h.Close()
	rec, err := h.Get(context.Background(), started.RunID)
	require.NoError(t, err)
	assert.Equal(t, "Aborted", rec.State)
	assert.True(t, rec.Aborted())

	entries, _, err := events.ReadJournal(filepath.Join(dir, "logs", journalFile), 0)
	require.NoError(t, err)
	var ended int
	for _, e := range entries {
		if e.Type == events.EventRunEnded {
			ended++
		}
	}
	assert.Equal(t, 1, ended, "run_ended journaled %d times", ended)
}

func TestRespond(t *testing.T) {
	d := newWiredDaemon(t, testStateDir(t))
	requireError(t, call(t, d, uds.CmdRespond, uds.RespondParams{Response: "continue"}), uds.ErrCodeNotRunning)

	decode(t, call(t, d, uds.CmdStart, uds.StartParams{Categories: []string{"show_result"}}), &map[string]any{})
	tickUntil(t, d, func() bool { return d.controller.State() == selftest.StateResultWaitUser })

	requireError(t, call(t, d, uds.CmdRespond, uds.RespondParams{Response: "maybe"}), uds.ErrCodeValidation)
	requireError(t, call(t, d, uds.CmdRespond, uds.RespondParams{Response: "none"}), uds.ErrCodeValidation)
	requireError(t, call(t, d, uds.CmdRespond, uds.RespondParams{Response: "ok", State: "Bogus"}), uds.ErrCodeValidation)
	requireError(t, call(t, d, uds.CmdRespond, uds.RespondParams{Response: "ok", State: "Fans"}), uds.ErrCodeValidation)

	// a response for another checkpoint is not consumed here
	decode(t, call(t, d, uds.CmdRespond, uds.RespondParams{Response: "ok", State: "EpilogueOkWaitUser"}), &map[string]any{})
	for i := 0; i < 5; i++ {
		d.controller.Loop()
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, selftest.StateResultWaitUser, d.controller.State())

	decode(t, call(t, d, uds.CmdRespond, uds.RespondParams{Response: "Continue", State: "resultwaituser"}), &map[string]any{})
	tickUntil(t, d, func() bool { return d.controller.State() == selftest.StateFinished })
}

func TestRespond_AnyStateAbort(t *testing.T) {
	d := newWiredDaemon(t, testStateDir(t))
	decode(t, call(t, d, uds.CmdStart, uds.StartParams{Categories: []string{"show_result"}}), &map[string]any{})
	tickUntil(t, d, func() bool { return d.controller.State() == selftest.StateResultWaitUser })

	decode(t, call(t, d, uds.CmdRespond, uds.RespondParams{Response: "abort"}), &map[string]any{})
	tickUntil(t, d, func() bool { return d.controller.IsAborted() })
}

func TestStatus(t *testing.T) {
	d := newWiredDaemon(t, testStateDir(t))

	var idle status.View
	decode(t, call(t, d, uds.CmdStatus, nil), &idle)
	assert.True(t, idle.Daemon.Running)
	assert.Equal(t, os.Getpid(), idle.Daemon.Pid)
	assert.Equal(t, "default", idle.Profile)
	assert.Equal(t, 1, idle.Tools)
	assert.Nil(t, idle.Run)
	assert.True(t, idle.Flags.RunSelftest)

	decode(t, call(t, d, uds.CmdStart, uds.StartParams{Categories: []string{"fans"}}), &map[string]any{})
	var running status.View
	decode(t, call(t, d, uds.CmdStatus, nil), &running)
	require.NotNil(t, running.Run)
	assert.True(t, running.Run.InProgress)
	assert.Equal(t, uint64(selftest.MaskFans), running.Run.Requested)
	assert.Equal(t, []int{0}, running.Run.Tools)
}

func TestResults(t *testing.T) {
	d := newWiredDaemon(t, testStateDir(t))

	var before map[string]json.RawMessage
	decode(t, call(t, d, uds.CmdResults, nil), &before)
	assert.Contains(t, before, "result")
	assert.Contains(t, before, "flags")
	assert.NotContains(t, before, "last_run")

	require.NoError(t, d.store.SaveLastRun(model.RunRecord{RunID: "r-1", State: "Finished"}))
	var after map[string]json.RawMessage
	decode(t, call(t, d, uds.CmdResults, nil), &after)
	assert.Contains(t, after, "last_run")
}

func TestHistory(t *testing.T) {
	d := newWiredDaemon(t, testStateDir(t))
	requireError(t, call(t, d, uds.CmdHistory, uds.HistoryParams{RunID: "missing"}), uds.ErrCodeNotFound)

	var out struct {
		Runs  []model.RunRecord `json:"runs"`
		Stats map[string]int    `json:"stats"`
	}
	decode(t, call(t, d, uds.CmdHistory, uds.HistoryParams{}), &out)
	assert.Empty(t, out.Runs)
	assert.Equal(t, 0, out.Stats["Total"])
}

func TestReload(t *testing.T) {
	dir := testStateDir(t)
	path := filepath.Join(dir, "printer.hcl")
	require.NoError(t, os.WriteFile(path, []byte(testProfile), 0644))
	d := newWiredDaemon(t, dir)
	assert.Equal(t, "bench", d.profile.Name)

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(testProfile, "bench", "bench2", 1)), 0644))
	var out struct {
		Profile string `json:"profile"`
		Tools   int    `json:"tools"`
	}
	decode(t, call(t, d, uds.CmdReload, nil), &out)
	assert.Equal(t, "bench2", out.Profile)
	assert.Equal(t, "bench2", d.factory.Profile().Name)

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(testProfile, "tools = 1", "tools = 2", 1)), 0644))
	requireError(t, call(t, d, uds.CmdReload, nil), uds.ErrCodeValidation)
	assert.Equal(t, 1, d.toolCount())

	require.NoError(t, os.WriteFile(path, []byte(testProfile), 0644))
	decode(t, call(t, d, uds.CmdStart, uds.StartParams{Categories: []string{"fans"}}), &map[string]any{})
	requireError(t, call(t, d, uds.CmdReload, nil), uds.ErrCodeBusy)
}

func TestProfileChangeDeferredDuringRun(t *testing.T) {
	dir := testStateDir(t)
	path := filepath.Join(dir, "printer.hcl")
	require.NoError(t, os.WriteFile(path, []byte(testProfile), 0644))
	d := newWiredDaemon(t, dir)

	decode(t, call(t, d, uds.CmdStart, uds.StartParams{Categories: []string{"fans"}}), &map[string]any{})
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(testProfile, "bench", "later", 1)), 0644))
	d.onProfileChanged()
	assert.Equal(t, "bench", d.factory.Profile().Name)

	tickUntil(t, d, func() bool { return !d.controller.IsInProgress() })
	d.applyPendingReload()
	assert.Equal(t, "later", d.factory.Profile().Name)
}

func TestRun_PingAndShutdown(t *testing.T) {
	dir := testStateDir(t)
	d, err := newDaemon(dir, testConfig(), io.Discard, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetTimeout(time.Second)
	require.Eventually(t, func() bool {
		return client.Call(uds.CmdPing, nil, nil) == nil
	}, 5*time.Second, 10*time.Millisecond)

	var started struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, client.Call(uds.CmdStart, uds.StartParams{Categories: []string{"fans"}}, &started))
	require.Eventually(t, func() bool {
		_, err := d.history.Get(context.Background(), started.RunID)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Call(uds.CmdShutdown, nil, nil))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
	_, err = os.Stat(filepath.Join(dir, uds.DefaultSocketName))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_SecondDaemonLocked(t *testing.T) {
	dir := testStateDir(t)
	first, err := newDaemon(dir, testConfig(), io.Discard, nil)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- first.Run() }()

	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	require.Eventually(t, func() bool {
		return client.Call(uds.CmdPing, nil, nil) == nil
	}, 5*time.Second, 10*time.Millisecond)

	second, err := newDaemon(dir, testConfig(), io.Discard, nil)
	require.NoError(t, err)
	require.Error(t, second.Run())

	first.Shutdown()
	require.NoError(t, <-done)
}

func TestMailbox(t *testing.T) {
	m := NewMailbox()
	assert.Equal(t, model.ResponseNone, m.TakeResponse(selftest.StateResultWaitUser))

	m.Post(selftest.StateResultWaitUser, false, model.ResponseOk)
	assert.Equal(t, model.ResponseNone, m.TakeResponse(selftest.StateEpilogueOkWaitUser))
	assert.Equal(t, model.ResponseOk, m.TakeResponse(selftest.StateResultWaitUser))
	assert.Equal(t, model.ResponseNone, m.TakeResponse(selftest.StateResultWaitUser))

	m.Post(selftest.StateIdle, true, model.ResponseAbort)
	assert.Equal(t, model.ResponseAbort, m.TakeResponse(selftest.StateEpilogueOkWaitUser))

	m.Post(selftest.StateResultWaitUser, false, model.ResponseOk)
	m.Clear()
	assert.Equal(t, model.ResponseNone, m.TakeResponse(selftest.StateResultWaitUser))
}

func TestStoreBackendUnknown(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Backend = "etcd"
	_, err := newDaemon(testStateDir(t), cfg, io.Discard, nil)
	require.Error(t, err)
}
