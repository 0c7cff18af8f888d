package daemon

import (
	"errors"
	"fmt"
	"os"

	"github.com/msageha/selftestd/internal/history"
	"github.com/msageha/selftestd/internal/model"
	"github.com/msageha/selftestd/internal/profile"
	"github.com/msageha/selftestd/internal/selftest"
	"github.com/msageha/selftestd/internal/status"
	"github.com/msageha/selftestd/internal/store"
	"github.com/msageha/selftestd/internal/uds"
)

const defaultHistoryLimit = 10

func (d *Daemon) handlers() map[string]uds.HandlerFunc {
	return map[string]uds.HandlerFunc{
		uds.CmdPing:     d.handlePing,
		uds.CmdStart:    d.handleStart,
		uds.CmdAbort:    d.handleAbort,
		uds.CmdRespond:  d.handleRespond,
		uds.CmdStatus:   d.handleStatus,
		uds.CmdResults:  d.handleResults,
		uds.CmdHistory:  d.handleHistory,
		uds.CmdReload:   d.handleReload,
		uds.CmdShutdown: d.handleShutdown,
	}
}

func (d *Daemon) handlePing(_ *uds.Request) *uds.Response {
	return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
}

func (d *Daemon) handleStart(req *uds.Request) *uds.Response {
	var params uds.StartParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if len(params.Categories) == 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "no categories given")
	}
	mask, err := selftest.ParseCategories(params.Categories)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if mask == selftest.MaskNone {
		return uds.ErrorResponse(uds.ErrCodeValidation, "categories select no state")
	}

	tools := d.toolCount()
	if params.ToolMask != 0 && tools < 64 && params.ToolMask&(1<<uint(tools)-1) == 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation,
			fmt.Sprintf("tool mask %#x selects none of the %d configured tools", params.ToolMask, tools))
	}

	if !d.controller.TryStart(mask, params.ToolMask) {
		return uds.ErrorResponse(uds.ErrCodeBusy,
			fmt.Sprintf("run in progress in state %s", d.controller.State()))
	}
	// answers left from the previous run
	d.responses.Clear()
	snap := d.controller.Snapshot()
	d.logger.Infof("run=%s started via socket categories=%v tool_mask=%#x", snap.RunID, params.Categories, params.ToolMask)
	return uds.SuccessResponse(map[string]any{
		"run_id":   snap.RunID,
		"expanded": snap.Expanded.String(),
	})
}

func (d *Daemon) handleAbort(_ *uds.Request) *uds.Response {
	if !d.controller.Abort() {
		return uds.ErrorResponse(uds.ErrCodeNotRunning, "no run in progress")
	}
	return uds.SuccessResponse(map[string]any{"state": d.controller.State().String()})
}

func (d *Daemon) handleRespond(req *uds.Request) *uds.Response {
	var params uds.RespondParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if !d.controller.IsInProgress() {
		return uds.ErrorResponse(uds.ErrCodeNotRunning, "no run in progress")
	}
	resp, err := model.ParseResponse(params.Response)
	if err != nil || resp == model.ResponseNone {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid response %q", params.Response))
	}

	anyState := params.State == ""
	var state selftest.State
	if !anyState {
		state, err = selftest.ParseState(params.State)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		if !state.IsWaitUser() {
			return uds.ErrorResponse(uds.ErrCodeValidation,
				fmt.Sprintf("state %s does not wait for a response", state))
		}
	}
	d.responses.Post(state, anyState, resp)
	d.logger.Debugf("response %s posted state=%q", resp, params.State)
	return uds.SuccessResponse(map[string]any{"queued": resp.String()})
}

func (d *Daemon) handleStatus(_ *uds.Request) *uds.Response {
	v, err, _ := d.snapshots.Do("status", func() (any, error) {
		return d.statusView()
	})
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(v)
}

func (d *Daemon) statusView() (status.View, error) {
	snap := d.controller.Snapshot()
	flags, err := d.store.LoadFlags()
	if err != nil {
		return status.View{}, fmt.Errorf("load flags: %w", err)
	}
	recent, err := d.history.Recent(d.ctx, recentRunsShown)
	if err != nil {
		return status.View{}, fmt.Errorf("recent runs: %w", err)
	}
	stats, err := d.history.Stats(d.ctx)
	if err != nil {
		return status.View{}, fmt.Errorf("run stats: %w", err)
	}

	d.mu.Lock()
	name, tools := d.profile.Name, d.profile.Tools
	d.mu.Unlock()

	v := status.View{
		Daemon:      status.DaemonStatus{Running: true, Pid: os.Getpid(), StartedAt: d.startedAt},
		Profile:     name,
		Tools:       tools,
		Result:      snap.Result,
		Flags:       flags,
		Recent:      recent,
		Stats:       stats,
		FeedClients: d.feed.Clients(),
	}
	if snap.RunID != "" {
		v.Run = &status.RunView{
			RunID:        snap.RunID,
			State:        snap.State.String(),
			StateSince:   snap.StateSince,
			StartedAt:    snap.StartedAt,
			InProgress:   snap.InProgress,
			Requested:    uint64(snap.Requested),
			Expanded:     snap.Expanded.String(),
			Tools:        snap.Tools,
			FullRun:      snap.FullRun,
			Outcome:      snap.Outcome,
			LiveHandlers: snap.LiveSlots,
		}
	}
	return v, nil
}

func (d *Daemon) handleResults(_ *uds.Request) *uds.Response {
	result, err := d.store.LoadResult()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	flags, err := d.store.LoadFlags()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	data := map[string]any{"result": result, "flags": flags}
	last, err := d.store.LastRun()
	switch {
	case err == nil:
		data["last_run"] = last
	case !errors.Is(err, store.ErrNotFound):
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(data)
}

func (d *Daemon) handleHistory(req *uds.Request) *uds.Response {
	var params uds.HistoryParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	if params.RunID != "" {
		rec, err := d.history.Get(d.ctx, params.RunID)
		if errors.Is(err, history.ErrNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("run %s not found", params.RunID))
		}
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(map[string]any{"runs": []model.RunRecord{rec}})
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	runs, err := d.history.Recent(d.ctx, limit)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	stats, err := d.history.Stats(d.ctx)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(map[string]any{"runs": runs, "stats": stats})
}

func (d *Daemon) handleReload(_ *uds.Request) *uds.Response {
	if d.controller.IsInProgress() {
		return uds.ErrorResponse(uds.ErrCodeBusy, "cannot reload the profile while a run is in progress")
	}
	p, err := d.reloadProfile()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return uds.SuccessResponse(map[string]any{"profile": p.Name, "tools": p.Tools})
}

// reloadProfile re-reads the profile file and swaps it into the handler
// factory. A profile that changes the tool count is rejected.
func (d *Daemon) reloadProfile() (*profile.Profile, error) {
	p, err := profile.Load(d.profilePath)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p.Tools != d.profile.Tools {
		return nil, fmt.Errorf("profile declares %d tools, daemon runs with %d; restart to change the tool count",
			p.Tools, d.profile.Tools)
	}
	d.profile = p
	d.reloadPending = false
	d.factory.SetProfile(p)
	d.logger.Infof("profile reloaded name=%s from %s", p.Name, d.profilePath)
	return p, nil
}

func (d *Daemon) handleShutdown(_ *uds.Request) *uds.Response {
	d.logger.Infof("shutdown requested via socket")
	go d.Shutdown()
	return uds.SuccessResponse(map[string]any{"status": "shutting_down"})
}

func (d *Daemon) toolCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profile.Tools
}
