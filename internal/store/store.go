// Package store persists the aggregate self-test result, the auto-run flags
// and the summary of the last run.
package store

import (
	"errors"

	"github.com/msageha/selftestd/internal/model"
)

// ErrNotFound is returned when a document has never been written.
var ErrNotFound = errors.New("not found")

// Store is the persistence port of the daemon. It satisfies
// selftest.ResultStore.
type Store interface {
	LoadResult() (model.SelftestResult, error)
	SaveResult(model.SelftestResult) error

	LoadFlags() (model.AutoRunFlags, error)
	SaveFlags(model.AutoRunFlags) error
	ClearAutoRunFlags() error

	SaveLastRun(model.RunRecord) error
	// LastRun returns ErrNotFound before the first run ended.
	LastRun() (model.RunRecord, error)
}

// defaultFlags is the state of a printer that never ran the wizard.
func defaultFlags() model.AutoRunFlags {
	return model.AutoRunFlags{RunSelftest: true, RunXYZCalib: true, RunFirstLayer: true}
}

// fitTools pads the tool table to toolCount entries.
func fitTools(r model.SelftestResult, toolCount int) model.SelftestResult {
	for len(r.Tools) < toolCount {
		r.Tools = append(r.Tools, model.ToolResult{})
	}
	return r
}
