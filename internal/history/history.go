// Package history keeps a log of finished self-test runs.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/selftestd/internal/events"
	"github.com/msageha/selftestd/internal/model"
)

var ErrNotFound = errors.New("run not found")

// Store records finished runs.
type Store interface {
	Init(ctx context.Context) error
	Record(ctx context.Context, run model.RunRecord) error
	// Recent returns up to n runs, newest first.
	Recent(ctx context.Context, n int) ([]model.RunRecord, error)
	Get(ctx context.Context, runID string) (model.RunRecord, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats counts recorded runs by how they ended.
type Stats struct {
	Total   int
	Passed  int
	Failed  int
	Unknown int
	Aborted int
}

func (s *Stats) add(r model.RunRecord) {
	s.Total++
	if r.Aborted() {
		s.Aborted++
	}
	switch r.Outcome {
	case model.ResultPassed:
		s.Passed++
	case model.ResultFailed:
		s.Failed++
	default:
		s.Unknown++
	}
}

// NewStore builds the backend named by kind ("sqlite" or "memory"). maxRows
// bounds the number of runs kept; older runs are pruned on Record.
func NewStore(kind, sqlitePath string, maxRows int) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(maxRows), nil
	case "sqlite":
		return NewSQLiteStore(sqlitePath, maxRows), nil
	default:
		return nil, fmt.Errorf("unsupported history backend: %s", kind)
	}
}

// RecordFromEvent builds a RunRecord from a run_ended event.
func RecordFromEvent(e events.Event) (model.RunRecord, error) {
	if e.Type != events.EventRunEnded {
		return model.RunRecord{}, fmt.Errorf("unexpected event type %s", e.Type)
	}
	rec := model.RunRecord{EndedAt: e.Timestamp}
	var ok bool
	if rec.RunID, ok = e.Data["run_id"].(string); !ok || rec.RunID == "" {
		return model.RunRecord{}, errors.New("run_ended event without run_id")
	}
	rec.State, _ = e.Data["state"].(string)
	rec.Requested, _ = e.Data["requested"].(uint64)
	rec.Expanded, _ = e.Data["expanded"].(uint64)
	rec.ToolMask, _ = e.Data["tool_mask"].(uint64)
	rec.StartedAt, _ = e.Data["started"].(time.Time)
	rec.Result, _ = e.Data["result"].(model.SelftestResult)
	if s, ok := e.Data["outcome"].(string); ok {
		if err := rec.Outcome.UnmarshalText([]byte(s)); err != nil {
			return model.RunRecord{}, err
		}
	}
	return rec, nil
}

// Attach records every run_ended event published on bus.
func Attach(ctx context.Context, bus *events.Bus, store Store, onErr func(error)) func() {
	return bus.Subscribe(events.EventRunEnded, func(e events.Event) {
		rec, err := RecordFromEvent(e)
		if err == nil {
			err = store.Record(ctx, rec)
		}
		if err != nil && onErr != nil {
			onErr(err)
		}
	})
}
