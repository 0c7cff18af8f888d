package model

import "time"

// RunRecord summarises one self-test run once it ended.
type RunRecord struct {
	RunID     string         `yaml:"run_id" json:"run_id"`
	StartedAt time.Time      `yaml:"started_at" json:"started_at"`
	EndedAt   time.Time      `yaml:"ended_at" json:"ended_at"`
	State     string         `yaml:"state" json:"state"`
	Requested uint64         `yaml:"requested" json:"requested"`
	Expanded  uint64         `yaml:"expanded" json:"expanded"`
	ToolMask  uint64         `yaml:"tool_mask" json:"tool_mask"`
	Outcome   TestResult     `yaml:"outcome" json:"outcome"`
	Result    SelftestResult `yaml:"result" json:"result"`
}

// Aborted reports whether the run ended by abort.
func (r RunRecord) Aborted() bool { return r.State == "Aborted" }

// Duration is the wall time between start and end.
func (r RunRecord) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// LastRunDocument is the persisted form of the most recent run.
type LastRunDocument struct {
	SchemaVersion int        `yaml:"schema_version"`
	FileType      string     `yaml:"file_type"`
	Run           *RunRecord `yaml:"run"`
}
