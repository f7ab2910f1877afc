package task

import (
	"encoding/json"
	"time"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// runRecordDTO mirrors RunRecord's fields for JSON (de)serialization,
// exposing the otherwise-unexported state bookkeeping so a Store can
// round-trip a task without losing its life-cycle position (spec.md
// §8 invariant 7: "a stored and reloaded task is indistinguishable
// from the original").
type runRecordDTO struct {
	State        State
	PreUnknown   State
	ReturnCode   ReturnCode
	JobID        string
	Resource     string
	SubmittedAt  string
	RunningAt    string
	TerminatedAt string
	History      []HistoryEntry
	Usage        Usage
	OutputDir    string
	PriorRuns    [][]HistoryEntry
	UnknownSince string
}

// MarshalJSON implements json.Marshaler. It writes CurrentSchemaVersion
// alongside the known fields and re-emits any unrecognized fields a
// prior load captured in r.extra, so a record this build cannot fully
// interpret (e.g. saved by a newer binary) survives a save/load cycle
// through this one unchanged (spec.md §4.7's round-trip-downgrade
// requirement).
func (r *RunRecord) MarshalJSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	known, err := json.Marshal(runRecordDTO{
		State:        r.state,
		PreUnknown:   r.preUnknown,
		ReturnCode:   r.ReturnCode,
		JobID:        r.JobID,
		Resource:     r.Resource,
		SubmittedAt:  formatTime(r.SubmittedAt),
		RunningAt:    formatTime(r.RunningAt),
		TerminatedAt: formatTime(r.TerminatedAt),
		History:      r.History,
		Usage:        r.Usage,
		OutputDir:    r.OutputDir,
		PriorRuns:    r.PriorRuns,
		UnknownSince: formatTime(r.unknownSince),
	})
	if err != nil {
		return nil, err
	}

	out := map[string]json.RawMessage{}
	if err := json.Unmarshal(known, &out); err != nil {
		return nil, err
	}
	for k, v := range r.extra {
		out[k] = v
	}
	version, err := json.Marshal(CurrentSchemaVersion)
	if err != nil {
		return nil, err
	}
	out["SchemaVersion"] = version
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. It runs the raw object
// through upgradeRunRecord (spec.md §4.7's "update-to-latest hook")
// before decoding the known fields, and stashes anything
// upgradeRunRecord did not recognize in r.extra so MarshalJSON can
// write it straight back out.
func (r *RunRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known, extra := upgradeRunRecord(raw)

	knownData, err := json.Marshal(known)
	if err != nil {
		return err
	}
	var dto runRecordDTO
	if err := json.Unmarshal(knownData, &dto); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = dto.State
	r.preUnknown = dto.PreUnknown
	r.ReturnCode = dto.ReturnCode
	r.JobID = dto.JobID
	r.Resource = dto.Resource
	r.SubmittedAt = parseTime(dto.SubmittedAt)
	r.RunningAt = parseTime(dto.RunningAt)
	r.TerminatedAt = parseTime(dto.TerminatedAt)
	r.History = dto.History
	r.Usage = dto.Usage
	r.OutputDir = dto.OutputDir
	r.PriorRuns = dto.PriorRuns
	r.unknownSince = parseTime(dto.UnknownSince)
	r.extra = extra
	return nil
}
