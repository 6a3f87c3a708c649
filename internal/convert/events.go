package convert

import (
	"encoding/json"

	"github.com/kggtools/kgg-cli/internal/sse"
)

// Phase names a stage of a single file's conversion.
type Phase string

const (
	PhasePrepare   Phase = "prepare"
	PhaseDecrypt   Phase = "decrypt"
	PhaseTranscode Phase = "transcode"
	PhaseOther     Phase = "other"
)

func phaseFromString(s string) Phase {
	switch s {
	case "prepare":
		return PhasePrepare
	case "decrypt":
		return PhaseDecrypt
	case "transcode":
		return PhaseTranscode
	default:
		return PhaseOther
	}
}

// Event is the closed set of stream events a run can produce. Payloads
// are decoded into these types at the parser boundary; anything that
// does not match an expected shape becomes an UnknownEvent instead of
// flowing through untyped.
type Event interface {
	eventName() string
}

// FileError is the structured error attached to failed files and
// run-level error events.
type FileError struct {
	Code        string `json:"code"`
	UserMessage string `json:"userMessage"`
	Suggestion  string `json:"suggestion,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Message returns the best user-facing description available.
func (e *FileError) Message() string {
	if e == nil {
		return "conversion failed"
	}
	if e.UserMessage != "" {
		return e.UserMessage
	}
	if e.Detail != "" {
		return e.Detail
	}
	return "conversion failed"
}

// ProgressEvent reports intra-file progress. Percent is the
// server-computed aggregate value and is authoritative.
type ProgressEvent struct {
	Phase   Phase
	File    string
	Current int
	Total   int
	Percent float64
}

func (ProgressEvent) eventName() string { return "progress" }

// FileDoneEvent reports one file reaching a terminal state.
type FileDoneEvent struct {
	File    string
	Current int
	Total   int
	Percent float64
	Status  string
	Input   string
	Err     *FileError
}

func (FileDoneEvent) eventName() string { return "file-done" }

// Failed reports whether the file ended in error.
func (e FileDoneEvent) Failed() bool { return e.Status == "error" }

// RunErrorEvent is a run-level failure signal. It is surfaced but does
// not terminate the run; only stream closure or complete does.
type RunErrorEvent struct {
	Err *FileError
}

func (RunErrorEvent) eventName() string { return "error" }

// FileResult is one entry of the final per-file result list.
type FileResult struct {
	File   string     `json:"file"`
	Status string     `json:"status"`
	Input  string     `json:"input,omitempty"`
	Err    *FileError `json:"error,omitempty"`
}

// CompleteEvent is the terminal event of a run.
type CompleteEvent struct {
	Total      int
	Success    int
	Failed     int
	DurationMs int64
	Cancelled  bool
	OutputDir  string
	Results    []FileResult
}

func (CompleteEvent) eventName() string { return "complete" }

// UnknownEvent quarantines frames with unrecognized names or payloads
// that do not match the expected shape. The stream continues.
type UnknownEvent struct {
	Name    string
	Payload json.RawMessage
}

func (UnknownEvent) eventName() string { return "unknown" }

// DecodeEvent maps a parsed frame onto the typed event union.
func DecodeEvent(ev sse.Event) Event {
	switch ev.Name {
	case "progress":
		var raw struct {
			Phase   string  `json:"phase"`
			File    string  `json:"file"`
			Current int     `json:"current"`
			Total   int     `json:"total"`
			Percent float64 `json:"percent"`
		}
		if err := json.Unmarshal(ev.Payload, &raw); err != nil || raw.File == "" {
			return UnknownEvent{Name: ev.Name, Payload: ev.Payload}
		}
		return ProgressEvent{
			Phase:   phaseFromString(raw.Phase),
			File:    raw.File,
			Current: raw.Current,
			Total:   raw.Total,
			Percent: raw.Percent,
		}

	case "file-done":
		var raw struct {
			File    string     `json:"file"`
			Current int        `json:"current"`
			Total   int        `json:"total"`
			Percent float64    `json:"percent"`
			Status  string     `json:"status"`
			Input   string     `json:"input"`
			Err     *FileError `json:"error"`
		}
		if err := json.Unmarshal(ev.Payload, &raw); err != nil || raw.File == "" {
			return UnknownEvent{Name: ev.Name, Payload: ev.Payload}
		}
		return FileDoneEvent{
			File:    raw.File,
			Current: raw.Current,
			Total:   raw.Total,
			Percent: raw.Percent,
			Status:  raw.Status,
			Input:   raw.Input,
			Err:     raw.Err,
		}

	case "error":
		var raw struct {
			Err *FileError `json:"error"`
		}
		if err := json.Unmarshal(ev.Payload, &raw); err != nil {
			return UnknownEvent{Name: ev.Name, Payload: ev.Payload}
		}
		return RunErrorEvent{Err: raw.Err}

	case "complete":
		var raw struct {
			Total      int          `json:"total"`
			Success    int          `json:"success"`
			Failed     int          `json:"failed"`
			DurationMs int64        `json:"durationMs"`
			Cancelled  bool         `json:"cancelled"`
			OutputDir  string       `json:"outputDir"`
			Results    []FileResult `json:"results"`
		}
		if err := json.Unmarshal(ev.Payload, &raw); err != nil {
			return UnknownEvent{Name: ev.Name, Payload: ev.Payload}
		}
		return CompleteEvent{
			Total:      raw.Total,
			Success:    raw.Success,
			Failed:     raw.Failed,
			DurationMs: raw.DurationMs,
			Cancelled:  raw.Cancelled,
			OutputDir:  raw.OutputDir,
			Results:    raw.Results,
		}

	default:
		return UnknownEvent{Name: ev.Name, Payload: ev.Payload}
	}
}
