package convert

import (
	"sort"
	"time"
)

// FileStatus is the lifecycle of one file row:
// pending → active → success | error. Terminal states are final.
type FileStatus int

const (
	StatusPending FileStatus = iota
	StatusActive
	StatusSuccess
	StatusError
)

func (s FileStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (s FileStatus) terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// FileKey identifies one file row within a run. The ordinal
// disambiguates two files with the same name.
type FileKey struct {
	Ordinal int
	Name    string
}

// FileRow is the per-file progress record.
type FileRow struct {
	Key    FileKey
	Total  int
	Status FileStatus
	Phase  Phase
	Err    *FileError
}

// RunSummary is the immutable terminal record of a run.
type RunSummary struct {
	Total      int
	Success    int
	Failed     int
	DurationMs int64
	Cancelled  bool
	OutputDir  string
	Results    []FileResult
}

// Effect describes a side effect the caller should perform after a
// transition: update a row, refresh the aggregate display, log a
// message, finish the run. The machine itself performs no I/O.
type Effect interface {
	effect()
}

// RowUpdated asks the caller to (re)render one file row.
type RowUpdated struct {
	Row FileRow
}

// AggregateUpdated carries the new aggregate counters. Percent is the
// server-reported value clamped to [0,100].
type AggregateUpdated struct {
	Done     int
	Total    int
	Percent  float64
	HasError bool
}

// FileSucceeded reports a successful file for logging.
type FileSucceeded struct {
	File string
}

// FileFailed reports a failed file with its structured error.
type FileFailed struct {
	File string
	Err  *FileError
}

// RunErrored surfaces a run-level error event. The run continues.
type RunErrored struct {
	Err *FileError
}

// StrayEvent reports an event that was ignored for state purposes:
// a progress for an already-terminal row, or an unknown payload.
type StrayEvent struct {
	Description string
}

// RunCompleted carries the final summary. Emitted exactly once.
type RunCompleted struct {
	Summary RunSummary
}

func (RowUpdated) effect()       {}
func (AggregateUpdated) effect() {}
func (FileSucceeded) effect()    {}
func (FileFailed) effect()       {}
func (RunErrored) effect()       {}
func (StrayEvent) effect()       {}
func (RunCompleted) effect()     {}

// Machine consumes typed events and maintains per-file and aggregate
// progress for one run. All events of a run arrive from a single
// goroutine, so no locking is needed. Apply is deterministic and free
// of I/O, so transitions are unit-testable without a live stream.
type Machine struct {
	total     int
	done      int
	percent   float64
	hasError  bool
	startedAt time.Time
	finished  bool
	outputDir string
	rows      map[FileKey]*FileRow
	failed    []FileResult
	summary   *RunSummary
}

// NewMachine creates a machine for a run of total files starting now.
// outputDir seeds the summary when the run ends without a complete
// event (cancellation, dropped connection).
func NewMachine(total int, startedAt time.Time, outputDir string) *Machine {
	return &Machine{
		total:     total,
		startedAt: startedAt,
		outputDir: outputDir,
		rows:      make(map[FileKey]*FileRow),
	}
}

// Apply transitions the machine on one event and returns the side
// effects the caller should perform. A second complete event for the
// same run yields no effects; callers are expected not to dispatch
// after the first one.
func (m *Machine) Apply(ev Event) []Effect {
	switch ev := ev.(type) {
	case ProgressEvent:
		return m.applyProgress(ev)
	case FileDoneEvent:
		return m.applyFileDone(ev)
	case RunErrorEvent:
		return []Effect{RunErrored{Err: ev.Err}}
	case CompleteEvent:
		return m.applyComplete(ev)
	case UnknownEvent:
		return []Effect{StrayEvent{Description: "unrecognized event " + ev.Name}}
	default:
		return nil
	}
}

func (m *Machine) applyProgress(ev ProgressEvent) []Effect {
	row := m.row(ev.Current, ev.File, ev.Total)

	if row.Status.terminal() {
		// A stray progress after file-done: the terminal state wins.
		return []Effect{StrayEvent{Description: "progress for finished file " + ev.File}}
	}

	row.Status = StatusActive
	row.Phase = ev.Phase
	m.percent = clampPercent(ev.Percent)

	return []Effect{
		RowUpdated{Row: *row},
		m.aggregate(),
	}
}

func (m *Machine) applyFileDone(ev FileDoneEvent) []Effect {
	row := m.row(ev.Current, ev.File, ev.Total)
	m.percent = clampPercent(ev.Percent)

	if row.Status.terminal() {
		return []Effect{StrayEvent{Description: "duplicate file-done for " + ev.File}}
	}

	m.done++
	if m.total > 0 && m.done > m.total {
		m.done = m.total
	}

	var effects []Effect
	if ev.Failed() {
		row.Status = StatusError
		row.Err = ev.Err
		m.hasError = true
		m.failed = append(m.failed, FileResult{
			File:   ev.File,
			Status: "error",
			Input:  ev.Input,
			Err:    ev.Err,
		})
		effects = append(effects, RowUpdated{Row: *row}, m.aggregate(), FileFailed{File: ev.File, Err: ev.Err})
	} else {
		row.Status = StatusSuccess
		effects = append(effects, RowUpdated{Row: *row}, m.aggregate(), FileSucceeded{File: ev.File})
	}
	return effects
}

func (m *Machine) applyComplete(ev CompleteEvent) []Effect {
	if m.finished {
		return nil
	}
	m.finished = true

	summary := RunSummary{
		Total:      ev.Total,
		Success:    ev.Success,
		Failed:     ev.Failed,
		DurationMs: ev.DurationMs,
		Cancelled:  ev.Cancelled,
		OutputDir:  ev.OutputDir,
		Results:    ev.Results,
	}
	if summary.OutputDir == "" {
		summary.OutputDir = m.outputDir
	}
	m.summary = &summary

	return []Effect{RunCompleted{Summary: summary}}
}

func (m *Machine) row(ordinal int, name string, total int) *FileRow {
	key := FileKey{Ordinal: ordinal, Name: name}
	if row, ok := m.rows[key]; ok {
		return row
	}
	row := &FileRow{Key: key, Total: total, Status: StatusPending}
	m.rows[key] = row
	return row
}

func (m *Machine) aggregate() AggregateUpdated {
	return AggregateUpdated{
		Done:     m.done,
		Total:    m.total,
		Percent:  m.percent,
		HasError: m.hasError,
	}
}

// AbortSummary builds the terminal record for a run that ended without
// a complete event. cancelled distinguishes a deliberate user cancel
// from a transport failure.
func (m *Machine) AbortSummary(cancelled bool, now time.Time) RunSummary {
	if m.summary != nil {
		return *m.summary
	}

	m.finished = true
	summary := RunSummary{
		Total:      m.total,
		Success:    m.done - len(m.failed),
		Failed:     len(m.failed),
		DurationMs: now.Sub(m.startedAt).Milliseconds(),
		Cancelled:  cancelled,
		OutputDir:  m.outputDir,
		Results:    append([]FileResult(nil), m.failed...),
	}
	m.summary = &summary
	return summary
}

// Done returns the count of files that reached a terminal state.
func (m *Machine) Done() int { return m.done }

// Total returns the fixed run size.
func (m *Machine) Total() int { return m.total }

// HasError reports whether any file failed so far. Once true it stays
// true for the rest of the run.
func (m *Machine) HasError() bool { return m.hasError }

// Finished reports whether a terminal summary exists.
func (m *Machine) Finished() bool { return m.finished }

// StartedAt returns the run start time.
func (m *Machine) StartedAt() time.Time { return m.startedAt }

// Rows returns the file rows ordered by ordinal then name.
func (m *Machine) Rows() []FileRow {
	rows := make([]FileRow, 0, len(m.rows))
	for _, row := range m.rows {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Key.Ordinal != rows[j].Key.Ordinal {
			return rows[i].Key.Ordinal < rows[j].Key.Ordinal
		}
		return rows[i].Key.Name < rows[j].Key.Name
	})
	return rows
}

// FailedResults returns the failures recorded so far.
func (m *Machine) FailedResults() []FileResult {
	return append([]FileResult(nil), m.failed...)
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
