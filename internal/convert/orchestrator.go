package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kggtools/kgg-cli/internal/api"
	"github.com/kggtools/kgg-cli/internal/logging"
	"github.com/kggtools/kgg-cli/internal/sse"
)

// Precondition failures. Each blocks a run before any network activity
// and stays distinct so the caller can explain exactly what is missing.
var (
	ErrQueueEmpty         = errors.New("no files queued for conversion")
	ErrQueueOverLimit     = errors.New("queue exceeds the file count limit")
	ErrNoOutputDir        = errors.New("no output directory configured")
	ErrCredentialRequired = errors.New("queue contains KGG files but no key database is available")
	ErrBusy               = errors.New("a conversion run is already active")
)

// Backend issues the conversion request. Satisfied by *api.Client.
type Backend interface {
	ConvertStream(ctx context.Context, req api.StreamRequest) (io.ReadCloser, error)
}

// Callbacks connect a run to the presentation layer. Nil callbacks are
// skipped. All callbacks fire from the goroutine driving the run.
type Callbacks struct {
	// RowUpdated fires whenever a per-file row changes state.
	RowUpdated func(FileRow)

	// Aggregate fires on every aggregate change. eta is valid only
	// when hasETA is true.
	Aggregate func(agg AggregateUpdated, eta time.Duration, hasETA bool)

	// Completed fires exactly once per finished run (complete event or
	// cancellation), with the final summary. It does not fire for
	// transport failures or pre-stream rejections.
	Completed func(RunSummary)
}

// RunOptions configures one conversion run.
type RunOptions struct {
	OutputDir    string
	OutputFormat string
	MP3Quality   string
	Concurrency  int

	// DBPath is the credential database path forwarded to the backend,
	// empty when autodetection should be used.
	DBPath string

	// CredentialAvailable reports that a key database is usable, via
	// autodetection, prior validation or an explicit DBPath.
	CredentialAvailable bool

	// SpoolProgress optionally observes uploaded request body bytes.
	SpoolProgress io.Writer
}

// Orchestrator owns the end-to-end lifecycle of conversion runs: it
// validates preconditions against its queue, issues the request, feeds
// the response through the frame parser into the state machine, and
// finalizes the summary. It holds at most one active run.
type Orchestrator struct {
	queue   *Queue
	backend Backend
	log     *logging.Logger
	cb      Callbacks
	now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// New creates an orchestrator around an explicitly owned queue.
func New(queue *Queue, backend Backend, log *logging.Logger, cb Callbacks) *Orchestrator {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	return &Orchestrator{
		queue:   queue,
		backend: backend,
		log:     log,
		cb:      cb,
		now:     time.Now,
	}
}

// Queue returns the orchestrator's work queue.
func (o *Orchestrator) Queue() *Queue {
	return o.queue
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Cancel aborts the active run, if any. The in-flight read is
// abandoned; an event fully parsed before the cancel is still applied.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// CheckPreconditions verifies that a run may start. Each failure is a
// distinct sentinel error.
func (o *Orchestrator) CheckPreconditions(opts RunOptions) error {
	if o.queue.TotalCount() == 0 {
		return ErrQueueEmpty
	}
	if o.queue.TotalCount() > o.queue.limits.MaxFileCount {
		return ErrQueueOverLimit
	}
	if opts.OutputDir == "" {
		return ErrNoOutputDir
	}
	if o.queue.RequiresCredential() && !opts.CredentialAvailable && opts.DBPath == "" {
		return ErrCredentialRequired
	}
	return nil
}

// Run executes one conversion run to completion, cancellation or
// failure. On a completed or cancelled run it returns the summary and
// a nil error; a pre-stream rejection or transport failure returns a
// non-nil error. The queue is left untouched; the caller decides when
// to clear and rebuild it.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (RunSummary, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return RunSummary{}, ErrBusy
	}
	if err := o.CheckPreconditions(opts); err != nil {
		o.mu.Unlock()
		return RunSummary{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.cancel = nil
		o.running = false
		o.mu.Unlock()
	}()

	req := o.buildRequest(opts)
	total := o.queue.TotalCount()
	machine := NewMachine(total, o.now(), opts.OutputDir)

	o.log.Info().Int("files", total).Str("format", opts.OutputFormat).Msg("Starting conversion run")

	body, err := o.backend.ConvertStream(runCtx, req)
	if err != nil {
		if runCtx.Err() != nil {
			// Cancelled before the stream was established.
			summary := machine.AbortSummary(true, o.now())
			o.log.Warn().Msg("Conversion cancelled by user")
			o.emitCompleted(summary)
			return summary, nil
		}
		var apiErr *api.Error
		if errors.As(err, &apiErr) {
			return RunSummary{}, fmt.Errorf("conversion request rejected: %w", apiErr)
		}
		return RunSummary{}, fmt.Errorf("conversion request failed: %w", err)
	}
	defer body.Close()

	summary, runErr := o.consumeStream(runCtx, machine, body)
	if runErr != nil {
		return summary, runErr
	}
	o.emitCompleted(summary)
	return summary, nil
}

func (o *Orchestrator) buildRequest(opts RunOptions) api.StreamRequest {
	uploads := o.queue.Uploads()
	apiUploads := make([]api.Upload, len(uploads))
	for i, up := range uploads {
		apiUploads[i] = api.Upload{Name: up.Name, Size: up.Size, Path: up.Path}
	}

	paths := o.queue.Paths()
	inputPaths := make([]string, len(paths))
	for i, p := range paths {
		inputPaths[i] = p.FullPath
	}

	return api.StreamRequest{
		OutputDir:     opts.OutputDir,
		OutputFormat:  opts.OutputFormat,
		MP3Quality:    opts.MP3Quality,
		Concurrency:   opts.Concurrency,
		DBPath:        opts.DBPath,
		Uploads:       apiUploads,
		InputPaths:    inputPaths,
		SpoolProgress: opts.SpoolProgress,
	}
}

// consumeStream drives the machine from the event stream until a
// complete event, cancellation or a transport failure.
func (o *Orchestrator) consumeStream(ctx context.Context, machine *Machine, body io.Reader) (RunSummary, error) {
	var summary *RunSummary

	sc := sse.NewScanner(body)
	for sc.Next() {
		ev := DecodeEvent(sc.Event())
		for _, effect := range machine.Apply(ev) {
			if done, ok := effect.(RunCompleted); ok {
				s := done.Summary
				summary = &s
				continue
			}
			o.dispatch(machine, effect)
		}
		if summary != nil {
			break
		}
	}

	if summary != nil {
		o.log.Info().
			Int("success", summary.Success).
			Int("failed", summary.Failed).
			Dur("duration", time.Duration(summary.DurationMs)*time.Millisecond).
			Msg("Conversion run finished")
		return *summary, nil
	}

	if ctx.Err() != nil {
		s := machine.AbortSummary(true, o.now())
		o.log.Warn().Int("done", s.Success+s.Failed).Msg("Conversion cancelled by user")
		return s, nil
	}

	s := machine.AbortSummary(false, o.now())
	if err := sc.Err(); err != nil {
		return s, fmt.Errorf("conversion stream failed: %w", err)
	}
	return s, errors.New("conversion stream ended without a completion event")
}

func (o *Orchestrator) dispatch(machine *Machine, effect Effect) {
	switch effect := effect.(type) {
	case RowUpdated:
		if o.cb.RowUpdated != nil {
			o.cb.RowUpdated(effect.Row)
		}

	case AggregateUpdated:
		if o.cb.Aggregate != nil {
			eta, ok := ETA(machine.StartedAt(), effect.Done, effect.Total, o.now())
			o.cb.Aggregate(effect, eta, ok)
		}

	case FileSucceeded:
		o.log.Info().Str("file", effect.File).Msg("Converted")

	case FileFailed:
		o.logPayload("Conversion failed: "+effect.File, effect.Err)

	case RunErrored:
		o.logPayload("Conversion run error", effect.Err)

	case StrayEvent:
		o.log.Debug().Msg("Ignored event: " + effect.Description)
	}
}

// logPayload logs a backend error payload at the level its severity
// maps to, with the remediation suggestion on a separate warn line.
func (o *Orchestrator) logPayload(prefix string, err *FileError) {
	level := logging.SeverityLevel("")
	if err != nil {
		level = logging.SeverityLevel(err.Severity)
	}

	event := o.log.WithLevel(level)
	if err != nil && err.Code != "" {
		event = event.Str("code", err.Code)
	}
	event.Msg(prefix + ": " + err.Message())

	if err != nil && err.Suggestion != "" {
		o.log.Warn().Msg("Suggestion: " + err.Suggestion)
	}
}

func (o *Orchestrator) emitCompleted(summary RunSummary) {
	if o.cb.Completed != nil {
		o.cb.Completed(summary)
	}
}
