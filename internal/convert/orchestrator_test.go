package convert

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kggtools/kgg-cli/internal/api"
	"github.com/kggtools/kgg-cli/internal/logging"
)

// fakeBackend serves a canned event stream and counts requests.
type fakeBackend struct {
	mu       sync.Mutex
	requests int
	lastReq  api.StreamRequest
	open     func(ctx context.Context) (io.ReadCloser, error)
}

func (f *fakeBackend) ConvertStream(ctx context.Context, req api.StreamRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests++
	f.lastReq = req
	f.mu.Unlock()
	return f.open(ctx)
}

func (f *fakeBackend) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func staticStream(frames string) func(context.Context) (io.ReadCloser, error) {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(frames)), nil
	}
}

func testLogger() *logging.Logger {
	return logging.NewLogger(io.Discard)
}

func queuedOrchestrator(backend Backend, cb Callbacks, items ...PathItem) *Orchestrator {
	q := NewQueue(DefaultLimits(), DefaultSupportedExts)
	q.AdmitPaths(items)
	return New(q, backend, testLogger(), cb)
}

func kggPath(name string) PathItem {
	return PathItem{Name: name, Size: 1024, Ext: Ext(name), FullPath: "/music/" + name}
}

func runOpts() RunOptions {
	return RunOptions{
		OutputDir:           "/out",
		OutputFormat:        "flac",
		Concurrency:         4,
		CredentialAvailable: true,
	}
}

func TestPreconditionsBlockBeforeNetwork(t *testing.T) {
	backend := &fakeBackend{open: staticStream("")}

	tests := []struct {
		name  string
		setup func() (*Orchestrator, RunOptions)
		want  error
	}{
		{
			"empty queue",
			func() (*Orchestrator, RunOptions) {
				return queuedOrchestrator(backend, Callbacks{}), runOpts()
			},
			ErrQueueEmpty,
		},
		{
			"missing output dir",
			func() (*Orchestrator, RunOptions) {
				opts := runOpts()
				opts.OutputDir = ""
				return queuedOrchestrator(backend, Callbacks{}, kggPath("a.ncm")), opts
			},
			ErrNoOutputDir,
		},
		{
			"kgg without credential",
			func() (*Orchestrator, RunOptions) {
				opts := runOpts()
				opts.CredentialAvailable = false
				return queuedOrchestrator(backend, Callbacks{},
					kggPath("a.kgg"), kggPath("b.ncm"), kggPath("c.vpr")), opts
			},
			ErrCredentialRequired,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			orch, opts := tc.setup()
			_, err := orch.Run(context.Background(), opts)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if n := backend.requestCount(); n != 0 {
		t.Errorf("backend saw %d requests, want 0 before preconditions pass", n)
	}
}

func TestExplicitDBPathSatisfiesCredential(t *testing.T) {
	backend := &fakeBackend{open: staticStream(
		"event: complete\ndata: {\"total\":1,\"success\":1,\"outputDir\":\"/out\"}\n\n")}
	orch := queuedOrchestrator(backend, Callbacks{}, kggPath("a.kgg"))

	opts := runOpts()
	opts.CredentialAvailable = false
	opts.DBPath = "/keys/KGMusicV3.db"

	if _, err := orch.Run(context.Background(), opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	if backend.lastReq.DBPath != "/keys/KGMusicV3.db" {
		t.Errorf("dbPath = %q not forwarded", backend.lastReq.DBPath)
	}
}

func TestRunHappyPath(t *testing.T) {
	stream := "event: progress\ndata: {\"phase\":\"decrypt\",\"file\":\"a.kgg\",\"current\":0,\"total\":1,\"percent\":40}\n\n" +
		"event: file-done\ndata: {\"file\":\"a.kgg\",\"current\":0,\"total\":1,\"percent\":100,\"status\":\"ok\"}\n\n" +
		"event: complete\ndata: {\"total\":1,\"success\":1,\"failed\":0,\"durationMs\":1234,\"outputDir\":\"/srv/out\"}\n\n"
	backend := &fakeBackend{open: staticStream(stream)}

	var rows []FileRow
	var aggs []AggregateUpdated
	var completed []RunSummary
	cb := Callbacks{
		RowUpdated: func(r FileRow) { rows = append(rows, r) },
		Aggregate:  func(a AggregateUpdated, _ time.Duration, _ bool) { aggs = append(aggs, a) },
		Completed:  func(s RunSummary) { completed = append(completed, s) },
	}
	orch := queuedOrchestrator(backend, cb, kggPath("a.kgg"))

	summary, err := orch.Run(context.Background(), runOpts())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Success != 1 || summary.Failed != 0 || summary.OutputDir != "/srv/out" {
		t.Errorf("summary = %+v", summary)
	}
	if summary.DurationMs != 1234 {
		t.Errorf("duration = %d, want the server value", summary.DurationMs)
	}

	if len(rows) != 2 {
		t.Fatalf("row updates = %d, want 2", len(rows))
	}
	if rows[0].Status != StatusActive || rows[1].Status != StatusSuccess {
		t.Errorf("row statuses = %v, %v", rows[0].Status, rows[1].Status)
	}

	if len(aggs) != 2 || aggs[0].Percent != 40 || aggs[1].Done != 1 {
		t.Errorf("aggregates = %+v", aggs)
	}

	if len(completed) != 1 {
		t.Fatalf("Completed fired %d times, want exactly 1", len(completed))
	}
	if orch.Running() {
		t.Error("orchestrator still reports running after the run")
	}
}

func TestRunBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	backend := &fakeBackend{open: func(ctx context.Context) (io.ReadCloser, error) {
		close(started)
		<-release
		return io.NopCloser(strings.NewReader(
			"event: complete\ndata: {\"total\":1,\"success\":1}\n\n")), nil
	}}
	orch := queuedOrchestrator(backend, Callbacks{}, kggPath("a.ncm"))

	done := make(chan error, 1)
	go func() {
		_, err := orch.Run(context.Background(), runOpts())
		done <- err
	}()

	<-started
	if _, err := orch.Run(context.Background(), runOpts()); !errors.Is(err, ErrBusy) {
		t.Errorf("second run err = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first run err = %v", err)
	}
}

// blockingStream emits its frames, then blocks until the request context
// is cancelled, mimicking a live connection with no pending events.
type blockingStream struct {
	ctx     context.Context
	frames  *strings.Reader
	drained chan<- struct{}
	once    sync.Once
}

func (b *blockingStream) Read(p []byte) (int, error) {
	n, err := b.frames.Read(p)
	if err == nil {
		return n, nil
	}
	b.once.Do(func() { close(b.drained) })
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *blockingStream) Close() error { return nil }

func TestRunCancelMidStream(t *testing.T) {
	drained := make(chan struct{})
	backend := &fakeBackend{open: func(ctx context.Context) (io.ReadCloser, error) {
		return &blockingStream{
			ctx: ctx,
			frames: strings.NewReader(
				"event: file-done\ndata: {\"file\":\"a.ncm\",\"current\":0,\"total\":2,\"percent\":50,\"status\":\"ok\"}\n\n"),
			drained: drained,
		}, nil
	}}

	var completed []RunSummary
	cb := Callbacks{Completed: func(s RunSummary) { completed = append(completed, s) }}
	orch := queuedOrchestrator(backend, cb, kggPath("a.ncm"), kggPath("b.ncm"))

	go func() {
		<-drained
		orch.Cancel()
	}()

	summary, err := orch.Run(context.Background(), runOpts())
	if err != nil {
		t.Fatalf("cancelled run must not return an error, got %v", err)
	}
	if !summary.Cancelled {
		t.Error("summary not marked cancelled")
	}
	if summary.Success != 1 || summary.Total != 2 {
		t.Errorf("summary = %+v, want the pre-cancel file counted", summary)
	}
	if len(completed) != 1 || !completed[0].Cancelled {
		t.Errorf("Completed callback = %+v, want one cancelled summary", completed)
	}
}

func TestRunCancelBeforeStream(t *testing.T) {
	backend := &fakeBackend{open: func(ctx context.Context) (io.ReadCloser, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	var completed []RunSummary
	cb := Callbacks{Completed: func(s RunSummary) { completed = append(completed, s) }}
	orch := queuedOrchestrator(backend, cb, kggPath("a.ncm"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := orch.Run(ctx, runOpts())
	if err != nil {
		t.Fatalf("pre-stream cancel must not return an error, got %v", err)
	}
	if !summary.Cancelled || summary.Success != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(completed) != 1 {
		t.Errorf("Completed fired %d times, want 1", len(completed))
	}
}

func TestRunPreStreamRejection(t *testing.T) {
	apiErr := &api.Error{Code: "ERR_LIMIT", UserMessage: "too many files", HTTPStatus: 400}
	backend := &fakeBackend{open: func(context.Context) (io.ReadCloser, error) {
		return nil, apiErr
	}}

	var completed []RunSummary
	cb := Callbacks{Completed: func(s RunSummary) { completed = append(completed, s) }}
	orch := queuedOrchestrator(backend, cb, kggPath("a.ncm"))

	_, err := orch.Run(context.Background(), runOpts())
	var got *api.Error
	if !errors.As(err, &got) || got.Code != "ERR_LIMIT" {
		t.Fatalf("err = %v, want the backend rejection", err)
	}
	if len(completed) != 0 {
		t.Error("Completed must not fire for a rejected run")
	}
}

func TestRunStreamDroppedIsError(t *testing.T) {
	// Stream ends after one file without a complete event.
	backend := &fakeBackend{open: staticStream(
		"event: file-done\ndata: {\"file\":\"a.ncm\",\"current\":0,\"total\":2,\"status\":\"ok\"}\n\n")}

	var completed []RunSummary
	cb := Callbacks{Completed: func(s RunSummary) { completed = append(completed, s) }}
	orch := queuedOrchestrator(backend, cb, kggPath("a.ncm"), kggPath("b.ncm"))

	summary, err := orch.Run(context.Background(), runOpts())
	if err == nil {
		t.Fatal("dropped stream must surface as an error")
	}
	if summary.Cancelled {
		t.Error("transport failure must not be marked cancelled")
	}
	if summary.Success != 1 {
		t.Errorf("summary = %+v, want the finished file preserved", summary)
	}
	if len(completed) != 0 {
		t.Error("Completed must not fire for a transport failure")
	}
}

func TestRunErrorEventDoesNotTerminate(t *testing.T) {
	stream := "event: error\ndata: {\"error\":{\"code\":\"ERR_TOOL\",\"severity\":\"warning\",\"suggestion\":\"install ffmpeg\"}}\n\n" +
		"event: file-done\ndata: {\"file\":\"a.ncm\",\"current\":0,\"total\":1,\"status\":\"ok\"}\n\n" +
		"event: complete\ndata: {\"total\":1,\"success\":1}\n\n"
	backend := &fakeBackend{open: staticStream(stream)}
	orch := queuedOrchestrator(backend, Callbacks{}, kggPath("a.ncm"))

	summary, err := orch.Run(context.Background(), runOpts())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Success != 1 {
		t.Errorf("summary = %+v, want the run to continue past the error event", summary)
	}
}

func TestRunForwardsQueueContents(t *testing.T) {
	backend := &fakeBackend{open: staticStream(
		"event: complete\ndata: {\"total\":2,\"success\":2}\n\n")}
	orch := queuedOrchestrator(backend, Callbacks{},
		kggPath("a.ncm"), kggPath("b.vpr"))

	if _, err := orch.Run(context.Background(), runOpts()); err != nil {
		t.Fatalf("run: %v", err)
	}

	req := backend.lastReq
	if len(req.InputPaths) != 2 || req.InputPaths[0] != "/music/a.ncm" {
		t.Errorf("input paths = %v", req.InputPaths)
	}
	if req.OutputDir != "/out" || req.OutputFormat != "flac" || req.Concurrency != 4 {
		t.Errorf("request = %+v", req)
	}
	if orch.Queue().TotalCount() != 2 {
		t.Error("run must leave the queue untouched")
	}
}
