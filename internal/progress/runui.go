// Package progress renders conversion run progress on the terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"
)

// RunUI renders the aggregate progress of one conversion run as a
// single bar on stderr. Per-file rows go through the logger on stdout,
// so the bar and the log lines do not fight over the same stream.
type RunUI struct {
	progress   *mpb.Progress
	bar        *mpb.Bar
	isTerminal bool

	mu      sync.Mutex
	done    int
	total   int
	eta     time.Duration
	hasETA  bool
	stopped bool
}

// NewRunUI creates the run display. On a non-terminal stderr the bar is
// suppressed entirely.
func NewRunUI(totalFiles int) *RunUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))

	var p *mpb.Progress
	if isTerminal {
		p = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(80),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}

	ui := &RunUI{progress: p, isTerminal: isTerminal, total: totalFiles}

	// The bar tracks the server-reported aggregate percent, not a
	// client-side recomputation from counts.
	ui.bar = p.New(100,
		mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]"),
		mpb.PrependDecorators(
			decor.Name("converting "),
			decor.Any(func(decor.Statistics) string {
				ui.mu.Lock()
				defer ui.mu.Unlock()
				return fmt.Sprintf("%d/%d", ui.done, ui.total)
			}),
		),
		mpb.AppendDecorators(
			decor.CurrentNoUnit("%d%%"),
			decor.Any(func(decor.Statistics) string {
				ui.mu.Lock()
				defer ui.mu.Unlock()
				if !ui.hasETA {
					return ""
				}
				sec := int(ui.eta.Seconds())
				return fmt.Sprintf(" eta %d:%02d", sec/60, sec%60)
			}),
		),
	)

	return ui
}

// Update refreshes the aggregate display.
func (u *RunUI) Update(done, total int, percent float64, eta time.Duration, hasETA bool) {
	u.mu.Lock()
	u.done = done
	if total > 0 {
		u.total = total
	}
	u.eta = eta
	u.hasETA = hasETA
	u.mu.Unlock()

	u.bar.SetCurrent(int64(percent))
}

// Finish completes the display and waits for the final render.
func (u *RunUI) Finish() {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return
	}
	u.stopped = true
	u.mu.Unlock()

	if !u.bar.Completed() {
		u.bar.Abort(true)
	}
	u.progress.Wait()
}
