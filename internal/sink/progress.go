package sink

import (
	"context"
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
)

// ProgressSink advances a terminal progress bar on every terminal result.
type ProgressSink struct {
	bar *progressbar.ProgressBar
}

// NewProgressSink sizes the bar to total tasks and draws it on out.
func NewProgressSink(out io.Writer, total int) *ProgressSink {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("fetching"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("tasks"),
		progressbar.OptionThrottle(0),
		progressbar.OptionOnCompletion(func() {
			_, _ = fmt.Fprintln(out)
		}),
	)
	return &ProgressSink{bar: bar}
}

// OnResult advances the bar by one.
func (s *ProgressSink) OnResult(context.Context, fetch.Result) error {
	if err := s.bar.Add(1); err != nil {
		return fmt.Errorf("advance progress bar: %w", err)
	}
	return nil
}

// OnReport completes the bar.
func (s *ProgressSink) OnReport(context.Context, fetch.Report) error {
	if err := s.bar.Finish(); err != nil {
		return fmt.Errorf("finish progress bar: %w", err)
	}
	return nil
}

// Current reports how many results the bar has counted.
func (s *ProgressSink) Current() int64 {
	return s.bar.State().CurrentNum
}
