package sink

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
)

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	bold   = color.New(color.Bold)
)

// TableSink renders the final report as a per-task table plus a summary line.
// It ignores streamed results.
type TableSink struct {
	out io.Writer
}

// NewTableSink writes to out.
func NewTableSink(out io.Writer) *TableSink {
	return &TableSink{out: out}
}

// OnResult is a no-op; the table is rendered once from the report.
func (s *TableSink) OnResult(context.Context, fetch.Result) error {
	return nil
}

// OnReport renders rep.
func (s *TableSink) OnReport(_ context.Context, rep fetch.Report) error {
	table := tablewriter.NewWriter(s.out)
	table.Header("Task", "Target", "Status", "HTTP", "Attempts", "Latency", "Error")
	for _, r := range rep.Results {
		httpStatus := ""
		if r.HTTPStatus != 0 {
			httpStatus = strconv.Itoa(r.HTTPStatus)
		}
		if err := table.Append(
			r.TaskID,
			r.TargetURI,
			colorStatus(r.Status),
			httpStatus,
			strconv.Itoa(r.Attempts),
			r.Latency.String(),
			string(r.ErrorKind),
		); err != nil {
			return fmt.Errorf("append table row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	_, err := fmt.Fprintf(s.out, "%s total=%d succeeded=%s failed=%s cancelled=%s avg=%s p95=%s\n",
		bold.Sprint("summary"),
		rep.Total,
		green.Sprint(rep.Succeeded),
		red.Sprint(rep.Failed),
		yellow.Sprint(rep.Cancelled),
		rep.AvgLatency,
		rep.P95Latency,
	)
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func colorStatus(s fetch.Status) string {
	switch s {
	case fetch.StatusSucceeded:
		return green.Sprint(s)
	case fetch.StatusFailedTerminal:
		return red.Sprint(s)
	default:
		return yellow.Sprint(s)
	}
}
