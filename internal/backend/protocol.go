package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/JakeFAU/fetch-orchestrator/internal/fetch"
)

// Worker processes speak newline-delimited JSON: one workRequest per line on
// stdin, one workReply per line on stdout, strictly in order.

type workRequest struct {
	Seq       uint64 `json:"seq"`
	TaskID    string `json:"id"`
	Target    string `json:"target"`
	Host      string `json:"host"`
	Attempt   int    `json:"attempt"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

type wireError struct {
	Kind         fetch.ErrorKind `json:"kind"`
	Message      string          `json:"message"`
	Code         int             `json:"code,omitempty"`
	RetryAfterMs int64           `json:"retry_after_ms,omitempty"`
}

type workReply struct {
	Seq        uint64     `json:"seq"`
	StatusCode int        `json:"status_code,omitempty"`
	Bytes      int        `json:"bytes,omitempty"`
	LatencyMs  float64    `json:"latency_ms"`
	Error      *wireError `json:"error,omitempty"`
}

func (r workReply) outcome() fetch.Outcome {
	out := fetch.Outcome{
		StatusCode: r.StatusCode,
		Bytes:      r.Bytes,
		Latency:    time.Duration(r.LatencyMs * float64(time.Millisecond)),
	}
	if r.Error != nil {
		out.Err = &fetch.RemoteError{
			Kind:       r.Error.Kind,
			Message:    r.Error.Message,
			Code:       r.Error.Code,
			RetryAfter: time.Duration(r.Error.RetryAfterMs) * time.Millisecond,
		}
	}
	return out
}

// Classifier labels an error with its reporting kind on the worker side.
type Classifier interface {
	Kind(err error) fetch.ErrorKind
}

// ServeWorker runs the worker side of the process backend. It reads requests
// from in, runs fn for each behind the same panic boundary as the in-process
// backends, and writes replies to out until in reaches EOF or ctx ends.
func ServeWorker(ctx context.Context, in io.Reader, out io.Writer, fn WorkFunc, classifier Classifier) error {
	dec := json.NewDecoder(bufio.NewReader(in))
	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("worker stopped: %w", err)
		}
		var req workRequest
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode work request: %w", err)
		}
		reply := serveOne(ctx, req, fn, classifier)
		if err := enc.Encode(reply); err != nil {
			return fmt.Errorf("encode work reply: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush work reply: %w", err)
		}
	}
}

func serveOne(ctx context.Context, req workRequest, fn WorkFunc, classifier Classifier) workReply {
	taskCtx := ctx
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	task := fetch.Task{
		ID:        req.TaskID,
		TargetURI: req.Target,
		Host:      req.Host,
		Attempt:   req.Attempt,
	}
	out := safeRun(taskCtx, task, fn)
	reply := workReply{
		Seq:        req.Seq,
		StatusCode: out.StatusCode,
		Bytes:      out.Bytes,
		LatencyMs:  float64(out.Latency) / float64(time.Millisecond),
	}
	if out.Err != nil {
		kind := fetch.KindTransientNetwork
		if classifier != nil {
			kind = classifier.Kind(out.Err)
		}
		reply.Error = &wireError{
			Kind:         kind,
			Message:      out.Err.Error(),
			Code:         fetch.HTTPStatusOf(out.Err),
			RetryAfterMs: fetch.RetryAfterHint(out.Err).Milliseconds(),
		}
	}
	return reply
}
